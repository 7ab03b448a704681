package backend

import (
	"unicode"
	"unicode/utf8"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/vault"
)

// Input limits.
const (
	MaxIDLength         = 256
	MaxNameLength       = 256
	MaxURLLength        = 2048
	MaxUsernameLength   = 256
	MaxNotesLength      = 64 << 10
	MaxCiphertextLength = 64 << 10
	// MaxBulkUpdates and MaxBulkBytes match what a client rotation checks
	// before persisting new key material.
	MaxBulkUpdates = vault.MaxBulkUpdates
	MaxBulkBytes   = vault.MaxBulkBytes
	// MaxEntries caps one account so its entries fit in a single bulk
	// update.
	MaxEntries = MaxBulkUpdates
)

func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return validationErrorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

// validateText checks a single-line metadata field. Notes may span lines.
func validateText(value, label string, maxLen int, multiline bool) error {
	if len(value) > maxLen {
		return validationErrorf("%s exceeds maximum length of %d", label, maxLen)
	}
	if !utf8.ValidString(value) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range value {
		if multiline && (r == '\n' || r == '\r' || r == '\t') {
			continue
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

func validateMetadata(e vault.Entry) error {
	if err := validateText(e.Name, "name", MaxNameLength, false); err != nil {
		return err
	}
	if err := validateText(e.URL, "url", MaxURLLength, false); err != nil {
		return err
	}
	if err := validateText(e.Username, "username", MaxUsernameLength, false); err != nil {
		return err
	}
	return validateText(e.Notes, "notes", MaxNotesLength, true)
}

// validateSecret checks the shape of an encrypted secret. The server cannot
// and does not check that it decrypts.
func validateSecret(ciphertext, iv, label string) error {
	if len(ciphertext) > MaxCiphertextLength {
		return validationErrorf("%s ciphertext exceeds maximum length of %d", label, MaxCiphertextLength)
	}
	ct, err := crypto.TextToBytes(ciphertext)
	if err != nil {
		return validationErrorf("%s ciphertext is not base64", label)
	}
	if len(ct) == 0 {
		return validationErrorf("%s ciphertext must not be empty", label)
	}
	ivBytes, err := crypto.TextToBytes(iv)
	if err != nil {
		return validationErrorf("%s iv is not base64", label)
	}
	if len(ivBytes) != crypto.IVSize {
		return validationErrorf("%s iv must be %d bytes, got %d", label, crypto.IVSize, len(ivBytes))
	}
	return nil
}

func validateKeyMaterial(m vault.KeyMaterial) error {
	salt, err := crypto.TextToBytes(m.Salt)
	if err != nil {
		return validationErrorf("salt is not base64")
	}
	if len(salt) != crypto.SaltSize {
		return validationErrorf("salt must be %d bytes, got %d", crypto.SaltSize, len(salt))
	}
	return validateSecret(m.RecoveryCiphertext, m.RecoveryIV, "recovery wrap")
}
