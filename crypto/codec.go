package crypto

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkey/internal/util"
)

// IVSize is the length of the per-encryption initialization vector.
const IVSize = util.GCMNonceSize

// EncryptedSecret is a ciphertext and the IV it was produced with.
type EncryptedSecret struct {
	Ciphertext []byte
	IV         []byte
}

// EncryptBytes encrypts plaintext under key with a fresh random IV.
func EncryptBytes(plaintext []byte, key *DerivedKey) (*EncryptedSecret, error) {
	var out *EncryptedSecret
	err := key.withKey(func(raw []byte) error {
		iv, ct, err := util.EncryptAESGCM(plaintext, raw, nil)
		if err != nil {
			return err
		}
		out = &EncryptedSecret{Ciphertext: ct, IV: iv}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}
	return out, nil
}

// Encrypt encrypts a secret string under key with a fresh random IV.
func Encrypt(plaintext string, key *DerivedKey) (*EncryptedSecret, error) {
	return EncryptBytes([]byte(plaintext), key)
}

// DecryptBytes decrypts a secret. Every failure, including a destroyed key,
// is reported as ErrDecryption. The caller should wipe the result.
func DecryptBytes(ciphertext, iv []byte, key *DerivedKey) ([]byte, error) {
	var out []byte
	err := key.withKey(func(raw []byte) error {
		pt, err := util.DecryptAESGCM(iv, ciphertext, raw, nil)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDecryption, err)
		}
		out = pt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDecryption) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return out, nil
}

// Decrypt decrypts a secret string. A wrong key, corrupted ciphertext or
// mismatched IV yields ErrDecryption; garbage is never returned.
func Decrypt(ciphertext, iv []byte, key *DerivedKey) (string, error) {
	pt, err := DecryptBytes(ciphertext, iv, key)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(pt)
	return string(pt), nil
}
