// Package crypto derives master encryption keys from master passwords and
// encrypts individual secrets with them.
//
// Keys are derived with PBKDF2 and used for AES-256-GCM. The KDF parameters
// must be identical at every derivation for a given account, otherwise data
// encrypted under an earlier derivation becomes unreadable.
package crypto

import (
	"fmt"

	"github.com/jmcleod/ironkey/internal/util"
)

// KDFParams configures PBKDF2 key derivation.
type KDFParams = util.PBKDF2Params

// SaltSize is the length of an account salt in bytes.
const SaltSize = 16

// Supported KDF hash functions.
const (
	HashSHA256 = util.HashSHA256
	HashSHA512 = util.HashSHA512
)

// DeriveKeyOption is a functional option for DeriveKey.
type DeriveKeyOption func(*deriveKeyOptions)

type deriveKeyOptions struct {
	params KDFParams
}

// WithKDFParams sets the PBKDF2 parameters.
func WithKDFParams(params KDFParams) DeriveKeyOption {
	return func(o *deriveKeyOptions) {
		o.params = params
	}
}

// DefaultKDFParams returns the PBKDF2 parameters used when none are given:
// SHA-256, 600 000 iterations, 32-byte key.
func DefaultKDFParams() KDFParams {
	return util.DefaultPBKDF2Params()
}

// ValidateKDFParams checks that the given parameters meet the minimum
// acceptable thresholds.
func ValidateKDFParams(p KDFParams) error {
	return util.ValidatePBKDF2Params(p)
}

// DeriveKey derives the master encryption key for masterPassword and salt.
// The password is NFKD-normalized first. The result is deterministic.
func DeriveKey(masterPassword string, salt []byte, opts ...DeriveKeyOption) (*DerivedKey, error) {
	options := deriveKeyOptions{
		params: DefaultKDFParams(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	passphrase := []byte(util.Normalize(masterPassword))
	defer util.WipeBytes(passphrase)

	raw, err := util.DerivePBKDF2Key(passphrase, salt, options.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivation, err)
	}
	return newDerivedKey(raw), nil
}

// GenerateSalt returns SaltSize bytes from a cryptographically secure source.
func GenerateSalt() ([]byte, error) {
	salt, err := util.RandomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivation, err)
	}
	return salt, nil
}

// ImportRawKey turns 32 raw key bytes into a DerivedKey. The caller's slice
// is left untouched.
func ImportRawKey(raw []byte) (*DerivedKey, error) {
	if len(raw) != util.AESKeySize {
		return nil, fmt.Errorf("%w: raw key must be %d bytes, got %d", ErrKeyDerivation, util.AESKeySize, len(raw))
	}
	return newDerivedKey(util.CopyBytes(raw)), nil
}
