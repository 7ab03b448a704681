package util

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

// Supported PBKDF2 hash names.
const (
	HashSHA256 = "SHA-256"
	HashSHA512 = "SHA-512"
)

// Minimum acceptable PBKDF2 parameters.
const (
	MinPBKDF2Iterations = 10_000
	PBKDF2KeyLen        = 32
)

// DefaultPBKDF2Iterations is the iteration count used for every derivation
// unless overridden. Changing it makes previously encrypted data unreadable.
const DefaultPBKDF2Iterations = 600_000

type PBKDF2Params struct {
	Hash       string `json:"hash"`
	Iterations int    `json:"iterations"`
	KeyLen     int    `json:"key_len"`
}

func DefaultPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{
		Hash:       HashSHA256,
		Iterations: DefaultPBKDF2Iterations,
		KeyLen:     PBKDF2KeyLen,
	}
}

// ValidatePBKDF2Params checks that p meets the minimum acceptable thresholds.
func ValidatePBKDF2Params(p PBKDF2Params) error {
	if p.KeyLen != PBKDF2KeyLen {
		return fmt.Errorf("pbkdf2 key length must be %d bytes, got %d", PBKDF2KeyLen, p.KeyLen)
	}
	if p.Iterations < MinPBKDF2Iterations {
		return fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, MinPBKDF2Iterations)
	}
	if _, err := hashFunc(p.Hash); err != nil {
		return err
	}
	return nil
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case HashSHA256:
		return sha256.New, nil
	case HashSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported pbkdf2 hash %q", name)
	}
}

// DerivePBKDF2Key derives a key from passphrase and salt. The same inputs
// always yield the same key.
func DerivePBKDF2Key(passphrase []byte, salt []byte, params PBKDF2Params) ([]byte, error) {
	if err := ValidatePBKDF2Params(params); err != nil {
		return nil, err
	}
	h, _ := hashFunc(params.Hash)
	return pbkdf2.Key(passphrase, salt, params.Iterations, params.KeyLen, h), nil
}
