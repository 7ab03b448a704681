package crypto

import "errors"

var (
	// ErrKeyDerivation indicates the KDF could not produce a key. It never
	// signals a bad password: every password and salt is valid input.
	ErrKeyDerivation = errors.New("key derivation failed")
	// ErrDecryption indicates a secret could not be decrypted: the key is
	// wrong, or the ciphertext or IV is corrupted.
	ErrDecryption = errors.New("decryption failed")
	// ErrEncoding indicates malformed text where base64 was expected.
	ErrEncoding = errors.New("malformed encoding")
	// ErrKeyUnavailable indicates the key is nil or has been destroyed.
	ErrKeyUnavailable = errors.New("key unavailable")
)
