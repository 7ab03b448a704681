package vault

import (
	"github.com/jmcleod/ironkey/crypto"
)

// Session owns one derived master key. It is created on unlock and closed
// on lock, sign-out or rotation.
type Session struct {
	key *crypto.DerivedKey
}

func newSession(key *crypto.DerivedKey) *Session {
	return &Session{key: key}
}

// Encrypt encrypts a secret under the session key.
func (s *Session) Encrypt(plaintext string) (crypto.EncodedSecret, error) {
	if s.Closed() {
		return crypto.EncodedSecret{}, ErrSessionClosed
	}
	enc, err := crypto.Encrypt(plaintext, s.key)
	if err != nil {
		return crypto.EncodedSecret{}, err
	}
	return crypto.EncodeSecret(enc), nil
}

// Decrypt decrypts a secret with the session key.
func (s *Session) Decrypt(secret crypto.EncodedSecret) (string, error) {
	if s.Closed() {
		return "", ErrSessionClosed
	}
	enc, err := crypto.DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return crypto.Decrypt(enc.Ciphertext, enc.IV, s.key)
}

// Close destroys the session key.
func (s *Session) Close() {
	s.key.Destroy()
}

// Closed reports whether the session key has been destroyed.
func (s *Session) Closed() bool {
	return s.key.Destroyed()
}
