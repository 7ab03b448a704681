// Package recovery manages the recovery key: an independent random secret
// that wraps the master password so a user who forgets it can regain access.
//
// The recovery key is shown to the user exactly once, at generation. Only
// its wrapped output is ever persisted.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/internal/util"
)

// KeySize is the length of a recovery key in bytes.
const KeySize = 32

// groupLen is the number of characters per dash-separated display group.
const groupLen = 4

var (
	// ErrUnwrap indicates the recovery key is wrong or the wrapped data is
	// corrupted.
	ErrUnwrap = errors.New("recovery unwrap failed")
	// ErrInvalidKey indicates recovery key text that cannot be parsed.
	ErrInvalidKey = errors.New("invalid recovery key")
	// ErrAlreadyPresented indicates an issued key has already been shown.
	ErrAlreadyPresented = errors.New("recovery key already presented")
)

// Wrapped is the master password encrypted under a recovery key.
type Wrapped = crypto.EncryptedSecret

// Presenter shows a freshly generated recovery key to the user.
type Presenter interface {
	ShowRecoveryKeyOnce(ctx context.Context, recoveryKeyText string) error
}

// WrapSource returns the persisted recovery wrap for an account.
type WrapSource interface {
	GetRecoveryWrap(ctx context.Context) (crypto.EncodedSecret, error)
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key, err := util.RandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating recovery key: %w", err)
	}
	return key, nil
}

// Wrap encrypts masterPassword under recoveryKey.
func Wrap(masterPassword string, recoveryKey []byte) (*Wrapped, error) {
	key, err := crypto.ImportRawKey(recoveryKey)
	if err != nil {
		return nil, fmt.Errorf("importing recovery key: %w", err)
	}
	defer key.Destroy()

	w, err := crypto.Encrypt(masterPassword, key)
	if err != nil {
		return nil, fmt.Errorf("wrapping master password: %w", err)
	}
	return w, nil
}

// Unwrap decrypts a wrapped master password with recoveryKey.
func Unwrap(ciphertext, iv, recoveryKey []byte) (string, error) {
	key, err := crypto.ImportRawKey(recoveryKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	defer key.Destroy()

	pw, err := crypto.Decrypt(ciphertext, iv, key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	return pw, nil
}

// FormatKey renders a recovery key as grouped base64 for offline backup,
// e.g. "q3Zk-9Xa1-...".
func FormatKey(key []byte) string {
	s := strings.TrimRight(crypto.BytesToText(key), "=")
	var b strings.Builder
	for i := 0; i < len(s); i += groupLen {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(s[i:min(i+groupLen, len(s))])
	}
	return b.String()
}

// ParseKey parses text produced by FormatKey. Whitespace and dashes are
// ignored, as is base64 padding.
func ParseKey(text string) ([]byte, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, text)
	s = strings.TrimRight(s, "=")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}

	key, err := crypto.TextToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return key, nil
}

// Issuance is a freshly generated recovery key and the master password
// wrapped under it. The raw key lives in a memguard buffer until it is
// presented or the issuance is destroyed.
type Issuance struct {
	mu      sync.Mutex
	key     *memguard.LockedBuffer
	wrapped *Wrapped
}

// NewIssuance generates a recovery key and wraps masterPassword with it.
// The key is not shown until Present is called.
func NewIssuance(masterPassword string) (*Issuance, error) {
	buf := memguard.NewBufferRandom(KeySize)
	w, err := Wrap(masterPassword, buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	return &Issuance{key: buf, wrapped: w}, nil
}

// Wrapped returns the wrapped master password for persistence.
func (i *Issuance) Wrapped() *Wrapped {
	return i.wrapped
}

// Present shows the recovery key once through p and then destroys it.
// The key is destroyed even when p fails.
func (i *Issuance) Present(ctx context.Context, p Presenter) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.key == nil {
		return ErrAlreadyPresented
	}
	text := FormatKey(i.key.Bytes())
	i.key.Destroy()
	i.key = nil

	if err := p.ShowRecoveryKeyOnce(ctx, text); err != nil {
		return fmt.Errorf("presenting recovery key: %w", err)
	}
	return nil
}

// Destroy wipes the recovery key without presenting it.
func (i *Issuance) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.key != nil {
		i.key.Destroy()
		i.key = nil
	}
}

// Issue generates a recovery key, wraps masterPassword with it and presents
// the key through p exactly once. The raw key never leaves this call.
func Issue(ctx context.Context, masterPassword string, p Presenter) (*Wrapped, error) {
	iss, err := NewIssuance(masterPassword)
	if err != nil {
		return nil, err
	}
	if err := iss.Present(ctx, p); err != nil {
		return nil, err
	}
	return iss.Wrapped(), nil
}

// Recover fetches the persisted wrap from source and unwraps the master
// password with the recovery key in recoveryKeyText.
func Recover(ctx context.Context, source WrapSource, recoveryKeyText string) (string, error) {
	key, err := ParseKey(recoveryKeyText)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	defer util.WipeBytes(key)

	enc, err := source.GetRecoveryWrap(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching recovery wrap: %w", err)
	}
	w, err := crypto.DecodeSecret(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	return Unwrap(w.Ciphertext, w.IV, key)
}
