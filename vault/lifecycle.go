// Package vault holds the master key lifecycle of a password manager client:
// unlocking with a master password, encrypting and decrypting entry secrets,
// and rotating the master password with all-or-nothing re-encryption.
//
// The backend is reached only through the AccountService, EntryService and
// Prompter interfaces, and all secret material crossing them is base64 text.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sethvargo/go-retry"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/recovery"
)

// Lifecycle is the single holder of the master key for one signed-in user.
// It moves between Locked, Unlocking, Unlocked and Rotating and holds at
// most one Session.
type Lifecycle struct {
	account  AccountService
	entries  EntryService
	prompter Prompter

	logger            *slog.Logger
	kdfParams         crypto.KDFParams
	concurrency       int
	maxUnlockAttempts int
	maxBulkUpdates    int
	maxBulkBytes      int
	newBackoff        func() retry.Backoff

	// unlockMu serializes unlock attempts so only one prompt is shown.
	unlockMu sync.Mutex

	mu      sync.Mutex
	state   State
	session *Session
	closed  bool

	rotating atomic.Bool
}

// New creates a locked Lifecycle.
func New(account AccountService, entries EntryService, prompter Prompter, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		account:           account,
		entries:           entries,
		prompter:          prompter,
		logger:            discardLogger(),
		kdfParams:         crypto.DefaultKDFParams(),
		concurrency:       defaultConcurrency,
		maxUnlockAttempts: defaultMaxUnlockAttempts,
		maxBulkUpdates:    MaxBulkUpdates,
		maxBulkBytes:      MaxBulkBytes,
		newBackoff:        defaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "vault"))
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.logger.Debug("state transition", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// current returns the unlocked session, or nil when locked.
func (l *Lifecycle) current() (*Session, error) {
	if l.rotating.Load() {
		return nil, ErrRotationInProgress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrSessionClosed
	}
	if l.session != nil && !l.session.Closed() {
		return l.session, nil
	}
	return nil, nil
}

// install replaces the held session with one owning key and marks the
// lifecycle Unlocked. A closed lifecycle destroys key instead.
func (l *Lifecycle) install(key *crypto.DerivedKey) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		key.Destroy()
		return nil, ErrSessionClosed
	}
	if l.session != nil {
		l.session.Close()
	}
	l.session = newSession(key)
	l.state = Unlocked
	return l.session, nil
}

// Session returns the unlocked session. When locked it fetches the salt,
// prompts for the master password and verifies the derived key against a
// stored entry, re-prompting after a wrong password.
func (l *Lifecycle) Session(ctx context.Context) (*Session, error) {
	if s, err := l.current(); s != nil || err != nil {
		return s, err
	}

	l.unlockMu.Lock()
	defer l.unlockMu.Unlock()
	if s, err := l.current(); s != nil || err != nil {
		return s, err
	}

	l.setState(Unlocking)
	s, err := l.unlockInteractive(ctx)
	if err != nil {
		l.setState(Locked)
		return nil, err
	}
	return s, nil
}

func (l *Lifecycle) unlockInteractive(ctx context.Context) (*Session, error) {
	salt, err := l.fetchSalt(ctx)
	if err != nil {
		return nil, err
	}
	probe, err := l.probeEntry(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= l.maxUnlockAttempts; attempt++ {
		password, ok, err := l.prompter.PromptMasterPassword(ctx, PromptUnlock)
		if err != nil {
			return nil, fmt.Errorf("prompting for master password: %w", err)
		}
		if !ok {
			l.logger.Info("unlock cancelled")
			return nil, ErrUnlockCancelled
		}

		key, err := l.deriveAndVerify(password, salt, probe)
		if err == nil {
			l.logger.Info("unlocked", slog.Int("attempt", attempt))
			return l.install(key)
		}
		if !errors.Is(err, crypto.ErrDecryption) {
			return nil, err
		}
		lastErr = err
		l.logger.Info("wrong master password", slog.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("unlock failed after %d attempts: %w", l.maxUnlockAttempts, lastErr)
}

// Unlock derives the key from masterPassword without prompting. A wrong
// password yields crypto.ErrDecryption and leaves the lifecycle locked.
func (l *Lifecycle) Unlock(ctx context.Context, masterPassword string) error {
	if _, err := l.current(); err != nil {
		return err
	}
	l.unlockMu.Lock()
	defer l.unlockMu.Unlock()

	l.setState(Unlocking)
	err := func() error {
		salt, err := l.fetchSalt(ctx)
		if err != nil {
			return err
		}
		probe, err := l.probeEntry(ctx)
		if err != nil {
			return err
		}
		key, err := l.deriveAndVerify(masterPassword, salt, probe)
		if err != nil {
			return err
		}
		_, err = l.install(key)
		return err
	}()
	if err != nil {
		l.Lock()
		return err
	}
	l.logger.Info("unlocked")
	return nil
}

// Lock destroys the held key. The lifecycle can be unlocked again.
func (l *Lifecycle) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		l.session.Close()
		l.session = nil
	}
	if l.state != Rotating {
		l.state = Locked
	}
}

// Close signs out: the key is destroyed and every later operation fails
// with ErrSessionClosed.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Lock()
	l.logger.Info("signed out")
}

// EncryptSecret encrypts plaintext, unlocking first if needed.
func (l *Lifecycle) EncryptSecret(ctx context.Context, plaintext string) (crypto.EncodedSecret, error) {
	s, err := l.Session(ctx)
	if err != nil {
		return crypto.EncodedSecret{}, err
	}
	return s.Encrypt(plaintext)
}

// DecryptSecret decrypts secret, unlocking first if needed.
func (l *Lifecycle) DecryptSecret(ctx context.Context, secret crypto.EncodedSecret) (string, error) {
	s, err := l.Session(ctx)
	if err != nil {
		return "", err
	}
	return s.Decrypt(secret)
}

// SignUpResult describes a completed sign-up.
type SignUpResult struct {
	Session *Session
	// RecoveryKeyShown is false when the prompter failed to show the
	// recovery key. The account exists and the lifecycle is unlocked.
	RecoveryKeyShown bool
}

// SignUp creates the account: a new salt and key, a recovery key shown once
// through the prompter, and the initial key material registered through
// registrar. Once registered the lifecycle is unlocked, even if the
// recovery key could not be shown.
func (l *Lifecycle) SignUp(ctx context.Context, registrar Registrar, masterPassword string) (*SignUpResult, error) {
	if _, err := l.current(); err != nil {
		return nil, err
	}
	l.unlockMu.Lock()
	defer l.unlockMu.Unlock()

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(masterPassword, salt, crypto.WithKDFParams(l.kdfParams))
	if err != nil {
		return nil, err
	}
	iss, err := recovery.NewIssuance(masterPassword)
	if err != nil {
		key.Destroy()
		return nil, err
	}
	defer iss.Destroy()

	m := keyMaterial(salt, iss.Wrapped())
	if err := registrar.Register(ctx, m); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("registering account: %w", err)
	}
	l.logger.Info("account registered")

	s, err := l.install(key)
	if err != nil {
		return nil, err
	}
	res := &SignUpResult{Session: s, RecoveryKeyShown: true}
	if err := iss.Present(ctx, l.prompter); err != nil {
		l.logger.Error("recovery key not shown", slog.Any("error", err))
		res.RecoveryKeyShown = false
	}
	return res, nil
}

func keyMaterial(salt []byte, wrap *recovery.Wrapped) KeyMaterial {
	enc := crypto.EncodeSecret(wrap)
	return KeyMaterial{
		Salt:               crypto.BytesToText(salt),
		RecoveryCiphertext: enc.Ciphertext,
		RecoveryIV:         enc.IV,
	}
}

// deriveAndVerify derives the key and, when probe is set, checks that it
// decrypts the probe entry. Only a verified key is returned.
func (l *Lifecycle) deriveAndVerify(password string, salt []byte, probe *Entry) (*crypto.DerivedKey, error) {
	key, err := crypto.DeriveKey(password, salt, crypto.WithKDFParams(l.kdfParams))
	if err != nil {
		return nil, err
	}
	if probe == nil {
		return key, nil
	}
	enc, err := crypto.DecodeSecret(probe.Secret())
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("entry %s: %w", probe.ID, err)
	}
	pt, err := crypto.DecryptBytes(enc.Ciphertext, enc.IV, key)
	if err != nil {
		key.Destroy()
		return nil, err
	}
	clear(pt)
	return key, nil
}

// retryRead runs fn, retrying failures marked ErrTransient.
func (l *Lifecycle) retryRead(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, l.newBackoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && errors.Is(err, ErrTransient) {
			l.logger.Warn("transient failure", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (l *Lifecycle) fetchSalt(ctx context.Context) ([]byte, error) {
	var text string
	err := l.retryRead(ctx, "get_salt", func(ctx context.Context) error {
		var err error
		text, err = l.account.GetSalt(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching salt: %w", err)
	}
	salt, err := crypto.TextToBytes(text)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	return salt, nil
}

func (l *Lifecycle) listEntries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.retryRead(ctx, "list_entries", func(ctx context.Context) error {
		var err error
		entries, err = l.entries.ListEntries(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return entries, nil
}

// probeEntry returns one stored entry to verify a derived key against, or
// nil when there are none.
func (l *Lifecycle) probeEntry(ctx context.Context) (*Entry, error) {
	entries, err := l.listEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}
