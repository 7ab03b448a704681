package vault

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/recovery"
)

func testKDFParams() crypto.KDFParams {
	p := crypto.DefaultKDFParams()
	p.Iterations = 10_000
	return p
}

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
}

type fakeAccount struct {
	mu sync.Mutex

	material KeyMaterial

	getSaltCalls int
	saltErrs     []error // consumed one per GetSalt call
	persistCalls int
	persistErr   error
	applyOnError bool // persist the material even when returning persistErr
	failAfterPut bool // GetSalt fails once material has been persisted
	// onPersist runs with the lock held before the material is applied.
	// A non-nil error is returned without applying it.
	onPersist func(m KeyMaterial) error
}

func (a *fakeAccount) GetSalt(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getSaltCalls++
	if len(a.saltErrs) > 0 {
		err := a.saltErrs[0]
		a.saltErrs = a.saltErrs[1:]
		return "", err
	}
	if a.failAfterPut && a.persistCalls > 0 {
		return "", errors.New("account store unavailable")
	}
	return a.material.Salt, nil
}

func (a *fakeAccount) GetRecoveryWrap(context.Context) (crypto.EncodedSecret, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.material.RecoveryWrap(), nil
}

func (a *fakeAccount) PersistKeyMaterial(_ context.Context, m KeyMaterial) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persistCalls++
	if a.onPersist != nil {
		if err := a.onPersist(m); err != nil {
			return err
		}
	}
	if a.persistErr != nil {
		if a.applyOnError {
			a.material = m
		}
		return a.persistErr
	}
	a.material = m
	return nil
}

func (a *fakeAccount) Register(ctx context.Context, m KeyMaterial) error {
	return a.PersistKeyMaterial(ctx, m)
}

func (a *fakeAccount) snapshot() KeyMaterial {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.material
}

type fakeEntries struct {
	mu sync.Mutex

	entries   []Entry
	listErrs  []error
	listCalls int
	bulkCalls int
	bulkErr   error
}

func (s *fakeEntries) ListEntries(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		return nil, err
	}
	return slices.Clone(s.entries), nil
}

func (s *fakeEntries) BulkUpdateSecrets(_ context.Context, updates []SecretUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.bulkErr != nil {
		return s.bulkErr
	}
	for _, u := range updates {
		i := slices.IndexFunc(s.entries, func(e Entry) bool { return e.ID == u.ID })
		if i < 0 {
			return errors.New("unknown entry " + u.ID)
		}
		if u.Version != 0 && u.Version != s.entries[i].Version {
			return errors.New("stale version for entry " + u.ID)
		}
	}
	for _, u := range updates {
		i := slices.IndexFunc(s.entries, func(e Entry) bool { return e.ID == u.ID })
		s.entries[i].EncryptedPassword = u.EncryptedPassword
		s.entries[i].IV = u.IV
		s.entries[i].Version++
	}
	return nil
}

func (s *fakeEntries) put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.entries, func(x Entry) bool { return x.ID == e.ID }); i >= 0 {
		e.Version = s.entries[i].Version + 1
		s.entries[i] = e
		return
	}
	e.Version = 1
	s.entries = append(s.entries, e)
}

func (s *fakeEntries) snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

type fakePrompter struct {
	mu sync.Mutex

	passwords []string // answers to PromptMasterPassword, in order
	cancel    bool
	prompts   []PromptMode

	confirm   bool
	confirmFn func(ctx context.Context) (bool, error)

	shown   []string
	showErr error
}

func (p *fakePrompter) PromptMasterPassword(_ context.Context, mode PromptMode) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, mode)
	if p.cancel {
		return "", false, nil
	}
	if len(p.passwords) == 0 {
		return "", false, nil
	}
	pw := p.passwords[0]
	p.passwords = p.passwords[1:]
	return pw, true, nil
}

func (p *fakePrompter) Confirm(ctx context.Context, _ string) (bool, error) {
	if p.confirmFn != nil {
		return p.confirmFn(ctx)
	}
	return p.confirm, nil
}

func (p *fakePrompter) ShowRecoveryKeyOnce(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, text)
	return p.showErr
}

func (p *fakePrompter) shownKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.shown)
}

type fixture struct {
	account     *fakeAccount
	entries     *fakeEntries
	prompter    *fakePrompter
	oldKey      *crypto.DerivedKey
	recoveryKey string
	plaintexts  map[string]string
}

// newFixture builds an account for password with n entries named "1".."n"
// whose secrets are "secret-1".."secret-n".
func newFixture(t *testing.T, password string, n int) *fixture {
	t.Helper()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	key, err := crypto.DeriveKey(password, salt, crypto.WithKDFParams(testKDFParams()))
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	rk, err := recovery.GenerateKey()
	require.NoError(t, err)
	wrap, err := recovery.Wrap(password, rk)
	require.NoError(t, err)

	f := &fixture{
		account:     &fakeAccount{material: keyMaterial(salt, wrap)},
		entries:     &fakeEntries{},
		prompter:    &fakePrompter{confirm: true},
		oldKey:      key,
		recoveryKey: recovery.FormatKey(rk),
		plaintexts:  make(map[string]string),
	}
	for i := 1; i <= n; i++ {
		id := string(rune('0' + i))
		f.addEntry(t, id, "secret-"+id, key)
	}
	return f
}

func (f *fixture) addEntry(t *testing.T, id, plaintext string, key *crypto.DerivedKey) {
	t.Helper()
	enc, err := crypto.Encrypt(plaintext, key)
	require.NoError(t, err)
	text := crypto.EncodeSecret(enc)
	f.entries.put(Entry{
		ID:                id,
		EncryptedPassword: text.Ciphertext,
		IV:                text.IV,
		Name:              "site " + id,
		URL:               "https://example.com/" + id,
		Username:          "user" + id,
	})
	f.plaintexts[id] = plaintext
}

func (f *fixture) lifecycle(opts ...Option) *Lifecycle {
	base := []Option{WithKDFParams(testKDFParams()), WithRetryBackoff(fastBackoff)}
	return New(f.account, f.entries, f.prompter, append(base, opts...)...)
}

func deriveFromAccount(t *testing.T, a *fakeAccount, password string) *crypto.DerivedKey {
	t.Helper()
	salt, err := crypto.TextToBytes(a.snapshot().Salt)
	require.NoError(t, err)
	key, err := crypto.DeriveKey(password, salt, crypto.WithKDFParams(testKDFParams()))
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return key
}

func decryptEntry(e Entry, key *crypto.DerivedKey) (string, error) {
	enc, err := crypto.DecodeSecret(e.Secret())
	if err != nil {
		return "", err
	}
	return crypto.Decrypt(enc.Ciphertext, enc.IV, key)
}
