package backend

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/storage"
	"github.com/jmcleod/ironkey/storage/memory"
	"github.com/jmcleod/ironkey/vault"
)

func b64(n int, fill byte) string {
	return crypto.BytesToText(bytes.Repeat([]byte{fill}, n))
}

func testMaterial(fill byte) vault.KeyMaterial {
	return vault.KeyMaterial{
		Salt:               b64(crypto.SaltSize, fill),
		RecoveryCiphertext: b64(48, fill),
		RecoveryIV:         b64(crypto.IVSize, fill),
	}
}

func testEntry(id string) vault.Entry {
	return vault.Entry{
		ID:                id,
		EncryptedPassword: b64(24, 1),
		IV:                b64(crypto.IVSize, 2),
		Name:              "Example " + id,
		URL:               "https://example.com",
		Username:          "alice",
		Notes:             "line one\nline two",
	}
}

func newUser(t *testing.T, opts ...Option) (*User, storage.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	svc, err := New(repo, opts...)
	require.NoError(t, err)
	u, err := svc.User("alice")
	require.NoError(t, err)
	return u, repo
}

func registeredUser(t *testing.T, opts ...Option) (*User, storage.Repository) {
	t.Helper()
	u, repo := newUser(t, opts...)
	require.NoError(t, u.Register(t.Context(), testMaterial(1)))
	return u, repo
}

func TestAccounts_RegisterAndRead(t *testing.T) {
	u, _ := newUser(t)
	ctx := t.Context()

	_, err := u.GetSalt(ctx)
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.ErrorIs(t, err, vault.ErrNoAccount)

	m := testMaterial(1)
	require.NoError(t, u.Register(ctx, m))
	require.ErrorIs(t, u.Register(ctx, m), ErrAccountExists)

	salt, err := u.GetSalt(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Salt, salt)

	wrap, err := u.GetRecoveryWrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.RecoveryWrap(), wrap)

	got, err := u.GetKeyMaterial(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Epoch)
}

func TestAccounts_PersistKeyMaterialBumpsEpoch(t *testing.T) {
	u, _ := registeredUser(t)
	ctx := t.Context()

	m := testMaterial(2)
	m.Epoch = 99 // ignored
	require.NoError(t, u.PersistKeyMaterial(ctx, m))

	got, err := u.GetKeyMaterial(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Epoch)
	assert.Equal(t, m.Salt, got.Salt)
	assert.Equal(t, m.RecoveryIV, got.RecoveryIV)

	_, err = u.PersistKeyMaterialAt(ctx, testMaterial(3), 1)
	require.ErrorIs(t, err, ErrConflict)
	epoch, err := u.PersistKeyMaterialAt(ctx, testMaterial(3), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), epoch)
}

func TestAccounts_PersistRequiresAccount(t *testing.T) {
	u, _ := newUser(t)
	require.ErrorIs(t, u.PersistKeyMaterial(t.Context(), testMaterial(1)), ErrAccountNotFound)
}

func TestAccounts_ValidatesKeyMaterial(t *testing.T) {
	u, _ := newUser(t)
	for name, mutate := range map[string]func(*vault.KeyMaterial){
		"ShortSalt":     func(m *vault.KeyMaterial) { m.Salt = b64(8, 1) },
		"BadSalt":       func(m *vault.KeyMaterial) { m.Salt = "***" },
		"ShortIV":       func(m *vault.KeyMaterial) { m.RecoveryIV = b64(4, 1) },
		"EmptyWrap":     func(m *vault.KeyMaterial) { m.RecoveryCiphertext = "" },
		"NonBase64Wrap": func(m *vault.KeyMaterial) { m.RecoveryCiphertext = "not base64!" },
	} {
		t.Run(name, func(t *testing.T) {
			m := testMaterial(1)
			mutate(&m)
			require.ErrorIs(t, u.Register(t.Context(), m), ErrValidation)
		})
	}
}

func TestEntries_CRUD(t *testing.T) {
	u, _ := registeredUser(t)
	ctx := t.Context()

	created, err := u.Create(ctx, testEntry(""))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	_, err = u.Create(ctx, testEntry(created.ID))
	require.ErrorIs(t, err, ErrEntryExists)

	got, err := u.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	got.Name = "Renamed"
	got.EncryptedPassword = b64(24, 9)
	_, err = u.Update(ctx, got)
	require.NoError(t, err)
	again, err := u.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)
	assert.Equal(t, b64(24, 9), again.EncryptedPassword)

	require.NoError(t, u.Delete(ctx, created.ID))
	_, err = u.Get(ctx, created.ID)
	require.ErrorIs(t, err, ErrEntryNotFound)
	require.ErrorIs(t, u.Delete(ctx, created.ID), ErrEntryNotFound)

	_, err = u.Update(ctx, testEntry("missing"))
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestEntries_CreateRequiresAccount(t *testing.T) {
	u, _ := newUser(t)
	_, err := u.Create(t.Context(), testEntry("e1"))
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestEntries_ListOrderedByID(t *testing.T) {
	u, _ := registeredUser(t)
	ctx := t.Context()
	for _, id := range []string{"c", "a", "b"} {
		_, err := u.Create(ctx, testEntry(id))
		require.NoError(t, err)
	}

	entries, err := u.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, "c", entries[2].ID)
}

func TestEntries_Validation(t *testing.T) {
	u, _ := registeredUser(t)
	for name, mutate := range map[string]func(*vault.Entry){
		"SlashInID":       func(e *vault.Entry) { e.ID = "a/b" },
		"LongID":          func(e *vault.Entry) { e.ID = strings.Repeat("x", MaxIDLength+1) },
		"ControlInName":   func(e *vault.Entry) { e.Name = "bad\x00name" },
		"NewlineInURL":    func(e *vault.Entry) { e.URL = "https://a\nb" },
		"LongNotes":       func(e *vault.Entry) { e.Notes = strings.Repeat("n", MaxNotesLength+1) },
		"EmptyCiphertext": func(e *vault.Entry) { e.EncryptedPassword = "" },
		"WrongIVSize":     func(e *vault.Entry) { e.IV = b64(16, 1) },
	} {
		t.Run(name, func(t *testing.T) {
			e := testEntry("e1")
			mutate(&e)
			_, err := u.Create(t.Context(), e)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestEntries_BulkUpdateSecrets(t *testing.T) {
	u, _ := registeredUser(t)
	ctx := t.Context()
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := u.Create(ctx, testEntry(id))
		require.NoError(t, err)
	}

	updates := []vault.SecretUpdate{
		{ID: "e1", EncryptedPassword: b64(24, 7), IV: b64(crypto.IVSize, 7)},
		{ID: "e3", EncryptedPassword: b64(24, 8), IV: b64(crypto.IVSize, 8)},
	}
	require.NoError(t, u.BulkUpdateSecrets(ctx, updates))

	entries, err := u.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, b64(24, 7), entries[0].EncryptedPassword)
	assert.Equal(t, b64(24, 1), entries[1].EncryptedPassword)
	assert.Equal(t, b64(24, 8), entries[2].EncryptedPassword)
	assert.Equal(t, "Example e1", entries[0].Name, "metadata survives a secret update")

	require.NoError(t, u.BulkUpdateSecrets(ctx, nil))
}

func TestEntries_BulkUpdateIsAllOrNothing(t *testing.T) {
	u, _ := registeredUser(t)
	ctx := t.Context()
	for _, id := range []string{"e1", "e2"} {
		_, err := u.Create(ctx, testEntry(id))
		require.NoError(t, err)
	}
	before, err := u.ListEntries(ctx)
	require.NoError(t, err)

	err = u.BulkUpdateSecrets(ctx, []vault.SecretUpdate{
		{ID: "e1", EncryptedPassword: b64(24, 7), IV: b64(crypto.IVSize, 7)},
		{ID: "ghost", EncryptedPassword: b64(24, 7), IV: b64(crypto.IVSize, 7)},
	})
	require.ErrorIs(t, err, ErrEntryNotFound)

	after, err := u.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	err = u.BulkUpdateSecrets(ctx, []vault.SecretUpdate{
		{ID: "e1", EncryptedPassword: b64(24, 7), IV: b64(crypto.IVSize, 7)},
		{ID: "e1", EncryptedPassword: b64(24, 8), IV: b64(crypto.IVSize, 8)},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestEntries_VersionedWrites(t *testing.T) {
	u, _ := registeredUser(t)
	ctx := t.Context()

	created, err := u.Create(ctx, testEntry("e1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Version)

	edit := created
	edit.Name = "Renamed"
	updated, err := u.Update(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)

	// A second writer still holding version 1 loses.
	_, err = u.Update(ctx, created)
	require.ErrorIs(t, err, ErrConflict)

	before, err := u.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, uint64(2), before[0].Version)

	stale := []vault.SecretUpdate{{ID: "e1", EncryptedPassword: b64(24, 7), IV: b64(crypto.IVSize, 7), Version: 1}}
	require.ErrorIs(t, u.BulkUpdateSecrets(ctx, stale), ErrConflict)
	after, err := u.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	stale[0].Version = 2
	require.NoError(t, u.BulkUpdateSecrets(ctx, stale))
	got, err := u.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, b64(24, 7), got.EncryptedPassword)
	assert.Equal(t, "Renamed", got.Name)
}

func TestEntries_CreateCapsEntryCount(t *testing.T) {
	assert.LessOrEqual(t, MaxEntries, MaxBulkUpdates, "every account must fit in one bulk update")

	u, _ := registeredUser(t, WithMaxEntries(2))
	ctx := t.Context()
	for _, id := range []string{"e1", "e2"} {
		_, err := u.Create(ctx, testEntry(id))
		require.NoError(t, err)
	}
	_, err := u.Create(ctx, testEntry("e3"))
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, u.Delete(ctx, "e1"))
	_, err = u.Create(ctx, testEntry("e3"))
	require.NoError(t, err)

	entries, err := u.ListEntries(ctx)
	require.NoError(t, err)
	updates := make([]vault.SecretUpdate, 0, len(entries))
	for _, e := range entries {
		updates = append(updates, vault.SecretUpdate{ID: e.ID, EncryptedPassword: b64(24, 3), IV: b64(crypto.IVSize, 3), Version: e.Version})
	}
	require.NoError(t, u.BulkUpdateSecrets(ctx, updates))

	svc, err := New(memory.NewRepository(), WithMaxEntries(MaxEntries+1))
	require.NoError(t, err)
	assert.Equal(t, MaxEntries, svc.maxEntries)
}

func TestEntries_BulkUpdateByteLimit(t *testing.T) {
	u, _ := registeredUser(t)
	big := b64(MaxCiphertextLength/4*3, 4)
	require.Len(t, big, MaxCiphertextLength)

	n := MaxBulkBytes/MaxCiphertextLength + 1
	updates := make([]vault.SecretUpdate, n)
	for i := range updates {
		updates[i] = vault.SecretUpdate{ID: fmt.Sprintf("e%d", i), EncryptedPassword: big, IV: b64(crypto.IVSize, 4)}
	}
	err := u.BulkUpdateSecrets(t.Context(), updates)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "bytes")
}

func TestUsersAreIsolated(t *testing.T) {
	repo := memory.NewRepository()
	svc, err := New(repo)
	require.NoError(t, err)
	alice, err := svc.User("alice")
	require.NoError(t, err)
	bob, err := svc.User("bob")
	require.NoError(t, err)

	require.NoError(t, alice.Register(t.Context(), testMaterial(1)))
	require.NoError(t, bob.Register(t.Context(), testMaterial(2)))
	_, err = alice.Create(t.Context(), testEntry("e1"))
	require.NoError(t, err)

	entries, err := bob.ListEntries(t.Context())
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = svc.User("bad/user")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRecordKeySealsRecords(t *testing.T) {
	key := bytes.Repeat([]byte{5}, 32)
	u, repo := registeredUser(t, WithRecordKey(key))
	_, err := u.Create(t.Context(), testEntry("e1"))
	require.NoError(t, err)

	raw, err := repo.Get(t.Context(), "alice", entryRecordType, "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAES256GCM, raw.Scheme)
	assert.NotContains(t, string(raw.Data), "Example")

	got, err := u.Get(t.Context(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "Example e1", got.Name)

	// A service without the key cannot read sealed records.
	plain, err := ForUser(repo, "alice")
	require.NoError(t, err)
	_, err = plain.Get(t.Context(), "e1")
	require.Error(t, err)

	_, err = New(repo, WithRecordKey([]byte("short")))
	require.Error(t, err)
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u, repo := registeredUser(t, WithClock(func() time.Time { return fixed }))
	_, err := u.Create(t.Context(), testEntry("e1"))
	require.NoError(t, err)

	raw, err := repo.Get(t.Context(), "alice", entryRecordType, "e1")
	require.NoError(t, err)
	assert.Contains(t, string(raw.Data), "2026-01-02T03:04:05Z")
}

func TestEntries_ConcurrentCreates(t *testing.T) {
	u, _ := registeredUser(t)
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_, err := u.Create(t.Context(), testEntry(""))
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	entries, err := u.ListEntries(t.Context())
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestAuditLog(t *testing.T) {
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	u, _ := registeredUser(t, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	empty, err := u.Audit.List(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = u.Audit.Append(t.Context(), AuditEntryCreated, "e1", "")
	require.NoError(t, err)
	_, err = u.Audit.Append(t.Context(), AuditEntryCreated, "e2", "")
	require.NoError(t, err)
	last, err := u.Audit.Append(t.Context(), AuditSecretsReplaced, "", "2 entries")
	require.NoError(t, err)

	all, err := u.Audit.List(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, last.ID, all[0].ID, "newest first")
	assert.Equal(t, "2 entries", all[0].Detail)

	onlyE1, err := u.Audit.List(t.Context(), "e1")
	require.NoError(t, err)
	require.Len(t, onlyE1, 1)
	assert.Equal(t, AuditEntryCreated, onlyE1[0].Action)

	entries, err := u.ListEntries(t.Context())
	require.NoError(t, err)
	assert.Empty(t, entries, "audit records are not entries")
}

func TestAuditLog_UnknownUser(t *testing.T) {
	u, _ := newUser(t)
	got, err := u.Audit.List(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}
