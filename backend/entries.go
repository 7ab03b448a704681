package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/ironkey/internal/uuid"
	"github.com/jmcleod/ironkey/storage"
	"github.com/jmcleod/ironkey/vault"
)

type entryRecord struct {
	vault.Entry
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entries stores the password entries of one user.
type Entries struct {
	*namespace
}

func (e Entries) requireAccount(ctx context.Context) error {
	_, err := Accounts(e).load(ctx)
	return err
}

func (e Entries) load(get func(recordType, recordID string) (*storage.Record, error), id string) (*entryRecord, uint64, error) {
	stored, err := get(entryRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading entry %s: %w", id, err)
	}
	var rec entryRecord
	if err := e.open(entryRecordType, id, stored, &rec); err != nil {
		return nil, 0, err
	}
	rec.Version = stored.Version
	return &rec, stored.Version, nil
}

// sealEntry seals rec as the given version. The version lives in the
// storage record, not in the sealed payload.
func (e Entries) sealEntry(rec entryRecord, version uint64) (*storage.Record, error) {
	rec.Version = 0
	return e.seal(entryRecordType, rec.ID, rec, version)
}

// count returns the number of stored entries.
func (e Entries) count(ctx context.Context) (int, error) {
	ids, err := e.svc.repo.List(ctx, e.userID, entryRecordType)
	if errors.Is(err, storage.ErrNamespaceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return len(ids), nil
}

func (e Entries) repoGet(ctx context.Context) func(string, string) (*storage.Record, error) {
	return func(recordType, recordID string) (*storage.Record, error) {
		return e.svc.repo.Get(ctx, e.userID, recordType, recordID)
	}
}

// Create stores a new entry. An empty ID is replaced by a random UUID.
// The stored entry is returned. An account holds at most as many entries as
// one rotation can re-encrypt.
func (e Entries) Create(ctx context.Context, entry vault.Entry) (vault.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	if err := validateEntry(entry); err != nil {
		return vault.Entry{}, err
	}
	if err := e.requireAccount(ctx); err != nil {
		return vault.Entry{}, err
	}
	n, err := e.count(ctx)
	if err != nil {
		return vault.Entry{}, err
	}
	if n >= e.svc.maxEntries {
		return vault.Entry{}, validationErrorf("account already holds the maximum of %d entries", e.svc.maxEntries)
	}

	now := e.svc.now().UTC()
	entry.Version = 1
	rec := entryRecord{Entry: entry, CreatedAt: now, UpdatedAt: now}
	sealed, err := e.sealEntry(rec, 1)
	if err != nil {
		return vault.Entry{}, err
	}
	err = e.svc.repo.PutCAS(ctx, e.userID, entryRecordType, entry.ID, 0, sealed)
	if errors.Is(err, storage.ErrCASFailed) {
		return vault.Entry{}, fmt.Errorf("%s: %w", entry.ID, ErrEntryExists)
	}
	if err != nil {
		return vault.Entry{}, fmt.Errorf("creating entry: %w", err)
	}
	e.log(ctx, "entry created", slog.String("entry_id", entry.ID))
	return entry, nil
}

// Get returns one entry.
func (e Entries) Get(ctx context.Context, id string) (vault.Entry, error) {
	rec, _, err := e.load(e.repoGet(ctx), id)
	if err != nil {
		return vault.Entry{}, err
	}
	return rec.Entry, nil
}

// ListEntries returns every entry ordered by ID.
func (e Entries) ListEntries(ctx context.Context) ([]vault.Entry, error) {
	ids, err := e.svc.repo.List(ctx, e.userID, entryRecordType)
	if errors.Is(err, storage.ErrNamespaceNotFound) {
		return []vault.Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	out := make([]vault.Entry, 0, len(ids))
	get := e.repoGet(ctx)
	for _, id := range ids {
		rec, _, err := e.load(get, id)
		if errors.Is(err, ErrEntryNotFound) {
			// Deleted between List and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Entry)
	}
	slices.SortFunc(out, func(a, b vault.Entry) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Update replaces an existing entry, metadata and secret together. A
// non-zero entry.Version must match the stored version.
func (e Entries) Update(ctx context.Context, entry vault.Entry) (vault.Entry, error) {
	if err := validateEntry(entry); err != nil {
		return vault.Entry{}, err
	}
	current, version, err := e.load(e.repoGet(ctx), entry.ID)
	if err != nil {
		return vault.Entry{}, err
	}
	if entry.Version != 0 && entry.Version != version {
		return vault.Entry{}, fmt.Errorf("%s: version %d is stale: %w", entry.ID, entry.Version, ErrConflict)
	}
	entry.Version = version + 1
	rec := entryRecord{Entry: entry, CreatedAt: current.CreatedAt, UpdatedAt: e.svc.now().UTC()}
	sealed, err := e.sealEntry(rec, version+1)
	if err != nil {
		return vault.Entry{}, err
	}
	err = e.svc.repo.PutCAS(ctx, e.userID, entryRecordType, entry.ID, version, sealed)
	if errors.Is(err, storage.ErrCASFailed) {
		return vault.Entry{}, fmt.Errorf("%s: %w", entry.ID, ErrConflict)
	}
	if err != nil {
		return vault.Entry{}, fmt.Errorf("updating entry: %w", err)
	}
	e.log(ctx, "entry updated", slog.String("entry_id", entry.ID))
	return entry, nil
}

// Delete removes an entry.
func (e Entries) Delete(ctx context.Context, id string) error {
	err := e.svc.repo.Delete(ctx, e.userID, entryRecordType, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	e.log(ctx, "entry deleted", slog.String("entry_id", id))
	return nil
}

// BulkUpdateSecrets replaces the encrypted password of every listed entry in
// one transaction. An unknown or repeated ID, or a stale version, fails the
// whole batch.
func (e Entries) BulkUpdateSecrets(ctx context.Context, updates []vault.SecretUpdate) error {
	if len(updates) > MaxBulkUpdates {
		return validationErrorf("bulk update of %d entries exceeds maximum of %d", len(updates), MaxBulkUpdates)
	}
	size := 0
	seen := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		size += len(u.ID) + len(u.EncryptedPassword) + len(u.IV)
		if err := validateID(u.ID, "entry ID"); err != nil {
			return err
		}
		if _, dup := seen[u.ID]; dup {
			return validationErrorf("entry %s appears more than once", u.ID)
		}
		seen[u.ID] = struct{}{}
		if err := validateSecret(u.EncryptedPassword, u.IV, "entry "+u.ID); err != nil {
			return err
		}
	}
	if size > MaxBulkBytes {
		return validationErrorf("bulk update of %d bytes exceeds maximum of %d", size, MaxBulkBytes)
	}
	if len(updates) == 0 {
		return nil
	}

	now := e.svc.now().UTC()
	err := e.svc.repo.Batch(ctx, e.userID, func(tx storage.BatchTx) error {
		for _, u := range updates {
			rec, version, err := e.load(tx.Get, u.ID)
			if err != nil {
				return err
			}
			if u.Version != 0 && u.Version != version {
				return fmt.Errorf("%s: version %d is stale: %w", u.ID, u.Version, ErrConflict)
			}
			rec.EncryptedPassword = u.EncryptedPassword
			rec.IV = u.IV
			rec.UpdatedAt = now
			sealed, err := e.sealEntry(*rec, version+1)
			if err != nil {
				return err
			}
			if err := tx.PutCAS(entryRecordType, u.ID, version, sealed); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if err != nil {
		return fmt.Errorf("bulk update: %w", err)
	}
	e.log(ctx, "entry secrets replaced", slog.Int("entries", len(updates)))
	return nil
}

func validateEntry(e vault.Entry) error {
	if err := validateID(e.ID, "entry ID"); err != nil {
		return err
	}
	if err := validateSecret(e.EncryptedPassword, e.IV, "entry "+e.ID); err != nil {
		return err
	}
	return validateMetadata(e)
}
