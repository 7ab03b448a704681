package backend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/ironkey/internal/uuid"
	"github.com/jmcleod/ironkey/storage"
)

const auditRecordType = "AUDIT"

// AuditAction names a change recorded in a user's audit trail.
type AuditAction string

const (
	AuditAccountRegistered   AuditAction = "account_registered"
	AuditKeyMaterialReplaced AuditAction = "key_material_replaced"
	AuditRecoveryWrapRead    AuditAction = "recovery_wrap_read"
	AuditEntryCreated        AuditAction = "entry_created"
	AuditEntryUpdated        AuditAction = "entry_updated"
	AuditEntryDeleted        AuditAction = "entry_deleted"
	AuditSecretsReplaced     AuditAction = "secrets_replaced"
)

// AuditEntry is one persisted audit record.
type AuditEntry struct {
	ID        string      `json:"id"`
	Action    AuditAction `json:"action"`
	EntryID   string      `json:"entry_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// AuditLog is the append-only audit trail of one user.
type AuditLog struct {
	*namespace
}

// Append records action. entryID and detail may be empty.
func (l AuditLog) Append(ctx context.Context, action AuditAction, entryID, detail string) (AuditEntry, error) {
	entry := AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		EntryID:   entryID,
		Detail:    detail,
		CreatedAt: l.svc.now().UTC(),
	}
	sealed, err := l.seal(auditRecordType, entry.ID, entry, 1)
	if err != nil {
		return AuditEntry{}, err
	}
	if err := l.svc.repo.Put(ctx, l.userID, auditRecordType, entry.ID, sealed); err != nil {
		return AuditEntry{}, fmt.Errorf("appending audit entry: %w", err)
	}
	return entry, nil
}

// List returns the audit trail newest first. A non-empty entryID keeps only
// records about that entry.
func (l AuditLog) List(ctx context.Context, entryID string) ([]AuditEntry, error) {
	ids, err := l.svc.repo.List(ctx, l.userID, auditRecordType)
	if errors.Is(err, storage.ErrNamespaceNotFound) {
		return []AuditEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	out := make([]AuditEntry, 0, len(ids))
	for _, id := range ids {
		rec, err := l.svc.repo.Get(ctx, l.userID, auditRecordType, id)
		if err != nil {
			return nil, fmt.Errorf("loading audit entry %s: %w", id, err)
		}
		var entry AuditEntry
		if err := l.open(auditRecordType, id, rec, &entry); err != nil {
			return nil, err
		}
		if entryID != "" && entry.EntryID != entryID {
			continue
		}
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b AuditEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
