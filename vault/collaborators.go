package vault

import (
	"context"

	"github.com/jmcleod/ironkey/crypto"
)

// KeyMaterial is the per-account salt and recovery wrap. It is replaced as a
// unit on every rotation. All fields are base64 text.
type KeyMaterial struct {
	Salt               string `json:"salt"`
	RecoveryCiphertext string `json:"recovery_ciphertext"`
	RecoveryIV         string `json:"recovery_iv"`
	// Epoch is assigned by the backend and ignored on persist.
	Epoch uint64 `json:"epoch,omitzero"`
}

// RecoveryWrap returns the recovery wrap as an encoded secret.
func (m KeyMaterial) RecoveryWrap() crypto.EncodedSecret {
	return crypto.EncodedSecret{Ciphertext: m.RecoveryCiphertext, IV: m.RecoveryIV}
}

// Entry is a stored password entry. Only EncryptedPassword and IV are
// secret; the rest is metadata the lifecycle passes through untouched.
type Entry struct {
	ID                string `json:"id"`
	EncryptedPassword string `json:"encrypted_password"`
	IV                string `json:"iv"`
	Name              string `json:"name,omitempty"`
	URL               string `json:"url,omitempty"`
	Username          string `json:"username,omitempty"`
	Notes             string `json:"notes,omitempty"`
	// Version is assigned by the backend and bumped on every write. A
	// non-zero Version on update must match the stored one.
	Version uint64 `json:"version,omitzero"`
}

// Secret returns the entry's encrypted password as an encoded secret.
func (e Entry) Secret() crypto.EncodedSecret {
	return crypto.EncodedSecret{Ciphertext: e.EncryptedPassword, IV: e.IV}
}

// SecretUpdate replaces the encrypted password of one entry. A non-zero
// Version must match the stored entry or the whole batch is rejected.
type SecretUpdate struct {
	ID                string `json:"id"`
	EncryptedPassword string `json:"encrypted_password"`
	IV                string `json:"iv"`
	Version           uint64 `json:"version,omitzero"`
}

// Limits of a single BulkUpdateSecrets call. Rotation checks them before
// anything is written.
const (
	MaxBulkUpdates = 10_000
	// MaxBulkBytes bounds the summed length of IDs, ciphertexts and IVs.
	MaxBulkBytes = 32 << 20
)

func (u SecretUpdate) size() int {
	return len(u.ID) + len(u.EncryptedPassword) + len(u.IV)
}

// AccountService stores the account's key material.
type AccountService interface {
	GetSalt(ctx context.Context) (string, error)
	GetRecoveryWrap(ctx context.Context) (crypto.EncodedSecret, error)
	// PersistKeyMaterial atomically replaces the salt and recovery wrap.
	PersistKeyMaterial(ctx context.Context, m KeyMaterial) error
}

// EntryService stores password entries.
type EntryService interface {
	ListEntries(ctx context.Context) ([]Entry, error)
	// BulkUpdateSecrets applies every update or none. It fails when an
	// update's Version is stale.
	BulkUpdateSecrets(ctx context.Context, updates []SecretUpdate) error
}

// Registrar creates an account with its initial key material.
type Registrar interface {
	Register(ctx context.Context, m KeyMaterial) error
}

// PromptMode tells the Prompter why a master password is requested.
type PromptMode int

const (
	// PromptUnlock asks for the current master password to unlock.
	PromptUnlock PromptMode = iota
	// PromptCurrent asks for the current master password before a change.
	PromptCurrent
	// PromptNew asks for a new master password.
	PromptNew
)

func (m PromptMode) String() string {
	switch m {
	case PromptUnlock:
		return "unlock"
	case PromptCurrent:
		return "current"
	case PromptNew:
		return "new"
	default:
		return "unknown"
	}
}

// Prompter asks the user for input.
type Prompter interface {
	// PromptMasterPassword returns ok=false when the user cancels.
	PromptMasterPassword(ctx context.Context, mode PromptMode) (password string, ok bool, err error)
	Confirm(ctx context.Context, message string) (bool, error)
	ShowRecoveryKeyOnce(ctx context.Context, recoveryKeyText string) error
}
