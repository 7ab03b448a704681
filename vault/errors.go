package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrRotationAborted indicates a rotation failed before its durability
	// checkpoint. Nothing was written; the old master password still works.
	ErrRotationAborted = errors.New("rotation aborted")
	// ErrRotationInconsistent indicates a rotation failed after the new salt
	// and recovery wrap were persisted but before every entry was
	// re-encrypted. The account needs manual remediation.
	ErrRotationInconsistent = errors.New("rotation inconsistent")
	// ErrRotationInProgress is returned while a rotation holds the lifecycle.
	ErrRotationInProgress = errors.New("rotation in progress")
	// ErrRotationDeclined indicates the user declined the rotation prompt.
	ErrRotationDeclined = errors.New("rotation declined")
	// ErrUnlockCancelled indicates the user cancelled master password entry.
	ErrUnlockCancelled = errors.New("unlock cancelled")
	// ErrSessionClosed indicates the session's key has been destroyed.
	ErrSessionClosed = errors.New("session closed")
	// ErrTransient marks collaborator failures that may succeed on retry,
	// such as network errors. Collaborators wrap it; the lifecycle retries
	// reads that carry it.
	ErrTransient = errors.New("transient failure")
	// ErrNoAccount indicates the account has no key material yet.
	ErrNoAccount = errors.New("account not found")
	// ErrOldPasswordUnverified indicates a password change on a locked
	// account with no entries, where the old password cannot be checked.
	ErrOldPasswordUnverified = errors.New("old master password cannot be verified without an unlocked session")
	// ErrBatchTooLarge indicates the entries do not fit in one bulk update.
	ErrBatchTooLarge = errors.New("too many entries to rotate in one batch")
	// ErrEntriesChanged indicates entries were written by another client
	// while a rotation was in flight.
	ErrEntriesChanged = errors.New("entries changed during rotation")
	// ErrConcurrentRotation indicates another client replaced the key
	// material first.
	ErrConcurrentRotation = errors.New("key material replaced by another client")
)

// RotationStage names the step of a rotation that failed.
type RotationStage string

const (
	StageFetchSalt       RotationStage = "fetch_salt"
	StageDeriveOldKey    RotationStage = "derive_old_key"
	StageVerifyOldKey    RotationStage = "verify_old_key"
	StageListEntries     RotationStage = "list_entries"
	StageCheckBatch      RotationStage = "check_batch"
	StageDecrypt         RotationStage = "decrypt"
	StageConfirm         RotationStage = "confirm"
	StageDeriveNewKey    RotationStage = "derive_new_key"
	StageRecoveryWrap    RotationStage = "recovery_wrap"
	StageReencrypt       RotationStage = "reencrypt"
	StageRecheckEntries  RotationStage = "recheck_entries"
	StagePersistMaterial RotationStage = "persist_key_material"
	StageBulkUpdate      RotationStage = "bulk_update"
	StageVerifyEntries   RotationStage = "verify_entries"
)

// RotationError details a failed rotation. It matches ErrRotationAborted or
// ErrRotationInconsistent with errors.Is, and unwraps to the cause.
type RotationError struct {
	Stage        RotationStage
	EntryID      string
	Inconsistent bool
	Err          error
}

func (e *RotationError) Error() string {
	kind := ErrRotationAborted
	if e.Inconsistent {
		kind = ErrRotationInconsistent
	}
	if e.EntryID != "" {
		return fmt.Sprintf("%s at %s (entry %s): %v", kind, e.Stage, e.EntryID, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", kind, e.Stage, e.Err)
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

func (e *RotationError) Is(target error) bool {
	switch target {
	case ErrRotationAborted:
		return !e.Inconsistent
	case ErrRotationInconsistent:
		return e.Inconsistent
	}
	return false
}

func aborted(stage RotationStage, err error) *RotationError {
	return &RotationError{Stage: stage, Err: err}
}

func inconsistent(stage RotationStage, err error) *RotationError {
	return &RotationError{Stage: stage, Inconsistent: true, Err: err}
}

// entryError attributes a per-entry failure during fan-out.
type entryError struct {
	id  string
	err error
}

func (e *entryError) Error() string { return fmt.Sprintf("entry %s: %v", e.id, e.err) }
func (e *entryError) Unwrap() error { return e.err }
