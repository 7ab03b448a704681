package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/recovery"
)

// RotationResult describes a completed rotation.
type RotationResult struct {
	// EntriesRotated is the number of entries re-encrypted under the new key.
	EntriesRotated int
	// RecoveryKeyShown is false when the prompter failed to show the new
	// recovery key. The rotation itself still succeeded.
	RecoveryKeyShown bool
}

// ChangeMasterPassword replaces oldPassword with newPassword: every entry is
// decrypted with the old key, a new salt and recovery key are persisted, and
// every entry is re-encrypted under the new key. On an account without
// entries the lifecycle must be unlocked so oldPassword can be checked.
//
// Failures before the new key material is persisted match
// ErrRotationAborted and leave all stored data untouched. Failures after
// it match ErrRotationInconsistent. Either way the lifecycle ends Locked.
func (l *Lifecycle) ChangeMasterPassword(ctx context.Context, oldPassword, newPassword string) (*RotationResult, error) {
	if err := l.beginRotation(); err != nil {
		return nil, err
	}
	defer l.rotating.Store(false)
	return l.finishRotation(l.rotate(ctx, oldPassword, newPassword, false))
}

// CompleteRecovery unwraps the current master password with the recovery
// key in recoveryKeyText and rotates to newPassword.
func (l *Lifecycle) CompleteRecovery(ctx context.Context, recoveryKeyText, newPassword string) (*RotationResult, error) {
	if err := l.beginRotation(); err != nil {
		return nil, err
	}
	defer l.rotating.Store(false)

	var oldPassword string
	err := l.retryRead(ctx, "get_recovery_wrap", func(ctx context.Context) error {
		var err error
		oldPassword, err = recovery.Recover(ctx, l.account, recoveryKeyText)
		return err
	})
	if err != nil {
		return l.finishRotation(nil, nil, aborted(StageRecoveryWrap, err))
	}
	l.logger.Info("recovery key accepted")
	return l.finishRotation(l.rotate(ctx, oldPassword, newPassword, true))
}

func (l *Lifecycle) beginRotation() error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if !l.rotating.CompareAndSwap(false, true) {
		return ErrRotationInProgress
	}
	l.setState(Rotating)
	return nil
}

// finishRotation installs the new key on success and locks on failure.
func (l *Lifecycle) finishRotation(res *RotationResult, key *crypto.DerivedKey, err error) (*RotationResult, error) {
	if err != nil {
		l.mu.Lock()
		if l.session != nil {
			l.session.Close()
			l.session = nil
		}
		l.state = Locked
		l.mu.Unlock()

		var rerr *RotationError
		if errors.As(err, &rerr) && rerr.Inconsistent {
			l.logger.Error("rotation left account inconsistent", slog.String("stage", string(rerr.Stage)), slog.Any("error", err))
		} else {
			l.logger.Warn("rotation aborted", slog.Any("error", err))
		}
		return res, err
	}
	if _, ierr := l.install(key); ierr != nil {
		l.setState(Locked)
		return res, nil
	}
	l.logger.Info("rotation complete", slog.Int("entries", res.EntriesRotated))
	return res, nil
}

// rotate runs the rotation steps. The returned key is set only on success.
// recovered is set when oldPassword came from the recovery wrap.
func (l *Lifecycle) rotate(ctx context.Context, oldPassword, newPassword string, recovered bool) (*RotationResult, *crypto.DerivedKey, error) {
	// 1. Old key.
	oldSalt, err := l.fetchSalt(ctx)
	if err != nil {
		return nil, nil, aborted(StageFetchSalt, err)
	}
	oldKey, err := crypto.DeriveKey(oldPassword, oldSalt, crypto.WithKDFParams(l.kdfParams))
	if err != nil {
		return nil, nil, aborted(StageDeriveOldKey, err)
	}
	defer oldKey.Destroy()
	verified, err := l.verifyAgainstSession(oldKey)
	if err != nil {
		return nil, nil, aborted(StageVerifyOldKey, err)
	}

	// 2. Decrypt every entry before anything is written.
	entries, err := l.listEntries(ctx)
	if err != nil {
		return nil, nil, aborted(StageListEntries, err)
	}
	if len(entries) == 0 && !verified && !recovered {
		return nil, nil, aborted(StageVerifyOldKey, ErrOldPasswordUnverified)
	}
	if len(entries) > l.maxBulkUpdates {
		return nil, nil, aborted(StageCheckBatch, fmt.Errorf("%w: %d entries, at most %d per rotation", ErrBatchTooLarge, len(entries), l.maxBulkUpdates))
	}
	plaintexts, err := l.decryptAll(ctx, entries, oldKey)
	if err != nil {
		return nil, nil, withEntry(aborted(StageDecrypt, err), err)
	}
	defer wipeAll(plaintexts)
	l.logger.Info("decrypted entries for rotation", slog.Int("entries", len(entries)))

	if !recovered {
		ok, err := l.prompter.Confirm(ctx, fmt.Sprintf("Re-encrypt %d entries under the new master password?", len(entries)))
		if err != nil {
			return nil, nil, aborted(StageConfirm, err)
		}
		if !ok {
			return nil, nil, aborted(StageConfirm, ErrRotationDeclined)
		}
	}

	// 3. New salt and key.
	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, aborted(StageDeriveNewKey, err)
	}
	newKey, err := crypto.DeriveKey(newPassword, newSalt, crypto.WithKDFParams(l.kdfParams))
	if err != nil {
		return nil, nil, aborted(StageDeriveNewKey, err)
	}
	keep := false
	defer func() {
		if !keep {
			newKey.Destroy()
		}
	}()

	// 4. New recovery key wrapping the new password.
	iss, err := recovery.NewIssuance(newPassword)
	if err != nil {
		return nil, nil, aborted(StageRecoveryWrap, err)
	}
	defer iss.Destroy()

	// 5. Re-encrypt every entry. The batch must fit in one bulk update and
	// the stored entries must still be the ones decrypted above.
	updates, err := l.reencryptAll(ctx, entries, plaintexts, newKey)
	if err != nil {
		return nil, nil, withEntry(aborted(StageReencrypt, err), err)
	}
	if n := batchSize(updates); n > l.maxBulkBytes {
		return nil, nil, aborted(StageCheckBatch, fmt.Errorf("%w: %d bytes of secrets, at most %d per rotation", ErrBatchTooLarge, n, l.maxBulkBytes))
	}
	current, err := l.listEntries(ctx)
	if err != nil {
		return nil, nil, aborted(StageRecheckEntries, err)
	}
	if id, changed := changedEntry(entries, current); changed {
		rerr := aborted(StageRecheckEntries, ErrEntriesChanged)
		rerr.EntryID = id
		return nil, nil, rerr
	}

	// 6. Durability checkpoint.
	m := keyMaterial(newSalt, iss.Wrapped())
	if err := l.account.PersistKeyMaterial(ctx, m); err != nil {
		reached, cerr := l.checkpointReached(ctx, oldSalt, newSalt)
		switch {
		case errors.Is(cerr, ErrConcurrentRotation):
			return nil, nil, aborted(StagePersistMaterial, errors.Join(err, cerr))
		case cerr != nil:
			return nil, nil, inconsistent(StagePersistMaterial, errors.Join(err, cerr))
		case !reached:
			return nil, nil, aborted(StagePersistMaterial, err)
		}
		l.logger.Warn("key material persisted despite reported failure", slog.Any("error", err))
	}
	l.logger.Info("key material persisted")

	// Past the checkpoint the remaining steps must not stop on caller
	// cancellation.
	ctx = context.WithoutCancel(ctx)
	res := &RotationResult{EntriesRotated: len(entries)}

	// 7. Store every re-encrypted entry in one batch.
	if err := l.entries.BulkUpdateSecrets(ctx, updates); err != nil {
		res.RecoveryKeyShown = l.presentRecoveryKey(ctx, iss)
		return res, nil, inconsistent(StageBulkUpdate, err)
	}

	// 8. Every stored entry must now decrypt under the new key.
	if err := l.verifyRotated(ctx, updates, newKey); err != nil {
		res.RecoveryKeyShown = l.presentRecoveryKey(ctx, iss)
		return res, nil, withEntry(inconsistent(StageVerifyEntries, err), err)
	}

	// 9. Show the new recovery key.
	res.RecoveryKeyShown = l.presentRecoveryKey(ctx, iss)
	keep = true
	return res, newKey, nil
}

// verifyAgainstSession checks that key matches the unlocked session key.
// verified is false when no session is held.
func (l *Lifecycle) verifyAgainstSession(key *crypto.DerivedKey) (verified bool, err error) {
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()
	if s == nil || s.Closed() {
		return false, nil
	}
	probe, err := crypto.Encrypt("probe", s.key)
	if err != nil {
		return false, err
	}
	if _, err := crypto.Decrypt(probe.Ciphertext, probe.IV, key); err != nil {
		return false, err
	}
	return true, nil
}

// checkpointReached re-reads the salt after an ambiguous persist failure.
func (l *Lifecycle) checkpointReached(ctx context.Context, oldSalt, newSalt []byte) (bool, error) {
	current, err := l.fetchSalt(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case bytes.Equal(current, newSalt):
		return true, nil
	case bytes.Equal(current, oldSalt):
		return false, nil
	default:
		return false, ErrConcurrentRotation
	}
}

// changedEntry compares two listings and returns the ID of the first entry
// that was added, removed or rewritten between them.
func changedEntry(before, after []Entry) (string, bool) {
	byID := make(map[string]Entry, len(before))
	for _, e := range before {
		byID[e.ID] = e
	}
	for _, e := range after {
		prev, ok := byID[e.ID]
		if !ok || prev.Version != e.Version || prev.EncryptedPassword != e.EncryptedPassword || prev.IV != e.IV {
			return e.ID, true
		}
		delete(byID, e.ID)
	}
	for id := range byID {
		return id, true
	}
	return "", false
}

// verifyRotated re-lists the entries after the bulk update. An entry that
// is not one of updates must decrypt under key.
func (l *Lifecycle) verifyRotated(ctx context.Context, updates []SecretUpdate, key *crypto.DerivedKey) error {
	stored, err := l.listEntries(ctx)
	if err != nil {
		return err
	}
	written := make(map[string]SecretUpdate, len(updates))
	for _, u := range updates {
		written[u.ID] = u
	}
	for _, e := range stored {
		if u, ok := written[e.ID]; ok && u.EncryptedPassword == e.EncryptedPassword && u.IV == e.IV {
			continue
		}
		enc, err := crypto.DecodeSecret(e.Secret())
		if err == nil {
			var pt []byte
			pt, err = crypto.DecryptBytes(enc.Ciphertext, enc.IV, key)
			clear(pt)
		}
		if err != nil {
			return &entryError{id: e.ID, err: errors.Join(ErrEntriesChanged, err)}
		}
	}
	return nil
}

func batchSize(updates []SecretUpdate) int {
	n := 0
	for _, u := range updates {
		n += u.size()
	}
	return n
}

// withEntry records the entry a fan-out failure is attributed to.
func withEntry(rerr *RotationError, err error) *RotationError {
	var eerr *entryError
	if errors.As(err, &eerr) {
		rerr.EntryID = eerr.id
	}
	return rerr
}

func (l *Lifecycle) decryptAll(ctx context.Context, entries []Entry, key *crypto.DerivedKey) ([][]byte, error) {
	out := make([][]byte, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			enc, err := crypto.DecodeSecret(e.Secret())
			if err != nil {
				return &entryError{id: e.ID, err: err}
			}
			pt, err := crypto.DecryptBytes(enc.Ciphertext, enc.IV, key)
			if err != nil {
				return &entryError{id: e.ID, err: err}
			}
			out[i] = pt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		wipeAll(out)
		return nil, err
	}
	return out, nil
}

func (l *Lifecycle) reencryptAll(ctx context.Context, entries []Entry, plaintexts [][]byte, key *crypto.DerivedKey) ([]SecretUpdate, error) {
	out := make([]SecretUpdate, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			enc, err := crypto.EncryptBytes(plaintexts[i], key)
			if err != nil {
				return &entryError{id: e.ID, err: err}
			}
			text := crypto.EncodeSecret(enc)
			out[i] = SecretUpdate{ID: e.ID, EncryptedPassword: text.Ciphertext, IV: text.IV, Version: e.Version}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Lifecycle) presentRecoveryKey(ctx context.Context, iss *recovery.Issuance) bool {
	if err := iss.Present(ctx, l.prompter); err != nil {
		l.logger.Error("recovery key not shown", slog.Any("error", err))
		return false
	}
	return true
}

func wipeAll(bufs [][]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
