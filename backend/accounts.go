package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/storage"
	"github.com/jmcleod/ironkey/vault"
)

type accountRecord struct {
	Salt               string    `json:"salt"`
	RecoveryCiphertext string    `json:"recovery_ciphertext"`
	RecoveryIV         string    `json:"recovery_iv"`
	Epoch              uint64    `json:"epoch"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (r *accountRecord) keyMaterial() vault.KeyMaterial {
	return vault.KeyMaterial{
		Salt:               r.Salt,
		RecoveryCiphertext: r.RecoveryCiphertext,
		RecoveryIV:         r.RecoveryIV,
		Epoch:              r.Epoch,
	}
}

// Accounts stores the key material of one user. The stored record version
// is the key material epoch, which increases by one on every persist.
type Accounts struct {
	*namespace
}

// Register creates the account with its initial key material at epoch 1.
func (a Accounts) Register(ctx context.Context, m vault.KeyMaterial) error {
	if err := validateKeyMaterial(m); err != nil {
		return err
	}
	now := a.svc.now().UTC()
	rec := accountRecord{
		Salt:               m.Salt,
		RecoveryCiphertext: m.RecoveryCiphertext,
		RecoveryIV:         m.RecoveryIV,
		Epoch:              1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	sealed, err := a.seal(accountRecordType, accountRecordID, rec, rec.Epoch)
	if err != nil {
		return err
	}
	err = a.svc.repo.PutCAS(ctx, a.userID, accountRecordType, accountRecordID, 0, sealed)
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("registering account: %w", err)
	}
	a.log(ctx, "account registered")
	return nil
}

func (a Accounts) load(ctx context.Context) (*accountRecord, error) {
	stored, err := a.svc.repo.Get(ctx, a.userID, accountRecordType, accountRecordID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	var rec accountRecord
	if err := a.open(accountRecordType, accountRecordID, stored, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetKeyMaterial returns the current key material with its epoch.
func (a Accounts) GetKeyMaterial(ctx context.Context) (vault.KeyMaterial, error) {
	rec, err := a.load(ctx)
	if err != nil {
		return vault.KeyMaterial{}, err
	}
	return rec.keyMaterial(), nil
}

// GetSalt returns the base64 account salt.
func (a Accounts) GetSalt(ctx context.Context) (string, error) {
	rec, err := a.load(ctx)
	if err != nil {
		return "", err
	}
	return rec.Salt, nil
}

// GetRecoveryWrap returns the master password wrapped under the recovery key.
func (a Accounts) GetRecoveryWrap(ctx context.Context) (crypto.EncodedSecret, error) {
	rec, err := a.load(ctx)
	if err != nil {
		return crypto.EncodedSecret{}, err
	}
	return rec.keyMaterial().RecoveryWrap(), nil
}

// PersistKeyMaterial replaces the salt and recovery wrap together and bumps
// the epoch. m.Epoch is ignored.
func (a Accounts) PersistKeyMaterial(ctx context.Context, m vault.KeyMaterial) error {
	_, err := a.persist(ctx, m, 0)
	return err
}

// PersistKeyMaterialAt is PersistKeyMaterial guarded by the epoch the caller
// last saw. An expectedEpoch of 0 skips the check. It returns the new epoch.
func (a Accounts) PersistKeyMaterialAt(ctx context.Context, m vault.KeyMaterial, expectedEpoch uint64) (uint64, error) {
	return a.persist(ctx, m, expectedEpoch)
}

func (a Accounts) persist(ctx context.Context, m vault.KeyMaterial, expectedEpoch uint64) (uint64, error) {
	if err := validateKeyMaterial(m); err != nil {
		return 0, err
	}
	current, err := a.load(ctx)
	if err != nil {
		return 0, err
	}
	if expectedEpoch != 0 && current.Epoch != expectedEpoch {
		return 0, fmt.Errorf("%w: epoch is %d, expected %d", ErrConflict, current.Epoch, expectedEpoch)
	}

	next := *current
	next.Salt = m.Salt
	next.RecoveryCiphertext = m.RecoveryCiphertext
	next.RecoveryIV = m.RecoveryIV
	next.Epoch = current.Epoch + 1
	next.UpdatedAt = a.svc.now().UTC()

	sealed, err := a.seal(accountRecordType, accountRecordID, next, next.Epoch)
	if err != nil {
		return 0, err
	}
	err = a.svc.repo.PutCAS(ctx, a.userID, accountRecordType, accountRecordID, current.Epoch, sealed)
	if errors.Is(err, storage.ErrCASFailed) {
		return 0, fmt.Errorf("%w: key material changed concurrently", ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("persisting key material: %w", err)
	}
	a.log(ctx, "key material replaced", slog.Uint64("epoch", next.Epoch))
	return next.Epoch, nil
}
