package backend

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkey/vault"
)

var (
	// ErrAccountNotFound indicates the user has not signed up. It matches
	// vault.ErrNoAccount.
	ErrAccountNotFound = fmt.Errorf("backend: %w", vault.ErrNoAccount)
	// ErrAccountExists indicates a second registration for the same user.
	ErrAccountExists = errors.New("account already exists")
	// ErrEntryNotFound indicates an unknown entry ID.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrEntryExists indicates an entry ID collision on create.
	ErrEntryExists = errors.New("entry already exists")
	// ErrConflict indicates a concurrent modification; the caller may reload
	// and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
