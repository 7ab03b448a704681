package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/ironkey/api"
	"github.com/jmcleod/ironkey/vault"
)

var (
	// ErrNotFound indicates an unknown entry.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent modification or an existing account.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates the server rejected the request as malformed.
	ErrValidation = errors.New("rejected by server")
	// ErrUnauthorized indicates a missing or wrong access token.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the response to the sentinel callers match on. 5xx and 429
// responses are vault.ErrTransient.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode >= 500, e.StatusCode == http.StatusTooManyRequests:
		return vault.ErrTransient
	case e.Code == api.CodeAccountNotFound:
		return vault.ErrNoAccount
	case e.Code == api.CodeNotFound, e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrValidation
	}
	return nil
}
