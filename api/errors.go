package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironkey/backend"
	"github.com/jmcleod/ironkey/storage"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation      = "validation"
	CodeAccountNotFound = "account_not_found"
	CodeNotFound        = "not_found"
	CodeAccountExists   = "account_exists"
	CodeConflict        = "conflict"
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, backend.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, backend.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, CodeAccountNotFound, err.Error())
	case errors.Is(err, backend.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, backend.ErrAccountExists):
		writeError(w, http.StatusConflict, CodeAccountExists, err.Error())
	case errors.Is(err, backend.ErrEntryExists),
		errors.Is(err, backend.ErrConflict),
		errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		a.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
