package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironkey/backend"
	"github.com/jmcleod/ironkey/vault"
)

const (
	maxSmallBodySize = 64 << 10
	maxEntryBodySize = 1 << 20
	// bulkItemOverhead covers the JSON framing of one SecretUpdate beyond
	// the bytes counted by backend.MaxBulkBytes, with every ID byte escaped.
	bulkItemOverhead = 5*backend.MaxIDLength + 128
	maxBulkBodySize  = backend.MaxBulkBytes + backend.MaxBulkUpdates*bulkItemOverhead + 1<<10
)

// decodeJSON reads a single JSON value of type T from the request body,
// rejecting unknown fields and bodies larger than limit. On failure it
// writes a 400 response and returns ok=false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeValidation, "request body too large")
			return req, false
		}
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return req, false
	}
	return req, true
}

// user resolves the {userID} path parameter.
func (a *API) user(w http.ResponseWriter, r *http.Request) (string, *backend.User, bool) {
	userID := chi.URLParam(r, "userID")
	u, err := a.svc.User(userID)
	if err != nil {
		a.mapError(w, r, err)
		return "", nil, false
	}
	return userID, u, true
}

// record persists an audit entry for the user and emits the audit event.
// A failed append is logged; the request has already succeeded.
func (a *API) record(r *http.Request, userID string, u *backend.User, action backend.AuditAction, entryID, detail string) {
	if _, err := u.Audit.Append(r.Context(), action, entryID, detail); err != nil {
		a.logger.Warn("audit append failed", "user_id", userID, "action", string(action), "error", err)
	}
	attrs := []slog.Attr{}
	if entryID != "" {
		attrs = append(attrs, slog.String("entry_id", entryID))
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	a.audit.logEvent(AuditEvent(action), r, userID, attrs...)
}

// RegisterAccount handles POST /users/{userID}/account.
func (a *API) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.registrations.allow(ip); blocked {
		a.audit.log(AuditRateLimited, r, slog.String("route", "register"))
		writeRateLimited(w, retryAfter)
		return
	}

	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[RegisterAccountRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if err := u.Register(r.Context(), req.keyMaterial()); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditAccountRegistered, "", "")
	writeJSON(w, http.StatusCreated, AccountResponse{Salt: req.Salt, Epoch: 1})
}

// GetSalt handles GET /users/{userID}/account/salt.
func (a *API) GetSalt(w http.ResponseWriter, r *http.Request) {
	_, u, ok := a.user(w, r)
	if !ok {
		return
	}
	m, err := u.GetKeyMaterial(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Salt: m.Salt, Epoch: m.Epoch})
}

// GetRecoveryWrap handles GET /users/{userID}/account/recovery.
func (a *API) GetRecoveryWrap(w http.ResponseWriter, r *http.Request) {
	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	if blocked, retryAfter := a.recoveryReads.allow(userID); blocked {
		a.audit.logEvent(AuditRateLimited, r, userID, slog.String("route", "recovery"))
		writeRateLimited(w, retryAfter)
		return
	}
	m, err := u.GetKeyMaterial(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditRecoveryWrapRead, "", "")
	writeJSON(w, http.StatusOK, RecoveryWrapResponse{
		Ciphertext: m.RecoveryCiphertext,
		IV:         m.RecoveryIV,
		Epoch:      m.Epoch,
	})
}

// PersistKeyMaterial handles PUT /users/{userID}/account/key-material.
func (a *API) PersistKeyMaterial(w http.ResponseWriter, r *http.Request) {
	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[PersistKeyMaterialRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	epoch, err := u.PersistKeyMaterialAt(r.Context(), req.keyMaterial(), req.ExpectedEpoch)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditKeyMaterialReplaced, "", fmt.Sprintf("epoch %d", epoch))
	writeJSON(w, http.StatusOK, AccountResponse{Salt: req.Salt, Epoch: epoch})
}

// ListEntries handles GET /users/{userID}/entries.
func (a *API) ListEntries(w http.ResponseWriter, r *http.Request) {
	_, u, ok := a.user(w, r)
	if !ok {
		return
	}
	entries, err := u.ListEntries(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(r, entries)
	writeJSON(w, http.StatusOK, ListEntriesResponse{Entries: page, PaginationMeta: meta})
}

// CreateEntry handles POST /users/{userID}/entries.
func (a *API) CreateEntry(w http.ResponseWriter, r *http.Request) {
	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[vault.Entry](w, r, maxEntryBodySize)
	if !ok {
		return
	}
	created, err := u.Create(r.Context(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditEntryCreated, created.ID, "")
	writeJSON(w, http.StatusCreated, created)
}

// GetEntry handles GET /users/{userID}/entries/{entryID}.
func (a *API) GetEntry(w http.ResponseWriter, r *http.Request) {
	_, u, ok := a.user(w, r)
	if !ok {
		return
	}
	entry, err := u.Get(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// UpdateEntry handles PUT /users/{userID}/entries/{entryID}.
func (a *API) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryID")
	req, ok := decodeJSON[vault.Entry](w, r, maxEntryBodySize)
	if !ok {
		return
	}
	if req.ID != "" && req.ID != entryID {
		writeError(w, http.StatusBadRequest, CodeValidation, "entry id does not match path")
		return
	}
	req.ID = entryID
	updated, err := u.Update(r.Context(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditEntryUpdated, entryID, "")
	writeJSON(w, http.StatusOK, updated)
}

// DeleteEntry handles DELETE /users/{userID}/entries/{entryID}.
func (a *API) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	entryID := chi.URLParam(r, "entryID")
	if err := u.Delete(r.Context(), entryID); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditEntryDeleted, entryID, "")
	w.WriteHeader(http.StatusNoContent)
}

// BulkUpdateSecrets handles PATCH /users/{userID}/entries/secrets.
func (a *API) BulkUpdateSecrets(w http.ResponseWriter, r *http.Request) {
	userID, u, ok := a.user(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[BulkUpdateSecretsRequest](w, r, maxBulkBodySize)
	if !ok {
		return
	}
	if err := u.BulkUpdateSecrets(r.Context(), req.Updates); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.record(r, userID, u, backend.AuditSecretsReplaced, "", fmt.Sprintf("%d entries", len(req.Updates)))
	writeJSON(w, http.StatusOK, BulkUpdateSecretsResponse{Updated: len(req.Updates)})
}

// ListAudit handles GET /users/{userID}/audit.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	_, u, ok := a.user(w, r)
	if !ok {
		return
	}
	entries, err := u.Audit.List(r.Context(), r.URL.Query().Get("entry_id"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(r, entries)
	writeJSON(w, http.StatusOK, ListAuditResponse{Entries: page, PaginationMeta: meta})
}
