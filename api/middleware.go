package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// TokenAuth rejects requests without the configured bearer token. With no
// token configured every request passes. Repeated failures from one address
// lock it out.
func (a *API) TokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.accessToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		ip := a.extractClientIP(r)
		if blocked, retryAfter := a.authFailures.check(ip); blocked {
			a.audit.log(AuditRateLimited, r, slog.String("route", "auth"))
			writeRateLimited(w, retryAfter)
			return
		}

		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.accessToken)) != 1 {
			a.authFailures.recordFailure(ip)
			reason := "invalid token"
			if !ok {
				reason = "missing token"
			}
			a.audit.logFailure(AuditAuthFailure, r, reason)
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			return
		}
		a.authFailures.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
