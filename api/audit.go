package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/ironkey/backend"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAccountRegistered   = AuditEvent(backend.AuditAccountRegistered)
	AuditKeyMaterialReplaced = AuditEvent(backend.AuditKeyMaterialReplaced)
	AuditRecoveryWrapRead    = AuditEvent(backend.AuditRecoveryWrapRead)
	AuditEntryCreated        = AuditEvent(backend.AuditEntryCreated)
	AuditEntryUpdated        = AuditEvent(backend.AuditEntryUpdated)
	AuditEntryDeleted        = AuditEvent(backend.AuditEntryDeleted)
	AuditSecretsReplaced     = AuditEvent(backend.AuditSecretsReplaced)

	AuditAuthFailure AuditEvent = "auth_failure"
	AuditRateLimited AuditEvent = "rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector, webhook *auditWebhook) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		webhook: webhook,
	}
}

// log writes a structured audit log entry and fans it out to the metrics
// collector and webhook.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.String()
				continue
			}
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string)
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logEvent is a convenience for events about one user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
