// Package api exposes the reference backend over HTTP for IronKey clients.
// It never sees master passwords or derived keys: every secret it stores
// arrives already encrypted.
package api

import (
	_ "embed"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironkey/backend"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc     *backend.Service
	logger  *slog.Logger
	audit   *auditLogger
	alertFn AlertFunc
	webhook *auditWebhook

	accessToken    string
	trustedProxies []netip.Prefix

	authFailures  *lockoutLimiter
	registrations *windowLimiter
	recoveryReads *windowLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAccessToken requires every /users request to carry
// "Authorization: Bearer <token>". An empty token disables the check.
func WithAccessToken(token string) Option {
	return func(a *API) {
		a.accessToken = token
	}
}

// WithAuditWebhook forwards audit events to url. authHeader is optional and
// uses "Header: Value" form.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithAlertFunc registers a callback for anomaly alerts derived from audit
// events.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies lets proxies in these ranges set the client address via
// X-Forwarded-For, Forwarded or X-Real-IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithRecoveryReadLimit caps recovery wrap reads per user within window.
func WithRecoveryReadLimit(max int, window time.Duration) Option {
	return func(a *API) {
		a.recoveryReads = newWindowLimiter(max, window)
	}
}

// New creates a new API instance.
func New(svc *backend.Service, opts ...Option) *API {
	a := &API{
		svc:           svc,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		authFailures:  newLockoutLimiter(authMaxFailures, authBaseLockout, authMaxLockout),
		registrations: newWindowLimiter(registrationMaxRequests, registrationWindow),
		recoveryReads: newWindowLimiter(recoveryMaxReads, recoveryReadWindow),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.webhook != nil {
		a.webhook.logger = a.logger
	}
	a.audit = newAuditLogger(a.logger, newMetricsCollector(a.alertFn), a.webhook)
	return a
}

// Close stops the audit webhook, delivering queued events first.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Use(a.TokenAuth)

		r.Post("/account", a.RegisterAccount)
		r.Get("/account/salt", a.GetSalt)
		r.Get("/account/recovery", a.GetRecoveryWrap)
		r.Put("/account/key-material", a.PersistKeyMaterial)

		r.Get("/entries", a.ListEntries)
		r.Post("/entries", a.CreateEntry)
		r.Patch("/entries/secrets", a.BulkUpdateSecrets)
		r.Get("/entries/{entryID}", a.GetEntry)
		r.Put("/entries/{entryID}", a.UpdateEntry)
		r.Delete("/entries/{entryID}", a.DeleteEntry)

		r.Get("/audit", a.ListAudit)
	})

	return r
}
