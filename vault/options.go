package vault

import (
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jmcleod/ironkey/crypto"
)

const (
	defaultConcurrency       = 8
	defaultMaxUnlockAttempts = 3
	defaultRetryBase         = 100 * time.Millisecond
	defaultRetryCap          = 2 * time.Second
	defaultMaxRetries        = 3
)

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithKDFParams sets the PBKDF2 parameters used for every derivation.
// They must match the parameters used at sign-up.
func WithKDFParams(params crypto.KDFParams) Option {
	return func(l *Lifecycle) {
		l.kdfParams = params
	}
}

// WithConcurrency bounds the per-entry fan-out during rotation. Default: 8.
func WithConcurrency(n int) Option {
	return func(l *Lifecycle) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithBulkLimits caps the entries and secret bytes one rotation may write.
// They must not exceed what the EntryService accepts in a single
// BulkUpdateSecrets call. Default: MaxBulkUpdates and MaxBulkBytes.
func WithBulkLimits(maxUpdates, maxBytes int) Option {
	return func(l *Lifecycle) {
		if maxUpdates > 0 {
			l.maxBulkUpdates = maxUpdates
		}
		if maxBytes > 0 {
			l.maxBulkBytes = maxBytes
		}
	}
}

// WithMaxUnlockAttempts sets how many master passwords an interactive
// unlock accepts before giving up. Default: 3.
func WithMaxUnlockAttempts(n int) Option {
	return func(l *Lifecycle) {
		if n > 0 {
			l.maxUnlockAttempts = n
		}
	}
}

// WithRetryBackoff sets the backoff for retrying transient read failures.
// The factory is called once per retried call.
func WithRetryBackoff(newBackoff func() retry.Backoff) Option {
	return func(l *Lifecycle) {
		if newBackoff != nil {
			l.newBackoff = newBackoff
		}
	}
}

func defaultBackoff() retry.Backoff {
	b := retry.NewExponential(defaultRetryBase)
	b = retry.WithCappedDuration(defaultRetryCap, b)
	return retry.WithMaxRetries(defaultMaxRetries, b)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
