package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkey/api"
	"github.com/jmcleod/ironkey/backend"
	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/internal/util"
	"github.com/jmcleod/ironkey/storage"
	bboltstorage "github.com/jmcleod/ironkey/storage/bbolt"
	pgstorage "github.com/jmcleod/ironkey/storage/postgres"
)

const sweepInterval = time.Minute

var serverFlags struct {
	port           int
	dataDir        string
	tlsCert        string
	tlsKey         string
	storage        string
	postgresDSN    string
	webhookURL     string
	webhookAuth    string
	trustedProxies []string
	logLevel       string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the vault server",
	Long: `Start the HTTPS vault server. Entries and key material are stored in bbolt
(default) or PostgreSQL.

Environment:
  IRONKEY_API_TOKEN    bearer token clients must present
  IRONKEY_RECORD_KEY   base64 32-byte key; records are sealed with AES-256-GCM at rest
  IRONKEY_POSTGRES_DSN connection string for --storage=postgres`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newServerLogger(cmd, serverFlags.logLevel)
		if err != nil {
			return err
		}

		repo, closeRepo, err := openStorage(cmd.Context(), serverFlags.storage, serverFlags.dataDir, serverFlags.postgresDSN)
		if err != nil {
			return err
		}
		defer closeRepo()

		backendOpts := []backend.Option{backend.WithLogger(logger)}
		if raw := os.Getenv("IRONKEY_RECORD_KEY"); raw != "" {
			key, err := parseRecordKey(raw)
			if err != nil {
				return err
			}
			backendOpts = append(backendOpts, backend.WithRecordKey(key))
			util.WipeBytes(key)
		}
		svc, err := backend.New(repo, backendOpts...)
		if err != nil {
			return err
		}

		proxies, err := parseTrustedProxies(serverFlags.trustedProxies)
		if err != nil {
			return err
		}
		token := os.Getenv("IRONKEY_API_TOKEN")
		if token == "" {
			logger.Warn("IRONKEY_API_TOKEN is not set; the API accepts unauthenticated requests")
		}
		a := api.New(svc,
			api.WithLogger(logger),
			api.WithAccessToken(token),
			api.WithTrustedProxies(proxies),
			api.WithAuditWebhook(serverFlags.webhookURL, serverFlags.webhookAuth),
			api.WithAlertFunc(func(ev api.AlertEvent) {
				logger.Warn("security alert", "type", ev.Type, "count", ev.Count, "message", ev.Message)
			}),
		)
		defer a.Close()

		tlsConfig, err := loadTLSConfig(serverFlags.tlsCert, serverFlags.tlsKey)
		if err != nil {
			return err
		}
		if serverFlags.tlsCert == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", serverFlags.port),
			Handler:           newServerRouter(a),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go sweepLoop(ctx, a)

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		fmt.Fprintf(cmd.OutOrStdout(), "Starting server on port %d (storage: %s)...\n", serverFlags.port, serverFlags.storage)

		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&serverFlags.port, "port", "p", 8443, "Port to listen on")
	f.StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for persistent data (bbolt storage)")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&serverFlags.storage, "storage", "bbolt", "Storage backend: bbolt or postgres")
	f.StringVar(&serverFlags.postgresDSN, "postgres-dsn", envOr("IRONKEY_POSTGRES_DSN", ""), "PostgreSQL connection string")
	f.StringVar(&serverFlags.webhookURL, "audit-webhook-url", "", "POST audit events to this URL")
	f.StringVar(&serverFlags.webhookAuth, "audit-webhook-auth", envOr("IRONKEY_AUDIT_WEBHOOK_AUTH", ""), "Authorization header value for the audit webhook")
	f.StringSliceVar(&serverFlags.trustedProxies, "trusted-proxies", nil, "CIDRs whose X-Forwarded-For header is trusted")
	f.StringVar(&serverFlags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

func newServerLogger(cmd *cobra.Command, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})), nil
}

func newServerRouter(a *api.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())
	return r
}

// openStorage returns the configured repository and its close function.
func openStorage(ctx context.Context, kind, dataDir, dsn string) (storage.Repository, func(), error) {
	switch kind {
	case "bbolt":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, "vault.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open vault storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, errors.New("--postgres-dsn (or IRONKEY_POSTGRES_DSN) is required for postgres storage")
		}
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

func parseRecordKey(text string) ([]byte, error) {
	key, err := crypto.TextToBytes(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("IRONKEY_RECORD_KEY: %w", err)
	}
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("IRONKEY_RECORD_KEY must decode to %d bytes, got %d", util.AESKeySize, len(key))
	}
	return key, nil
}

func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case certFile != "" && keyFile != "":
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	case certFile != "" || keyFile != "":
		return nil, errors.New("--tls-cert and --tls-key must be given together")
	default:
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func sweepLoop(ctx context.Context, a *api.API) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Sweep()
		}
	}
}
