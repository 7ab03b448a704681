package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironkey/client"
	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/internal/prompt"
	"github.com/jmcleod/ironkey/vault"
)

var clientFlags struct {
	server   string
	user     string
	token    string
	insecure bool
	stateDir string
	verbose  bool
}

// kdfParams must match across every invocation for a given account.
var kdfParams = crypto.DefaultKDFParams()

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&clientFlags.server, "server", envOr("IRONKEY_SERVER", "https://localhost:8443"), "Server URL (env IRONKEY_SERVER)")
	pf.StringVarP(&clientFlags.user, "user", "u", envOr("IRONKEY_USER", ""), "Account user ID (env IRONKEY_USER)")
	pf.StringVar(&clientFlags.token, "token", envOr("IRONKEY_API_TOKEN", ""), "API bearer token (env IRONKEY_API_TOKEN)")
	pf.BoolVar(&clientFlags.insecure, "insecure", false, "Skip TLS certificate verification")
	pf.StringVar(&clientFlags.stateDir, "state-dir", envOr("IRONKEY_STATE_DIR", defaultStateDir()), "Directory for local client state (env IRONKEY_STATE_DIR)")
	pf.BoolVarP(&clientFlags.verbose, "verbose", "v", false, "Log client activity to stderr")
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".ironkey"
	}
	return filepath.Join(dir, "ironkey")
}

// vaultSession is everything a client command needs: the HTTP collaborators,
// the key lifecycle and the terminal.
type vaultSession struct {
	client *client.Client
	vault  *vault.Lifecycle
	term   *prompt.Terminal
	epochs *client.BoltEpochCache
}

func openSession(cmd *cobra.Command) (*vaultSession, error) {
	if clientFlags.user == "" {
		return nil, errors.New("--user (or IRONKEY_USER) is required")
	}
	if err := os.MkdirAll(clientFlags.stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	epochs, err := client.OpenBoltEpochCache(filepath.Join(clientFlags.stateDir, "epochs.db"), &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if clientFlags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	opts := []client.Option{
		client.WithEpochCache(epochs),
		client.WithLogger(logger),
	}
	if clientFlags.insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	if clientFlags.token != "" {
		opts = append(opts, client.WithAccessToken(clientFlags.token))
	}
	c, err := client.New(clientFlags.server, clientFlags.user, opts...)
	if err != nil {
		epochs.Close()
		return nil, err
	}

	term := prompt.New(cmd.InOrStdin(), cmd.ErrOrStderr())
	lc := vault.New(c, c, term,
		vault.WithKDFParams(kdfParams),
		vault.WithLogger(logger),
	)
	return &vaultSession{client: c, vault: lc, term: term, epochs: epochs}, nil
}

// Close signs out and releases local state.
func (s *vaultSession) Close() {
	s.vault.Close()
	s.epochs.Close()
}

// newPassword prompts for a new master password, asking twice.
func (s *vaultSession) newPassword(cmd *cobra.Command) (string, error) {
	pw, ok, err := s.term.PromptMasterPassword(cmd.Context(), vault.PromptNew)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", vault.ErrUnlockCancelled
	}
	return pw, nil
}

// describeRotation turns a rotation outcome into user-facing output.
func describeRotation(cmd *cobra.Command, res *vault.RotationResult, err error) error {
	out := cmd.OutOrStdout()
	if err != nil {
		var rerr *vault.RotationError
		if errors.As(err, &rerr) && rerr.Inconsistent {
			fmt.Fprintln(cmd.ErrOrStderr(), "The new master password was stored but not every entry was re-encrypted.")
			if res != nil && res.RecoveryKeyShown {
				fmt.Fprintln(cmd.ErrOrStderr(), "Keep the recovery key shown above; the account needs repair before entries can be read.")
			}
		}
		return err
	}
	fmt.Fprintf(out, "Master password changed. %d entries re-encrypted.\n", res.EntriesRotated)
	if !res.RecoveryKeyShown {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the new recovery key could not be displayed. Run `ironkey passwd` again to issue one.")
	}
	return nil
}
