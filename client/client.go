// Package client implements the vault collaborators over the IronKey HTTP
// API. Network failures, 5xx and 429 responses wrap vault.ErrTransient so
// the lifecycle retries them.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironkey/api"
	"github.com/jmcleod/ironkey/backend"
	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/vault"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 200
	maxErrorBody    = 64 << 10
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification, for servers
// running on a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.http = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in
			},
		}
	}
}

// WithAccessToken sends "Authorization: Bearer <token>" on every request.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithEpochCache enables rollback detection: every key-material epoch the
// server reports is checked against and recorded in cache.
func WithEpochCache(cache EpochCache) Option {
	return func(c *Client) {
		c.epochs = cache
	}
}

// WithPageSize sets how many entries ListEntries requests per page.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is the HTTP account and entry service of one user.
type Client struct {
	base     *url.URL
	userID   string
	http     *http.Client
	token    string
	epochs   EpochCache
	pageSize int
	logger   *slog.Logger
}

var (
	_ vault.AccountService = (*Client)(nil)
	_ vault.EntryService   = (*Client)(nil)
	_ vault.Registrar      = (*Client)(nil)
)

// New returns a client for userID on the server at serverURL
// (e.g. "https://localhost:8443").
func New(serverURL, userID string, opts ...Option) (*Client, error) {
	if userID == "" {
		return nil, errors.New("user ID must not be empty")
	}
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", serverURL)
	}
	base = base.JoinPath("api", "v1", "users", url.PathEscape(userID))

	c := &Client{
		base:     base,
		userID:   userID,
		http:     &http.Client{Timeout: defaultTimeout},
		pageSize: defaultPageSize,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "client"), slog.String("user_id", userID))
	return c, nil
}

// epochKey identifies this account in the epoch cache.
func (c *Client) epochKey() string {
	return c.base.Host + "/" + c.userID
}

// observeEpoch checks the server's epoch against the cache.
func (c *Client) observeEpoch(epoch uint64) error {
	if c.epochs == nil || epoch == 0 {
		return nil
	}
	if err := c.epochs.SetMaxEpochSeen(c.epochKey(), epoch); err != nil {
		c.logger.Error("key material rollback detected", "epoch", epoch, "error", err)
		return err
	}
	return nil
}

// Register creates the account.
func (c *Client) Register(ctx context.Context, m vault.KeyMaterial) error {
	req := api.RegisterAccountRequest{
		Salt:               m.Salt,
		RecoveryCiphertext: m.RecoveryCiphertext,
		RecoveryIV:         m.RecoveryIV,
	}
	var resp api.AccountResponse
	if err := c.do(ctx, http.MethodPost, "account", nil, req, &resp); err != nil {
		return err
	}
	return c.observeEpoch(resp.Epoch)
}

// GetSalt returns the account salt.
func (c *Client) GetSalt(ctx context.Context) (string, error) {
	var resp api.AccountResponse
	if err := c.do(ctx, http.MethodGet, "account/salt", nil, nil, &resp); err != nil {
		return "", err
	}
	if err := c.observeEpoch(resp.Epoch); err != nil {
		return "", err
	}
	return resp.Salt, nil
}

// GetRecoveryWrap returns the master password wrapped under the recovery key.
func (c *Client) GetRecoveryWrap(ctx context.Context) (crypto.EncodedSecret, error) {
	var resp api.RecoveryWrapResponse
	if err := c.do(ctx, http.MethodGet, "account/recovery", nil, nil, &resp); err != nil {
		return crypto.EncodedSecret{}, err
	}
	if err := c.observeEpoch(resp.Epoch); err != nil {
		return crypto.EncodedSecret{}, err
	}
	return crypto.EncodedSecret{Ciphertext: resp.Ciphertext, IV: resp.IV}, nil
}

// PersistKeyMaterial replaces the salt and recovery wrap. With an epoch
// cache the write is conditional on the last epoch seen, so a concurrent
// rotation from another device fails with ErrConflict instead of being
// overwritten.
func (c *Client) PersistKeyMaterial(ctx context.Context, m vault.KeyMaterial) error {
	req := api.PersistKeyMaterialRequest{
		Salt:               m.Salt,
		RecoveryCiphertext: m.RecoveryCiphertext,
		RecoveryIV:         m.RecoveryIV,
	}
	if c.epochs != nil {
		req.ExpectedEpoch = c.epochs.GetMaxEpochSeen(c.epochKey())
	}
	var resp api.AccountResponse
	if err := c.do(ctx, http.MethodPut, "account/key-material", nil, req, &resp); err != nil {
		return err
	}
	return c.observeEpoch(resp.Epoch)
}

// ListEntries returns every entry, following pagination.
func (c *Client) ListEntries(ctx context.Context) ([]vault.Entry, error) {
	var out []vault.Entry
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))
		var page api.ListEntriesResponse
		if err := c.do(ctx, http.MethodGet, "entries", q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if !page.HasMore || len(page.Entries) == 0 {
			break
		}
		offset += len(page.Entries)
	}
	if out == nil {
		out = []vault.Entry{}
	}
	return out, nil
}

// BulkUpdateSecrets replaces the encrypted passwords of the listed entries
// atomically.
func (c *Client) BulkUpdateSecrets(ctx context.Context, updates []vault.SecretUpdate) error {
	var resp api.BulkUpdateSecretsResponse
	return c.do(ctx, http.MethodPatch, "entries/secrets", nil, api.BulkUpdateSecretsRequest{Updates: updates}, &resp)
}

// CreateEntry stores a new entry. An empty ID is assigned by the server.
func (c *Client) CreateEntry(ctx context.Context, e vault.Entry) (vault.Entry, error) {
	var out vault.Entry
	err := c.do(ctx, http.MethodPost, "entries", nil, e, &out)
	return out, err
}

// GetEntry returns one entry.
func (c *Client) GetEntry(ctx context.Context, id string) (vault.Entry, error) {
	var out vault.Entry
	err := c.do(ctx, http.MethodGet, "entries/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// UpdateEntry replaces an entry's metadata and secret.
func (c *Client) UpdateEntry(ctx context.Context, e vault.Entry) (vault.Entry, error) {
	var out vault.Entry
	err := c.do(ctx, http.MethodPut, "entries/"+url.PathEscape(e.ID), nil, e, &out)
	return out, err
}

// DeleteEntry removes an entry.
func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "entries/"+url.PathEscape(id), nil, nil, nil)
}

// ListAudit returns the account's audit trail, newest first. A non-empty
// entryID restricts it to one entry.
func (c *Client) ListAudit(ctx context.Context, entryID string) ([]backend.AuditEntry, error) {
	var out []backend.AuditEntry
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(offset))
		if entryID != "" {
			q.Set("entry_id", entryID)
		}
		var page api.ListAuditResponse
		if err := c.do(ctx, http.MethodGet, "audit", q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if !page.HasMore || len(page.Entries) == 0 {
			break
		}
		offset += len(page.Entries)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %s %s: %w", vault.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body api.ErrorResponse
	if json.Unmarshal(data, &body) == nil {
		se.Code = body.Code
		se.Message = body.Error
	} else {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
