// Package backend is the reference account and entry storage for IronKey
// clients. It stores only what clients send it: salts, recovery wraps and
// encrypted secrets are opaque base64 text here.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/ironkey/internal/util"
	"github.com/jmcleod/ironkey/storage"
	"github.com/jmcleod/ironkey/vault"
)

const (
	accountRecordType = "ACCOUNT"
	accountRecordID   = "current"
	entryRecordType   = "ENTRY"
)

// Option configures a Service.
type Option func(*Service)

// WithRecordKey seals every stored record with AES-256-GCM under key.
// The key must be 32 bytes.
func WithRecordKey(key []byte) Option {
	return func(s *Service) {
		s.recordKey = util.CopyBytes(key)
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxEntries caps the entries one account may hold. Values above
// MaxEntries are ignored. Default: MaxEntries.
func WithMaxEntries(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= MaxEntries {
			s.maxEntries = n
		}
	}
}

// Service stores accounts and entries for many users in one Repository.
type Service struct {
	repo       storage.Repository
	recordKey  []byte
	logger     *slog.Logger
	now        func() time.Time
	maxEntries int
}

// New returns a Service over repo.
func New(repo storage.Repository, opts ...Option) (*Service, error) {
	s := &Service{
		repo:       repo,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		maxEntries: MaxEntries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recordKey != nil && len(s.recordKey) != util.AESKeySize {
		return nil, fmt.Errorf("record key must be %d bytes, got %d", util.AESKeySize, len(s.recordKey))
	}
	s.logger = s.logger.With(slog.String("component", "backend"))
	return s, nil
}

// User returns the services scoped to userID.
func (s *Service) User(userID string) (*User, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return nil, err
	}
	ns := &namespace{svc: s, userID: userID}
	return &User{Accounts: Accounts{ns}, Entries: Entries{ns}, Audit: AuditLog{ns}}, nil
}

// User bundles the account and entry services of one user. It satisfies
// vault.AccountService, vault.EntryService and vault.Registrar.
type User struct {
	Accounts
	Entries
	Audit AuditLog
}

var (
	_ vault.AccountService = (*User)(nil)
	_ vault.EntryService   = (*User)(nil)
	_ vault.Registrar      = (*User)(nil)
)

// ForUser is shorthand for New(repo).User(userID) without options.
func ForUser(repo storage.Repository, userID string) (*User, error) {
	svc, err := New(repo)
	if err != nil {
		return nil, err
	}
	return svc.User(userID)
}

// namespace is the storage scope of one user.
type namespace struct {
	svc    *Service
	userID string
}

func (n *namespace) seal(recordType, recordID string, v any, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if n.svc.recordKey == nil {
		return storage.NewPlainRecord(data, version), nil
	}
	return storage.SealRecord(n.svc.recordKey, data, storage.RecordAAD(n.userID, recordType, recordID), version)
}

func (n *namespace) open(recordType, recordID string, rec *storage.Record, v any) error {
	data, err := storage.OpenRecord(n.svc.recordKey, rec, storage.RecordAAD(n.userID, recordType, recordID))
	if err != nil {
		return fmt.Errorf("opening %s/%s: %w", recordType, recordID, err)
	}
	defer util.WipeBytes(data)
	return json.Unmarshal(data, v)
}

func (n *namespace) log(ctx context.Context, msg string, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("user_id", n.userID)}, attrs...)
	n.svc.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}
