// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Record fields are stored as individual columns, with nonce and
// data as native BYTEA.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironkey/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execer abstracts both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertSQL = `INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, data, version)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	 ON CONFLICT (namespace, record_type, record_id)
	 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, data = $7, version = $8, updated_at = now()`

const selectSQL = `SELECT ver, scheme, nonce, data, version
	 FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`

const deleteSQL = `DELETE FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`

func recordArgs(namespace, recordType, recordID string, rec *storage.Record) []any {
	data := rec.Data
	if data == nil {
		data = []byte{}
	}
	return []any{namespace, recordType, recordID, rec.Ver, rec.Scheme, rec.Nonce, data, int64(rec.Version)}
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, recordArgs(namespace, recordType, recordID, rec)...)
	return err
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	return getRecord(ctx, s.pool, namespace, recordType, recordID)
}

func getRecord(ctx context.Context, q execer, namespace, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	var version int64
	err := q.QueryRow(ctx, selectSQL, namespace, recordType, recordID).Scan(
		&rec.Ver, &rec.Scheme, &rec.Nonce, &rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, q, namespace, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND record_type = $2 ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return deleteRecord(ctx, s.pool, namespace, recordType, recordID)
}

func deleteRecord(ctx context.Context, q execer, namespace, recordType, recordID string) error {
	tag, err := q.Exec(ctx, deleteSQL, namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, q, namespace, recordType, recordID)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return putCASInTx(ctx, tx, namespace, recordType, recordID, expectedVersion, rec)
	})
}

// Batch runs fn inside a single transaction, rolled back when fn fails.
func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgBatchTx{ctx: ctx, tx: tx, namespace: namespace})
	})
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID)
}

func (btx *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL, recordArgs(btx.namespace, recordType, recordID, rec)...)
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, recordType, recordID, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID)
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// The row is locked with FOR UPDATE so concurrent CAS writers serialize.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		namespace, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, data, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			recordArgs(namespace, recordType, recordID, rec)...)
		return err
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}
	_, err = tx.Exec(ctx, upsertSQL, recordArgs(namespace, recordType, recordID, rec)...)
	return err
}

// notFoundError distinguishes a missing namespace from a missing record
// within an existing one, matching the BBolt backend.
func notFoundError(ctx context.Context, q execer, namespace, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE namespace = $1 LIMIT 1)`,
		namespace).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
