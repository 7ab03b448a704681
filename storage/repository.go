// Package storage provides the record storage abstraction behind the
// account and entry services.
//
// Records are addressed by (namespace, recordType, recordID). A namespace
// holds the records of one user.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record exists in a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, rec *Record) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Record, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	// PutCAS writes rec only if the stored version equals expectedVersion.
	// An expectedVersion of 0 means the record must not exist.
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *Record) error
	// Batch runs fn in one transaction. If fn returns an error no write
	// made through tx is kept.
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
