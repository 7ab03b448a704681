// Package storagetest holds a conformance suite run against every
// storage.Repository implementation.
package storagetest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkey/storage"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		rec := storage.NewPlainRecord([]byte("body"), 1)

		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e1", rec))
		got, err := repo.Get(ctx, "alice", "ENTRY", "e1")
		require.NoError(t, err)
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, rec.Scheme, got.Scheme)
		assert.Equal(t, uint64(1), got.Version)

		got.Data[0] = 'X'
		again, err := repo.Get(ctx, "alice", "ENTRY", "e1")
		require.NoError(t, err)
		assert.Equal(t, []byte("body"), again.Data, "returned records must not alias stored ones")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()

		_, err := repo.Get(ctx, "nobody", "ENTRY", "e1")
		require.ErrorIs(t, err, storage.ErrNamespaceNotFound)

		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e1", storage.NewPlainRecord([]byte("x"), 1)))
		_, err = repo.Get(ctx, "alice", "ENTRY", "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListByType", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		rec := storage.NewPlainRecord([]byte("x"), 1)
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "b", rec))
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "a", rec))
		require.NoError(t, repo.Put(ctx, "alice", "ACCOUNT", "current", rec))
		require.NoError(t, repo.Put(ctx, "bob", "ENTRY", "c", rec))

		ids, err := repo.List(ctx, "alice", "ENTRY")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "nobody", "ENTRY")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e1", storage.NewPlainRecord([]byte("x"), 1)))
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e2", storage.NewPlainRecord([]byte("x"), 1)))

		require.NoError(t, repo.Delete(ctx, "alice", "ENTRY", "e1"))
		_, err := repo.Get(ctx, "alice", "ENTRY", "e1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		err = repo.Delete(ctx, "alice", "ENTRY", "e1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		v1 := storage.NewPlainRecord([]byte("v1"), 1)
		v2 := storage.NewPlainRecord([]byte("v2"), 2)

		require.ErrorIs(t, repo.PutCAS(ctx, "alice", "ACCOUNT", "current", 1, v1), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "alice", "ACCOUNT", "current", 0, v1))
		require.ErrorIs(t, repo.PutCAS(ctx, "alice", "ACCOUNT", "current", 0, v1), storage.ErrCASFailed)
		require.ErrorIs(t, repo.PutCAS(ctx, "alice", "ACCOUNT", "current", 2, v2), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "alice", "ACCOUNT", "current", 1, v2))

		got, err := repo.Get(ctx, "alice", "ACCOUNT", "current")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, []byte("v2"), got.Data)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "gone", storage.NewPlainRecord([]byte("x"), 1)))

		err := repo.Batch(ctx, "alice", func(tx storage.BatchTx) error {
			if err := tx.Put("ENTRY", "e1", storage.NewPlainRecord([]byte("one"), 1)); err != nil {
				return err
			}
			if err := tx.PutCAS("ENTRY", "e2", 0, storage.NewPlainRecord([]byte("two"), 1)); err != nil {
				return err
			}
			got, err := tx.Get("ENTRY", "e1")
			if err != nil {
				return err
			}
			if string(got.Data) != "one" {
				return errors.New("batch does not see its own write")
			}
			return tx.Delete("ENTRY", "gone")
		})
		require.NoError(t, err)

		ids, err := repo.List(ctx, "alice", "ENTRY")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"e1", "e2"}, ids)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e1", storage.NewPlainRecord([]byte("orig"), 1)))

		boom := errors.New("boom")
		err := repo.Batch(ctx, "alice", func(tx storage.BatchTx) error {
			if err := tx.Put("ENTRY", "e1", storage.NewPlainRecord([]byte("changed"), 2)); err != nil {
				return err
			}
			if err := tx.Put("ENTRY", "e2", storage.NewPlainRecord([]byte("new"), 1)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, "alice", "ENTRY", "e1")
		require.NoError(t, err)
		assert.Equal(t, []byte("orig"), got.Data)
		_, err = repo.Get(ctx, "alice", "ENTRY", "e2")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e1", storage.NewPlainRecord([]byte("orig"), 5)))

		err := repo.Batch(ctx, "alice", func(tx storage.BatchTx) error {
			if err := tx.Put("ENTRY", "e2", storage.NewPlainRecord([]byte("new"), 1)); err != nil {
				return err
			}
			return tx.PutCAS("ENTRY", "e1", 4, storage.NewPlainRecord([]byte("stale"), 5))
		})
		require.ErrorIs(t, err, storage.ErrCASFailed)

		ids, err := repo.List(ctx, "alice", "ENTRY")
		require.NoError(t, err)
		assert.Equal(t, []string{"e1"}, ids)
	})

	t.Run("SealedRecordsRoundTrip", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		key := make([]byte, 32)
		aad := storage.RecordAAD("alice", "ENTRY", "e1")
		rec, err := storage.SealRecord(key, []byte("secret body"), aad, 1)
		require.NoError(t, err)

		require.NoError(t, repo.Put(ctx, "alice", "ENTRY", "e1", rec))
		got, err := repo.Get(ctx, "alice", "ENTRY", "e1")
		require.NoError(t, err)
		body, err := storage.OpenRecord(key, got, aad)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret body"), body)
	})
}
