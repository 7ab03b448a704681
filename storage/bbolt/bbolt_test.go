package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironkey/storage"
	"github.com/jmcleod/ironkey/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "ironkey-test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestBBoltStorage_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(t.Context(), "alice", "ENTRY", "e1", storage.NewPlainRecord([]byte("kept"), 1)))
	require.NoError(t, s.Close())

	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	s = NewRepository(db)
	defer s.Close()

	got, err := s.Get(t.Context(), "alice", "ENTRY", "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Data)
}

func TestBBoltStorage_CorruptRecord(t *testing.T) {
	s := newTestStore(t)
	err := s.DB().Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("alice"))
		if err != nil {
			return err
		}
		return b.Put([]byte("ENTRY:e1"), []byte("{not json"))
	})
	require.NoError(t, err)

	_, err = s.Get(t.Context(), "alice", "ENTRY", "e1")
	assert.Error(t, err)
}
