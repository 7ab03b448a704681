package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkey/internal/util"
)

func TestSealOpenRecord(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	plain := []byte(`{"salt":"abc"}`)
	aad := RecordAAD("alice", "ACCOUNT", "current")

	rec, err := SealRecord(key, plain, aad, 3)
	require.NoError(t, err)
	assert.Equal(t, SchemeAES256GCM, rec.Scheme)
	assert.Equal(t, uint64(3), rec.Version)
	assert.NotContains(t, string(rec.Data), "salt")

	got, err := OpenRecord(key, rec, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	t.Run("MovedRecord", func(t *testing.T) {
		_, err := OpenRecord(key, rec, RecordAAD("mallory", "ACCOUNT", "current"))
		assert.Error(t, err)
	})
	t.Run("WrongKey", func(t *testing.T) {
		other, err := util.NewAESKey()
		require.NoError(t, err)
		_, err = OpenRecord(other, rec, aad)
		assert.Error(t, err)
	})
	t.Run("NoKey", func(t *testing.T) {
		_, err := OpenRecord(nil, rec, aad)
		assert.Error(t, err)
	})
	t.Run("UnsupportedVersion", func(t *testing.T) {
		bad := rec.Clone()
		bad.Ver = 99
		_, err := OpenRecord(key, bad, aad)
		assert.Error(t, err)
	})
	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := rec.Clone()
		bad.Scheme = "rot13"
		_, err := OpenRecord(key, bad, aad)
		assert.Error(t, err)
	})
}

func TestPlainRecord(t *testing.T) {
	data := []byte("hello")
	rec := NewPlainRecord(data, 1)
	data[0] = 'j'

	got, err := OpenRecord(nil, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestRecordClone(t *testing.T) {
	rec := &Record{Ver: 1, Scheme: SchemePlain, Data: []byte("x"), Version: 2}
	cp := rec.Clone()
	cp.Data[0] = 'y'
	assert.Equal(t, []byte("x"), rec.Data)
	assert.Nil(t, (*Record)(nil).Clone())
}
