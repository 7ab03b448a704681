package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// ErrRollbackDetected is returned when the server reports a key-material
// epoch older than one this client has already seen.
var ErrRollbackDetected = errors.New("rollback detected: server epoch is older than cached epoch")

// RollbackError describes a detected rollback. It matches ErrRollbackDetected.
type RollbackError struct {
	Key  string
	Seen uint64
	Got  uint64
}

func (e RollbackError) Error() string {
	return fmt.Sprintf("rollback detected for %s: server epoch %d is older than cached epoch %d", e.Key, e.Got, e.Seen)
}

func (e RollbackError) Is(target error) bool {
	return target == ErrRollbackDetected
}

// EpochCache tracks the highest key-material epoch seen per account.
type EpochCache interface {
	GetMaxEpochSeen(key string) uint64
	// SetMaxEpochSeen records epoch, or returns a RollbackError if it is
	// lower than the recorded value.
	SetMaxEpochSeen(key string, epoch uint64) error
}

// MemoryEpochCache is an in-memory EpochCache. It forgets everything when
// the process exits.
type MemoryEpochCache struct {
	mu     sync.RWMutex
	epochs map[string]uint64
}

// NewMemoryEpochCache returns an empty in-memory epoch cache.
func NewMemoryEpochCache() *MemoryEpochCache {
	return &MemoryEpochCache{
		epochs: make(map[string]uint64),
	}
}

func (c *MemoryEpochCache) GetMaxEpochSeen(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[key]
}

func (c *MemoryEpochCache) SetMaxEpochSeen(key string, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen := c.epochs[key]; epoch < seen {
		return RollbackError{Key: key, Seen: seen, Got: epoch}
	}
	c.epochs[key] = epoch
	return nil
}

var epochCacheBucket = []byte("epochs")

// BoltEpochCache persists the highest epoch seen in a bbolt bucket. Reads
// come from an in-memory copy; writes go to bbolt first.
type BoltEpochCache struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]uint64
}

// NewBoltEpochCache loads the cache from db, creating its bucket if needed.
func NewBoltEpochCache(db *bbolt.DB) (*BoltEpochCache, error) {
	c := &BoltEpochCache{
		db:    db,
		cache: make(map[string]uint64),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(epochCacheBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				c.cache[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading epoch cache: %w", err)
	}
	return c, nil
}

// OpenBoltEpochCache opens (or creates) the bbolt file at path.
func OpenBoltEpochCache(path string, options *bbolt.Options) (*BoltEpochCache, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening epoch cache: %w", err)
	}
	c, err := NewBoltEpochCache(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *BoltEpochCache) Close() error {
	return c.db.Close()
}

func (c *BoltEpochCache) GetMaxEpochSeen(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[key]
}

func (c *BoltEpochCache) SetMaxEpochSeen(key string, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := c.cache[key]
	if epoch < seen {
		return RollbackError{Key: key, Seen: seen, Got: epoch}
	}
	if epoch == seen {
		return nil
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(epochCacheBucket)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], epoch)
		return b.Put([]byte(key), buf[:])
	})
	if err != nil {
		return fmt.Errorf("persisting epoch: %w", err)
	}
	c.cache[key] = epoch
	return nil
}
