package store

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltBucket  = "cache"
	boltOpenTO  = 2 * time.Second
	expiryBytes = 8
)

// BoltCache implements Backend on a single-file BoltDB database. This is
// the default persistence for CLI runs: the relay set survives between
// invocations without any external service. Values carry their expiry in
// the first eight bytes; expired entries read as misses and are
// overwritten on the next Set.
type BoltCache struct {
	db *bolt.DB
}

var _ Backend = (*BoltCache)(nil)

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltCache, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTO})
	if err != nil {
		return nil, err
	}

	s := &BoltCache{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if raw == nil || len(raw) < expiryBytes {
			return nil
		}
		expiresAt := int64(binary.BigEndian.Uint64(raw[:expiryBytes]))
		if expiresAt > 0 && time.Now().Unix() > expiresAt {
			return nil
		}
		value = append([]byte(nil), raw[expiryBytes:]...)
		found = true
		return nil
	})
	return value, found, err
}

func (s *BoltCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	raw := make([]byte, expiryBytes+len(value))
	binary.BigEndian.PutUint64(raw[:expiryBytes], uint64(expiresAt))
	copy(raw[expiryBytes:], value)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), raw)
	})
}

func (s *BoltCache) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

func (s *BoltCache) Close() error { return s.db.Close() }
