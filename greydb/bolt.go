package greydb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// boltStore is the embedded backend, a single-bucket bolt database file.
// Every write transaction is committed to disk, so Save is a no-op. bbolt
// serializes writers and allows concurrent readers, matching what the policy
// workers and the sweeper need.
type boltStore struct {
	db *bolt.DB
}

func openBolt(ctx context.Context, path string) (Store, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database file %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket in %s: %v", path, err)
	}
	xlog.Debug("opened gdbm store")
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(entriesBucket).Get([]byte(key)); v != nil {
			value = string(v)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

func (s *boltStore) Update(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), []byte(value))
	})
}

func (s *boltStore) Delete(ctx context.Context, key string) error {
	// bbolt's Delete of an absent key succeeds, which is what the sweeper
	// needs when racing another instance.
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
}

func (s *boltStore) Save(ctx context.Context) error {
	// Write transactions are fsynced on commit.
	return nil
}

func (s *boltStore) Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			if pred(string(k), string(v)) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *boltStore) Backend() string {
	return "gdbm"
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
