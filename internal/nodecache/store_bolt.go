package nodecache

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltBucket = []byte("node_cache")
	currentKey = []byte("current")
	backupKey  = []byte("backup")
)

// BoltStore keeps the current and quarantined snapshots in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(currentKey)
		if v == nil {
			return ErrNoSnapshot
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) Save(_ context.Context, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(currentKey, data)
	})
}

func (s *BoltStore) Quarantine(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		v := b.Get(currentKey)
		if v == nil {
			return nil
		}
		if err := b.Put(backupKey, append([]byte(nil), v...)); err != nil {
			return err
		}
		return b.Delete(currentKey)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
