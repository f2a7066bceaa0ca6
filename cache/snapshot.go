package cache

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshot = []byte("snapshot")
	keyLatest      = []byte("latest")
)

// BoltSnapshotter persists whole-cache snapshots so a restarted daemon starts warm.
type BoltSnapshotter struct {
	db *bolt.DB
}

// OpenSnapshotter opens (and migrates) the snapshot file at path.
func OpenSnapshotter(path string, options *bolt.Options) (*BoltSnapshotter, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltSnapshotter{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltSnapshotter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes the current cache contents.
func (s *BoltSnapshotter) Save(c *Cache) error {
	encoded, err := json.Marshal(c.Snapshot())
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put(keyLatest, encoded)
	})
}

// Load restores the last snapshot into c. It reports false when none was saved.
func (s *BoltSnapshotter) Load(c *Cache) (bool, error) {
	var snap Snapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSnapshot).Get(keyLatest)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &snap)
	})
	if err != nil || !found {
		return false, err
	}
	c.Restore(snap)
	return true, nil
}
