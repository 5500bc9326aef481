package metadata

import (
	"bytes"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"
)

// snapshotBucket is the single bbolt bucket used to hold the metadata
// snapshot blob. The persisted format is stable across runs of the
// same build, not a multi-version store, so one fixed key under one
// bucket is enough -- bbolt here is just the container that makes the
// write atomic and crash-safe.
const (
	snapshotBucket = "metadata_snapshot"
	snapshotKey    = "cached"
)

// SaveBolt writes m's snapshot into a bbolt database at path,
// creating it if absent. Snapshot/restore is optional; nothing else
// depends on it being called.
func SaveBolt(path string, m *Cached) error {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("metadata: opening snapshot db %q: %w", path, err)
	}
	defer db.Close()

	var buf bytes.Buffer
	if err := m.Snapshot(&buf); err != nil {
		return fmt.Errorf("metadata: encoding snapshot: %w", err)
	}

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshotKey), buf.Bytes())
	})
}

// LoadBolt restores m from a snapshot previously written by SaveBolt.
// It returns (false, nil) if path doesn't exist or holds no snapshot
// yet, so a node's first run is a no-op rather than an error.
func LoadBolt(path string, m *Cached) (bool, error) {
	// bolt.Open creates a missing file even in read-only mode, so check
	// for it first to leave the filesystem untouched.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return false, nil
	}
	defer db.Close()

	var blob []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(snapshotKey)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("metadata: reading snapshot db %q: %w", path, err)
	}
	if blob == nil {
		return false, nil
	}
	if err := m.Restore(bytes.NewReader(blob)); err != nil {
		return false, fmt.Errorf("metadata: restoring snapshot: %w", err)
	}
	return true, nil
}
