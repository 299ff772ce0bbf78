package costorage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/entry"
	"github.com/cuemby/warren-coord/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// BoltStorage implements Storage on top of a local BoltDB file, the same
// way the teacher's BoltStore backs cluster state: one bucket, JSON-encoded
// values, byte-for-byte comparison standing in for CAS identity.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (creating if necessary) a BoltDB database under
// dataDir for use as the coordination engine's durable store.
func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	dbPath := filepath.Join(dataDir, "coordination.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entries bucket: %w", err)
	}

	return &BoltStorage{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// GetEntry returns the current image for key, or nil if absent.
func (s *BoltStorage) GetEntry(key coordtypes.Key) (*entry.StoredEntry, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "get")

	var out *entry.StoredEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		decoded, err := decodeEntry(data)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get_entry %q: %w", key, err)
	}
	return out, nil
}

// UpdateEntry performs the CAS update described by Storage.UpdateEntry.
func (s *BoltStorage) UpdateEntry(key coordtypes.Key, desired, expected *entry.StoredEntry) (*entry.StoredEntry, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "update_entry")

	var prior *entry.StoredEntry
	var cas bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		currentBytes := b.Get([]byte(key))

		expectedBytes, err := encodeEntry(expected)
		if err != nil {
			return err
		}

		if !bytes.Equal(currentBytes, expectedBytes) {
			decoded, err := decodeEntry(currentBytes)
			if err != nil {
				return err
			}
			prior = decoded
			return nil
		}
		cas = true

		desiredBytes, err := encodeEntry(desired)
		if err != nil {
			return err
		}
		if desiredBytes == nil {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		} else {
			// bbolt retains references to the key/value until the next
			// transaction; copy to be safe across Put.
			if err := b.Put([]byte(key), append([]byte(nil), desiredBytes...)); err != nil {
				return err
			}
		}
		prior = expected
		return nil
	})
	if err != nil {
		metrics.StorageCASAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("update_entry %q: %w", key, err)
	}
	if cas {
		metrics.StorageCASAttempts.WithLabelValues("success").Inc()
	} else {
		metrics.StorageCASAttempts.WithLabelValues("conflict").Inc()
	}
	return prior, nil
}

// ListChildren returns every stored key that is a "/"-delimited descendant
// of prefix, in bbolt's natural byte order. Supports coordination.Delete's
// recursive option; bbolt's cursor gives ordered prefix scans for free.
func (s *BoltStorage) ListChildren(prefix coordtypes.Key) ([]coordtypes.Key, error) {
	scanPrefix := []byte(prefix)
	if len(scanPrefix) == 0 || scanPrefix[len(scanPrefix)-1] != '/' {
		scanPrefix = append(scanPrefix, '/')
	}

	var out []coordtypes.Key
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, _ := c.Seek(scanPrefix); k != nil && bytes.HasPrefix(k, scanPrefix); k, _ = c.Next() {
			out = append(out, string(append([]byte(nil), k...)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list_children %q: %w", prefix, err)
	}
	return out, nil
}

func encodeEntry(e *entry.StoredEntry) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func decodeEntry(data []byte) (*entry.StoredEntry, error) {
	if data == nil {
		return nil, nil
	}
	var e entry.StoredEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode stored entry: %w", err)
	}
	return &e, nil
}
