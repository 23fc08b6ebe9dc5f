package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/foxhollow/yangd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

func dsBucketName(ds types.Datastore) []byte {
	return []byte("ds:" + string(ds))
}

func notifBucketName(module string) []byte {
	return []byte("notif:" + module)
}

// BoltStore implements Store using go.etcd.io/bbolt. Each datastore
// variant (running/startup/candidate/operational) is its own bucket,
// keyed by node XPath; each module's notification log is its own bucket,
// keyed by a big-endian nanosecond timestamp so iteration order is
// timestamp order for free.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "yangd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ds := range []types.Datastore{
			types.DatastoreRunning,
			types.DatastoreStartup,
			types.DatastoreCandidate,
			types.DatastoreOperational,
		} {
			if _, err := tx.CreateBucketIfNotExists(dsBucketName(ds)); err != nil {
				return fmt.Errorf("failed to create bucket for %s: %w", ds, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Snapshot returns the full contents of ds as a Diff of creates.
func (s *BoltStore) Snapshot(ds types.Datastore) (types.Diff, error) {
	var diff types.Diff
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(dsBucketName(ds))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var node types.DatastoreNode
			if err := json.Unmarshal(v, &node); err != nil {
				return fmt.Errorf("failed to decode node at %s: %w", k, err)
			}
			diff = append(diff, &types.DiffEntry{Op: types.NodeOpCreate, Node: &node})
			return nil
		})
	})
	return diff, err
}

// Swap atomically replaces the contents of ds with tree.
func (s *BoltStore) Swap(ds types.Datastore, tree types.Diff) error {
	name := dsBucketName(ds)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to clear datastore %s: %w", ds, err)
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to recreate datastore %s: %w", ds, err)
		}
		for _, entry := range tree {
			if entry.Op == types.NodeOpDelete {
				continue
			}
			data, err := json.Marshal(entry.Node)
			if err != nil {
				return fmt.Errorf("failed to encode node %s: %w", entry.Node.XPath, err)
			}
			if err := b.Put([]byte(entry.Node.XPath), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func timeKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

// AppendNotification persists one notification entry.
func (s *BoltStore) AppendNotification(entry types.NotificationEntry) error {
	name := notifBucketName(entry.Module)
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return fmt.Errorf("failed to create notification bucket for %s: %w", entry.Module, err)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(timeKey(entry.Timestamp), data)
	})
}

// ListNotifications returns entries for module with timestamp in
// [from, to), in timestamp order.
func (s *BoltStore) ListNotifications(module string, from, to time.Time) ([]types.NotificationEntry, error) {
	var entries []types.NotificationEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(notifBucketName(module))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		min := timeKey(from)
		max := timeKey(to)
		k, v := c.Seek(min)
		if from.IsZero() {
			// The zero time lies outside UnixNano's range, so its key is
			// meaningless; start from the oldest entry instead.
			k, v = c.First()
		}
		for ; k != nil && string(k) < string(max); k, v = c.Next() {
			var entry types.NotificationEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// PruneNotifications deletes entries for module older than olderThan.
func (s *BoltStore) PruneNotifications(module string, olderThan time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(notifBucketName(module))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		cutoff := timeKey(olderThan)
		var toDelete [][]byte
		for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
