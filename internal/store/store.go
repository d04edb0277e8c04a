// Package store persists the pending mutation queue. The queue is held
// in a single durable slot as a JSON array and fully overwritten on each
// save; the in-memory queue owned by the coordinator stays authoritative
// for the running process.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/tallyhq/tally-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// queueSlotKey is the slot holding the serialized pending queue.
	queueSlotKey = "pending_changes"
)

var syncBucket = []byte("sync")

// Slot is a durable key-value store holding opaque strings. The bbolt
// implementation below is the default; anything with the same contract
// (a platform keychain, an encrypted file) can stand in.
type Slot interface {
	Read(key string) (value string, ok bool, err error)
	Write(key, value string) error
	Delete(key string) error
}

// BoltSlot implements Slot on a bbolt database file.
type BoltSlot struct {
	db *bolt.DB
}

// Open opens the slot database at path, creating the file and its
// directory if they do not exist.
func Open(path string) (*BoltSlot, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(syncBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &BoltSlot{db: db}, nil
}

// Close closes the database.
func (s *BoltSlot) Close() error {
	return s.db.Close()
}

func (s *BoltSlot) Read(key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get([]byte(key))
		if v != nil {
			value = string(v)
			ok = true
		}

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reading slot %s: %w", key, err)
	}

	return value, ok, nil
}

func (s *BoltSlot) Write(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("writing slot %s: %w", key, err)
	}

	return nil
}

func (s *BoltSlot) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting slot %s: %w", key, err)
	}

	return nil
}

// QueueStore reads and writes the pending mutation queue through a Slot.
type QueueStore struct {
	slot   Slot
	logger *slog.Logger
}

// NewQueueStore creates a queue store over the given slot.
func NewQueueStore(slot Slot, logger *slog.Logger) *QueueStore {
	return &QueueStore{slot: slot, logger: logger}
}

// Save serializes the full record list and overwrites the slot.
func (q *QueueStore) Save(records []models.MutationRecord) error {
	if records == nil {
		records = []models.MutationRecord{}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("serializing pending queue: %w", err)
	}

	if err := q.slot.Write(queueSlotKey, string(data)); err != nil {
		return fmt.Errorf("persisting pending queue: %w", err)
	}

	return nil
}

// Load deserializes the slot. An absent slot yields an empty list. A
// corrupt individual entry is skipped with a warning rather than failing
// the whole load: one bad record must not strand every other pending
// mutation on disk.
func (q *QueueStore) Load() ([]models.MutationRecord, error) {
	value, ok, err := q.slot.Read(queueSlotKey)
	if err != nil {
		return nil, fmt.Errorf("loading pending queue: %w", err)
	}

	if !ok || value == "" {
		return []models.MutationRecord{}, nil
	}

	// A corrupt slot loses the persisted copy but must not brick startup;
	// the queue rebuilds as new mutations are enqueued.
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		q.logger.Warn("pending queue slot is corrupt, starting empty",
			slog.String("error", err.Error()),
		)

		return []models.MutationRecord{}, nil
	}

	records := make([]models.MutationRecord, 0, len(raw))

	for i, entry := range raw {
		var rec models.MutationRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			q.logger.Warn("skipping corrupt queue entry",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)

			continue
		}

		if rec.ID == "" || rec.Entity == "" || !rec.Operation.Valid() {
			q.logger.Warn("skipping malformed queue entry",
				slog.Int("index", i),
				slog.String("id", rec.ID),
				slog.String("entity", rec.Entity),
			)

			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// Clear deletes the slot.
func (q *QueueStore) Clear() error {
	if err := q.slot.Delete(queueSlotKey); err != nil {
		return fmt.Errorf("clearing pending queue: %w", err)
	}

	return nil
}

// RemoveByIDs loads the persisted queue, drops the records whose IDs
// match, and re-saves the remainder. Used after a partially successful
// drain so applied records never survive a restart.
func (q *QueueStore) RemoveByIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	records, err := q.Load()
	if err != nil {
		return err
	}

	remaining := slices.DeleteFunc(records, func(rec models.MutationRecord) bool {
		return slices.Contains(ids, rec.ID)
	})

	return q.Save(remaining)
}
