// Package history persists a rolling record of convergence ticks, adapted
// from pkg/storage/boltdb.go's bucket-per-entity, JSON-per-key pattern:
// where that store kept one bucket per cluster entity (nodes, services,
// containers, ...), this store keeps a single bucket of tick records keyed
// by a monotonically increasing sequence number, since a tick has no
// natural identity of its own beyond when it ran.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTicks = []byte("ticks")

// Record is one convergence tick's outcome, suitable for an operator
// inspecting why a node did or didn't converge.
type Record struct {
	Hostname   string        `json:"hostname"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"` // "converged" or "failed"
	PlanSteps  []string      `json:"plan_steps,omitempty"`
	ErrMessage string        `json:"err_message,omitempty"`
}

// Store is a BoltDB-backed append-only log of Records.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the tick-history database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "flotilla-history.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTicks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Append records one tick, keyed by the bucket's next sequence number so
// Recent can walk the records back from the newest one.
func (s *Store) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTicks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Recent returns up to limit of the most recently appended records, newest
// first.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTicks).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("history: decode record: %w", err)
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
