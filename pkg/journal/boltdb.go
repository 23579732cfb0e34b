package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/rebalancer/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// FileName is the journal database inside the data directory
const FileName = "journal.db"

var (
	// Bucket names
	bucketTicks = []byte("ticks")
	bucketIndex = []byte("tick_index")
)

// BoltStore implements Store using BoltDB. Ticks are keyed by start time
// so cursor order is chronological.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the journal in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, FileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTicks, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func tickKey(report *types.TickReport) []byte {
	key := make([]byte, 8, 8+len(report.ID))
	binary.BigEndian.PutUint64(key, uint64(report.Started.UnixNano()))
	return append(key, report.ID...)
}

// Record stores report. Recording the same id again replaces it.
func (s *BoltStore) Record(report *types.TickReport) error {
	if report.ID == "" {
		return fmt.Errorf("failed to record tick: empty id")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode tick %s: %w", report.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		ticks := tx.Bucket(bucketTicks)
		index := tx.Bucket(bucketIndex)

		if old := index.Get([]byte(report.ID)); old != nil {
			if err := ticks.Delete(old); err != nil {
				return err
			}
		}
		key := tickKey(report)
		if err := ticks.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(report.ID), key)
	})
}

// Get returns the report with id
func (s *BoltStore) Get(id string) (*types.TickReport, error) {
	var report types.TickReport
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		data := tx.Bucket(bucketTicks).Get(key)
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List returns up to limit reports, newest first
func (s *BoltStore) List(limit int) ([]*types.TickReport, error) {
	var reports []*types.TickReport
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTicks).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			var report types.TickReport
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("failed to decode tick: %w", err)
			}
			reports = append(reports, &report)
		}
		return nil
	})
	return reports, err
}

// Prune removes all but the newest keep reports
func (s *BoltStore) Prune(keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ticks := tx.Bucket(bucketTicks)
		index := tx.Bucket(bucketIndex)

		total := ticks.Stats().KeyN
		excess := total - keep
		if excess <= 0 {
			return nil
		}

		var keys [][]byte
		c := ticks.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := ticks.Delete(k); err != nil {
				return err
			}
			if err := index.Delete(k[8:]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
