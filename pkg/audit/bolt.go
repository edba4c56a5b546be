package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAudit = []byte("audit_events")

// BoltSink appends lines to a bbolt bucket keyed by a big-endian sequence
// number, so cursor order is write order.
type BoltSink struct {
	db *bolt.DB
}

// OpenBoltSink opens or creates the database at path.
func OpenBoltSink(path string) (*BoltSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAudit); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketAudit, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Write(_ context.Context, line []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), line)
	})
}

// Close closes the database
func (s *BoltSink) Close() error {
	return s.db.Close()
}

// Count returns the number of stored events.
func (s *BoltSink) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return n, err
}

// Events reads back every stored event in write order.
func (s *BoltSink) Events() ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}

// Last returns the most recently stored event, if any.
func (s *BoltSink) Last() (Event, bool, error) {
	var (
		e     Event
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketAudit).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	return e, found, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
