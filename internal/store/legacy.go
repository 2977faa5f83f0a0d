package store

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

// Record is one entry read from a legacy table: the entity id and its raw
// stored payload, opaque to this package.
type Record struct {
	ID    string
	Value []byte
}

// LegacyStore reads the record store left behind by app versions that
// predate the shared document. It is consumed only by the one-shot
// migration. A missing database file or table is an empty store, not an
// error.
type LegacyStore struct {
	path string
	log  *slog.Logger

	initOnce sync.Once
	isReady  atomic.Bool

	mu sync.Mutex
	db *bolt.DB
}

// OpenLegacy creates a handle on the legacy database at path. Nothing is
// opened until first use; an empty path means no legacy data exists.
func OpenLegacy(path string, log *slog.Logger) *LegacyStore {
	if log == nil {
		log = slog.Default()
	}
	return &LegacyStore{path: path, log: log}
}

// Ready reports whether the store has finished opening. The migration polls
// this before reading.
func (l *LegacyStore) Ready() bool {
	l.init()
	return l.isReady.Load()
}

func (l *LegacyStore) init() {
	l.initOnce.Do(func() {
		defer l.isReady.Store(true)
		if l.path == "" {
			return
		}
		if _, err := os.Stat(l.path); err != nil {
			// No legacy database on this device.
			return
		}
		db, err := bolt.Open(l.path, 0o600, &bolt.Options{ReadOnly: true})
		if err != nil {
			l.log.Warn("legacy store unreadable, treating as empty", "path", l.path, "err", err)
			return
		}
		l.mu.Lock()
		l.db = db
		l.mu.Unlock()
	})
}

// Records reads every record of a legacy table. A missing table yields an
// empty slice.
func (l *LegacyStore) Records(table string) ([]Record, error) {
	l.init()
	l.mu.Lock()
	db := l.db
	l.mu.Unlock()
	if db == nil {
		return nil, nil
	}

	var records []Record
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			records = append(records, Record{ID: string(k), Value: value})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read legacy table %q: %w", table, err)
	}
	return records, nil
}

// Close releases the underlying database, if one was opened.
func (l *LegacyStore) Close() error {
	l.mu.Lock()
	db := l.db
	l.db = nil
	l.mu.Unlock()
	if db != nil {
		return db.Close()
	}
	return nil
}
