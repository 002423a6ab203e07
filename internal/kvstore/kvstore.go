// Package kvstore wraps badger as the working-memory tier: recent
// conversation turns, ingest idempotence markers, and other
// short-lived state. Values are JSON; keys are slash-delimited paths
// scanned by prefix; entries may carry a TTL.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound reports a missing or expired key.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Config for opening a store. InMemory skips the filesystem entirely,
// which tests rely on.
type Config struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	Debug      bool
}

// Store is a badger database with JSON values. Safe for concurrent
// use; Close is idempotent.
type Store struct {
	db    *badger.DB
	debug bool

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("kvstore: create %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(&badgerLogger{debug: cfg.Debug})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	return &Store{db: db, debug: cfg.Debug}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// SetJSON stores v under key. A zero ttl means no expiry.
func (s *Store) SetJSON(key string, v interface{}, ttl time.Duration) error {
	if s.isClosed() {
		return errors.New("kvstore: store is closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// GetJSON loads the value under key into out.
func (s *Store) GetJSON(key string, out interface{}) error {
	if s.isClosed() {
		return errors.New("kvstore: store is closed")
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return err
}

// Has reports whether key exists and has not expired.
func (s *Store) Has(key string) (bool, error) {
	if s.isClosed() {
		return false, errors.New("kvstore: store is closed")
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes key. Missing keys are a no-op.
func (s *Store) Delete(key string) error {
	if s.isClosed() {
		return errors.New("kvstore: store is closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// DeletePrefix removes every key under prefix and returns the count.
func (s *Store) DeletePrefix(prefix string) (int, error) {
	if s.isClosed() {
		return 0, errors.New("kvstore: store is closed")
	}

	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range doomed {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return 0, err
		}
	}
	if s.debug && len(doomed) > 0 {
		log.Printf("kvstore: deleted %d keys under %s", len(doomed), prefix)
	}
	return len(doomed), nil
}

// ScanPrefix invokes fn for every key under prefix, in key order.
// Returning an error from fn stops the scan.
func (s *Store) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	if s.isClosed() {
		return errors.New("kvstore: store is closed")
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLogger routes badger's chatter through the standard logger,
// dropping everything below warning unless debug is on.
type badgerLogger struct {
	debug bool
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("kvstore: badger error: "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("kvstore: badger warning: "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	if l.debug {
		log.Printf("kvstore: badger: "+format, args...)
	}
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		log.Printf("kvstore: badger: "+format, args...)
	}
}
