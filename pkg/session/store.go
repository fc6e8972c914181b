package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const keyPrefix = "session:"

// DefaultTTL bounds how long an idle conversation keeps its record.
const DefaultTTL = 24 * time.Hour

// Store reads and writes conversation records. Read returns nil, nil when the
// key has no live record.
type Store interface {
	Read(ctx context.Context, key string) (*Record, error)
	Write(ctx context.Context, key string, record Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Options configures the badger-backed store.
type Options struct {
	Dir      string // Data directory
	InMemory bool   // No persistence, for tests and ephemeral runs
}

// BadgerStore keeps records in BadgerDB with per-entry TTLs.
type BadgerStore struct {
	db       *badger.DB
	log      *slog.Logger
	closed   bool
	closedMu sync.RWMutex
}

var errClosed = errors.New("session store is closed")

// Open opens (or creates) the store.
func Open(opt Options, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}

	dir := ""
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	if !opt.InMemory {
		resolved, err := ResolveDir(opt.Dir)
		if err != nil {
			return nil, err
		}
		dir = resolved
		opts = badger.DefaultOptions(dir).WithLogger(nil)
		opts.Compression = options.ZSTD
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	log = log.With("component", "session.store")
	log.Info("Session store opened", "dir", dir, "in_memory", opt.InMemory)

	return &BadgerStore{db: db, log: log}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Read loads the record for key.
func (s *BadgerStore) Read(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return nil, errClosed
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %q: %w", key, err)
	}

	var record Record
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", key, err)
	}
	return &record, nil
}

// Write replaces the record for key. A non-positive ttl keeps it forever.
func (s *BadgerStore) Write(ctx context.Context, key string, record Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", key, err)
	}

	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return errClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Delete removes the record for key. Deleting a missing key is not an error.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return errClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}
