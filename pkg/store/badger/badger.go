// Package badger implements the store.KV contract on BadgerDB.
//
// All writes go through short-lived update transactions; scans use
// prefix-bounded iterators with values copied out before the transaction
// closes. This matches how the gateway uses the store: small records,
// point lookups, and prefix sweeps for telemetry retention.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/store"
)

// Store is a BadgerDB-backed store.KV.
type Store struct {
	db *badger.DB
}

// Options configures a Badger store.
type Options struct {
	// Dir is the on-disk directory. Empty means in-memory (tests).
	Dir string

	// SyncWrites forces fsync on every write. Slower, safer.
	SyncWrites bool
}

// Open opens (creating if necessary) a Badger store.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.Dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", opts.Dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("badger put %q: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger scan value for %q: %w", key, err)
			}
			cont, err := fn(key, value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) DeletePrefix(ctx context.Context, prefix []byte, pred func(key, value []byte) bool) (int, error) {
	// Collect first, then delete in batches: Badger iterators cannot
	// observe writes made inside the same transaction.
	var doomed [][]byte
	err := s.Scan(ctx, prefix, func(key, value []byte) (bool, error) {
		if pred == nil || pred(key, value) {
			doomed = append(doomed, key)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range doomed {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("badger batch delete %q: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("badger delete prefix %q: %w", prefix, err)
	}
	return len(doomed), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging through the gateway logger
// at reduced verbosity.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any)   { logger.Errorf("badger: "+format, args...) }
func (badgerLogger) Warningf(format string, args ...any) { logger.Warnf("badger: "+format, args...) }
func (badgerLogger) Infof(format string, args ...any)    { logger.Debugf("badger: "+format, args...) }
func (badgerLogger) Debugf(format string, args ...any)   { logger.Debugf("badger: "+format, args...) }
