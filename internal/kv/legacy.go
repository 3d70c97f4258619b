package kv

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Legacy is the flat key store the migration engine drains: an untyped
// string-to-bytes namespace with none of the object database's structure.
// It doubles as the non-object-store fallback for hosts whose object
// database is unavailable; the config layer refuses to place ciphertext
// envelopes here.
type Legacy struct {
	db *badger.DB
}

// LegacyOptions configures the legacy store.
type LegacyOptions struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory avoids disk entirely. Used by tests.
	InMemory bool

	// SyncWrites forces fsync per write. Defaults off; the legacy store is
	// a migration source, not the system of record.
	SyncWrites bool

	// Logger receives Badger's own operational logging. Nil disables it.
	Logger *slog.Logger
}

// OpenLegacy opens (or creates) the legacy flat store.
func OpenLegacy(opts LegacyOptions) (*Legacy, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open legacy store: %w", err)
	}
	return &Legacy{db: db}, nil
}

// Close closes the underlying Badger database.
func (l *Legacy) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Get returns the raw bytes stored under key, or ErrNotFound.
func (l *Legacy) Get(key string) ([]byte, error) {
	var out []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound("legacy", key)
	}
	if err != nil {
		return nil, fmt.Errorf("legacy get %q: %w", key, err)
	}
	return out, nil
}

// Set stores raw bytes under key.
func (l *Legacy) Set(key string, value []byte) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("legacy set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are a no-op.
func (l *Legacy) Delete(key string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("legacy delete %q: %w", key, err)
	}
	return nil
}

// Has reports whether key exists.
func (l *Legacy) Has(key string) (bool, error) {
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("legacy has %q: %w", key, err)
	}
	return true, nil
}

// Keys returns every key in the store, in Badger's iteration order.
func (l *Legacy) Keys() ([]string, error) {
	var keys []string
	err := l.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("legacy keys: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Len returns the number of keys.
func (l *Legacy) Len() (int, error) {
	keys, err := l.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
