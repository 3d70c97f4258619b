package kv

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrorKind classifies storage failures so callers can route policy without
// matching on driver-specific errors.
type ErrorKind string

const (
	// KindNotFound indicates the requested key does not exist in the store.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindVersionChange indicates the on-disk schema is newer than this
	// binary understands. The handle closes; process-level recovery may
	// re-open after an upgrade and resume from the checkpoint.
	KindVersionChange ErrorKind = "VERSION_CHANGE"

	// KindBlocked indicates another connection held the database past the
	// busy timeout.
	KindBlocked ErrorKind = "BLOCKED"

	// KindCorrupt indicates the database file is damaged or not a database.
	KindCorrupt ErrorKind = "CORRUPT"

	// KindQuotaExceeded indicates the disk or database is full.
	KindQuotaExceeded ErrorKind = "QUOTA_EXCEEDED"
)

// StoreError is the error type surfaced by all DB operations.
type StoreError struct {
	Kind  ErrorKind
	Store string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: store %q key %q: %v", e.Kind, e.Store, e.Key, e.Err)
	}
	if e.Store != "" {
		return fmt.Sprintf("%s: store %q: %v", e.Kind, e.Store, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrNotFound is the sentinel wrapped by every KindNotFound StoreError, so
// callers can use errors.Is(err, kv.ErrNotFound).
var ErrNotFound = errors.New("kv: record not found")

// ErrVersionChange is wrapped by KindVersionChange errors.
var ErrVersionChange = errors.New("kv: database schema is newer than this binary")

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind extracts the ErrorKind from err, or "" when err is not a StoreError.
func Kind(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// notFound builds the canonical missing-record error.
func notFound(store, key string) error {
	return &StoreError{Kind: KindNotFound, Store: store, Key: key, Err: ErrNotFound}
}

// classify maps a driver error onto a StoreError. sql.ErrNoRows becomes
// NotFound; sqlite result codes map per kind; anything else defaults to
// Corrupt only when SQLite says so, otherwise stays unclassified under
// Blocked=false semantics (plain wrap).
func classify(err error, store, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(store, key)
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &StoreError{Kind: KindBlocked, Store: store, Key: key, Err: err}
		case sqlite3.ErrFull, sqlite3.ErrTooBig:
			return &StoreError{Kind: KindQuotaExceeded, Store: store, Key: key, Err: err}
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return &StoreError{Kind: KindCorrupt, Store: store, Key: key, Err: err}
		case sqlite3.ErrIoErr:
			// Disk-full surfaces as an IO error on some platforms.
			if serr.ExtendedCode == sqlite3.ErrIoErrWrite {
				return &StoreError{Kind: KindQuotaExceeded, Store: store, Key: key, Err: err}
			}
			return &StoreError{Kind: KindCorrupt, Store: store, Key: key, Err: err}
		}
	}
	return fmt.Errorf("store %q: %w", store, err)
}

// isBlocked reports whether err classifies as a lock-contention failure,
// used by AtomicUpdate's bounded retry.
func isBlocked(err error) bool {
	return Kind(err) == KindBlocked
}
