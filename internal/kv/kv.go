package kv

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-versioning)
// 1 - records + event_log tables
const currentSchemaVersion = 1

// Named object stores. Store names are part of the on-disk contract; adding
// one here does not require a schema migration.
const (
	StoreConfig       = "config"
	StoreTokens       = "tokens"
	StoreMigration    = "migration"
	StoreStreams      = "streams"
	StoreChunks       = "chunks"
	StoreEmbeddings   = "embeddings"
	StorePersonality  = "personality"
	StoreSettings     = "settings"
	StoreChatSessions = "chat_sessions"
)

var knownStores = map[string]bool{
	StoreConfig:       true,
	StoreTokens:       true,
	StoreMigration:    true,
	StoreStreams:      true,
	StoreChunks:       true,
	StoreEmbeddings:   true,
	StorePersonality:  true,
	StoreSettings:     true,
	StoreChatSessions: true,
}

// Record is one row of a named object store.
type Record struct {
	Key       string
	Value     any
	UpdatedAt time.Time
}

// Direction selects iteration order for index scans.
type Direction string

const (
	// Next iterates oldest-first.
	Next Direction = "next"
	// Prev iterates newest-first (chat session listings use this).
	Prev Direction = "prev"
)

// Options configures a DB handle.
type Options struct {
	// Logger receives operational warnings (blocked handles, version
	// changes). Nil disables logging.
	Logger *slog.Logger

	// OnVersionChange runs after the handle has closed itself because the
	// on-disk schema was newer than this binary.
	OnVersionChange func()

	// OnBlocked runs when an open is blocked by another connection; the
	// open still fails with KindBlocked. The engine never force-kills the
	// other replica.
	OnBlocked func()
}

// DB is a handle to the SQLite-backed object database.
type DB struct {
	db      *sql.DB
	logger  *slog.Logger
	opts    Options
	emitter Emitter
}

// Open creates or opens the object database at path. Idempotent: pragmas and
// schema application are safe to re-run.
func Open(path string, opts Options) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		if opts.OnBlocked != nil {
			opts.OnBlocked()
		}
		return nil, classify(fmt.Errorf("connect: %w", err), "", "")
	}

	// SQLite supports a single writer; a pool of one avoids SQLITE_BUSY
	// storms between this process's own connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	handle := &DB{db: db, logger: logger, opts: opts}

	if err := handle.applySchema(); err != nil {
		db.Close()
		return nil, err
	}

	return handle, nil
}

// Close closes the database handle.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables and runs user_version migrations. A database
// stamped with a FUTURE version closes the handle and surfaces
// ErrVersionChange; the checkpoint on disk stays intact so an upgraded
// process can resume.
func (d *DB) applySchema() error {
	var version int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		d.logger.Warn("database schema is newer than this binary; closing handle",
			"disk_version", version, "binary_version", currentSchemaVersion)
		d.db.Close()
		d.db = nil
		if d.opts.OnVersionChange != nil {
			d.opts.OnVersionChange()
		}
		return &StoreError{Kind: KindVersionChange, Err: ErrVersionChange}
	}

	if _, err := d.db.Exec(schemaSQL); err != nil {
		return classify(fmt.Errorf("execute schema: %w", err), "", "")
	}

	if _, err := d.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// validStore rejects unknown store names before they reach SQL.
func validStore(store string) error {
	if !knownStores[store] {
		return fmt.Errorf("unknown object store %q", store)
	}
	return nil
}

// Ping verifies the handle is still usable.
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return &StoreError{Kind: KindVersionChange, Err: ErrVersionChange}
	}
	return d.db.PingContext(ctx)
}
