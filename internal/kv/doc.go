// Package kv provides the transactional object database the migration and
// reconciliation engine runs on.
//
// Two storage surfaces live here:
//
//   - DB: SQLite-backed named object stores (config, tokens, migration,
//     chat_sessions, ...) with primary-key get/put/delete, an updated_at
//     index, multi-store transactions, and AtomicUpdate for lost-update-free
//     read-modify-write across concurrent replicas.
//
//   - Legacy: a Badger-backed flat key store. It is the migration source and
//     the non-object-store fallback. The fallback never holds ciphertext
//     envelopes; that refusal is enforced one layer up, in internal/config.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Schema versioning uses PRAGMA user_version. A database written by a newer
// schema than this binary understands surfaces ErrVersionChange and the
// handle closes itself; it never downgrades another replica's database.
//
// # Error kinds
//
// Failures are classified into NotFound, VersionChange, Blocked, Corrupt and
// QuotaExceeded via StoreError so callers can route policy (the migration
// engine absorbs per-key failures; config writes surface them).
package kv
