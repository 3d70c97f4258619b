// Package migrate moves a legacy flat key store into the typed object store,
// encrypting sensitive records in flight.
//
// # Crash Safety
//
// Every per-key operation is bracketed by a durable write-ahead checkpoint:
//
//	saveWriteAhead(key, i)  status=pending   BEFORE the write
//	markComplete(key, i)    status=complete  AFTER the write
//	markFailed(key, i, err) status=failed    on a per-key error
//
// There is at most one checkpoint row; each save overwrites the previous, so
// at most one operation is ever in flight. On restart the resume rule is:
//
//	no checkpoint  -> start at index 0
//	complete       -> advance past this key
//	pending        -> re-execute this key (all steps are idempotent)
//	failed         -> skip this key, never retry silently
//
// A crash between pending and complete therefore re-runs exactly one key,
// and the final state matches a crash-free run.
//
// # State Machine
//
//	IDLE -> BACKUP -> CONFIG_PHASE -> TOKEN_PHASE -> FINALIZE -> DONE
//
// A fatal error in any phase leaves the checkpoint in place and returns; a
// later run resumes from it without re-running the backup. Rollback is never
// automatic: the pre-migration backup row is retained for an explicit,
// user-initiated Rollback.
//
// # Concurrency Across Replicas
//
// No cross-replica locks. The migration_state row is written with an atomic
// first-writer-wins update; a second replica's finalize observes the existing
// row and becomes a no-op. Write authority is re-checked at every key
// boundary, so a demoted replica stops with its checkpoint pending and a
// promoted one resumes from it.
package migrate
