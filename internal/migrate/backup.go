package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/ballastdb/ballast/internal/canon"
	"github.com/ballastdb/ballast/internal/kv"
)

// BackupRecord is the single pre-migration snapshot of the legacy store.
// Digest is the canonical-JSON hash of the entry map, checked on rollback.
type BackupRecord struct {
	ID        string            `json:"id"`
	Backup    map[string]string `json:"backup"`
	Timestamp string            `json:"timestamp"`
	Version   int               `json:"version"`
	Digest    string            `json:"digest"`
}

// Backups snapshots the legacy store before migration and restores it on an
// explicit rollback. The engine never rolls back on its own.
type Backups struct {
	db      *kv.DB
	legacy  *kv.Legacy
	version int
	now     func() time.Time
}

// NewBackups builds the backup manager. now defaults to time.Now.
func NewBackups(db *kv.DB, legacy *kv.Legacy, version int, now func() time.Time) *Backups {
	if now == nil {
		now = time.Now
	}
	return &Backups{db: db, legacy: legacy, version: version, now: now}
}

// Backup snapshots every candidate key present in the legacy store into one
// record, written in a single transaction. Taken once per migration attempt;
// a resumed run skips it.
func (b *Backups) Backup(ctx context.Context, candidates []string) error {
	entries := make(map[string]string)
	for _, key := range candidates {
		raw, err := b.legacy.Get(key)
		if err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("backup read %q: %w", key, err)
		}
		entries[key] = string(raw)
	}

	digest, err := canon.Digest(canon.DomainBackup, stringMapToAny(entries))
	if err != nil {
		return fmt.Errorf("backup digest: %w", err)
	}
	rec := BackupRecord{
		ID:        keyBackup,
		Backup:    entries,
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
		Version:   b.version,
		Digest:    digest,
	}

	err = b.db.Transaction(ctx, func(tx *kv.Tx) error {
		return tx.Put(ctx, kv.StoreMigration, kv.Record{Key: keyBackup, Value: rec})
	})
	if err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// Load returns the backup row, or found=false when none was taken.
func (b *Backups) Load(ctx context.Context) (BackupRecord, bool, error) {
	rec, err := b.db.Get(ctx, kv.StoreMigration, keyBackup)
	if err != nil {
		if kv.IsNotFound(err) {
			return BackupRecord{}, false, nil
		}
		return BackupRecord{}, false, fmt.Errorf("load backup: %w", err)
	}
	var out BackupRecord
	if err := decodeRecord(rec.Value, &out); err != nil {
		return BackupRecord{}, false, fmt.Errorf("load backup: %w", err)
	}
	return out, true, nil
}

// Rollback restores every backed-up legacy entry, verifies the snapshot
// digest first, and deletes the migration_state row so the engine will
// re-attempt. The backup row itself is retained for forensics.
func (b *Backups) Rollback(ctx context.Context) error {
	backup, found, err := b.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("rollback: no backup present")
	}

	digest, err := canon.Digest(canon.DomainBackup, stringMapToAny(backup.Backup))
	if err != nil {
		return fmt.Errorf("rollback digest: %w", err)
	}
	if backup.Digest != "" && digest != backup.Digest {
		return fmt.Errorf("rollback: backup digest mismatch, snapshot corrupt")
	}

	for key, value := range backup.Backup {
		if err := b.legacy.Set(key, []byte(value)); err != nil {
			return fmt.Errorf("rollback restore %q: %w", key, err)
		}
	}
	if err := b.db.Delete(ctx, kv.StoreMigration, keyState); err != nil && !kv.IsNotFound(err) {
		return fmt.Errorf("rollback: delete migration state: %w", err)
	}
	return nil
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
