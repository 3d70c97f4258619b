package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ballastdb/ballast/internal/kv"
)

// Record keys inside the migration store.
const (
	keyState      = "migration_state"
	keyCheckpoint = "migration_checkpoint"
	keyBackup     = "pre_migration_backup"
	keyProgress   = "migration_progress"
)

// Intent names the phase a checkpoint belongs to.
type Intent string

const (
	IntentConfig Intent = "config"
	IntentToken  Intent = "token"
)

// Status is the checkpoint lifecycle: pending before the key's write,
// complete or failed after.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Checkpoint is the single durable write-ahead row. It describes the current
// or next operation; each save overwrites the previous row.
type Checkpoint struct {
	ID                 string `json:"id"`
	Intent             Intent `json:"intent"`
	Key                string `json:"key"`
	Index              int    `json:"index"`
	LastProcessedIndex int    `json:"lastProcessedIndex"`
	KeysProcessed      int    `json:"keysProcessed"`
	TotalKeys          int    `json:"totalKeys"`
	Status             Status `json:"status"`
	Phase              string `json:"phase"`
	Error              string `json:"error,omitempty"`
	Timestamp          string `json:"timestamp"`
}

// NextIndex is the resume position this checkpoint implies.
func (cp *Checkpoint) NextIndex() int {
	switch cp.Status {
	case StatusPending:
		// Re-execute the interrupted key.
		return cp.Index
	default:
		// Complete advances; failed skips without retry.
		return cp.Index + 1
	}
}

// State is the terminal migration record; at most one exists and its first
// writer wins.
type State struct {
	ID            string `json:"id"`
	Version       int    `json:"version"`
	CompletedAt   string `json:"completedAt"`
	KeysProcessed int    `json:"keysProcessed"`
}

// Progress is the optional aggregate snapshot written every N keys. It is
// telemetry only and never replaces the per-key checkpoint.
type Progress struct {
	ID            string `json:"id"`
	Phase         string `json:"phase"`
	KeysProcessed int    `json:"keysProcessed"`
	TotalKeys     int    `json:"totalKeys"`
	Timestamp     string `json:"timestamp"`
}

// CheckpointLog persists the write-ahead discipline over the migration store.
type CheckpointLog struct {
	db  *kv.DB
	now func() time.Time
}

// NewCheckpointLog builds a log over db. now defaults to time.Now.
func NewCheckpointLog(db *kv.DB, now func() time.Time) *CheckpointLog {
	if now == nil {
		now = time.Now
	}
	return &CheckpointLog{db: db, now: now}
}

func (c *CheckpointLog) save(ctx context.Context, cp Checkpoint) error {
	cp.ID = keyCheckpoint
	cp.Timestamp = c.now().UTC().Format(time.RFC3339Nano)
	if err := c.db.Put(ctx, kv.StoreMigration, kv.Record{Key: keyCheckpoint, Value: cp}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// SaveWriteAhead records intent for key at index with status pending. It
// must be durable before the key's write begins.
func (c *CheckpointLog) SaveWriteAhead(ctx context.Context, intent Intent, key string, index, processed, total int) error {
	return c.save(ctx, Checkpoint{
		Intent:             intent,
		Key:                key,
		Index:              index,
		LastProcessedIndex: index - 1,
		KeysProcessed:      processed,
		TotalKeys:          total,
		Status:             StatusPending,
		Phase:              string(intent),
	})
}

// MarkComplete records that the key at index finished.
func (c *CheckpointLog) MarkComplete(ctx context.Context, intent Intent, key string, index, processed, total int) error {
	return c.save(ctx, Checkpoint{
		Intent:             intent,
		Key:                key,
		Index:              index,
		LastProcessedIndex: index,
		KeysProcessed:      processed,
		TotalKeys:          total,
		Status:             StatusComplete,
		Phase:              string(intent),
	})
}

// MarkFailed records a per-key failure. The key is skipped on resume, never
// silently retried.
func (c *CheckpointLog) MarkFailed(ctx context.Context, intent Intent, key string, index, processed, total int, cause error) error {
	return c.save(ctx, Checkpoint{
		Intent:             intent,
		Key:                key,
		Index:              index,
		LastProcessedIndex: index - 1,
		KeysProcessed:      processed,
		TotalKeys:          total,
		Status:             StatusFailed,
		Phase:              string(intent),
		Error:              cause.Error(),
	})
}

// Load returns the current checkpoint, or found=false for a clean store.
func (c *CheckpointLog) Load(ctx context.Context) (Checkpoint, bool, error) {
	rec, err := c.db.Get(ctx, kv.StoreMigration, keyCheckpoint)
	if err != nil {
		if kv.IsNotFound(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := decodeRecord(rec.Value, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, true, nil
}

// Clear removes the checkpoint row. Tolerant of a missing row.
func (c *CheckpointLog) Clear(ctx context.Context) error {
	if err := c.db.Delete(ctx, kv.StoreMigration, keyCheckpoint); err != nil && !kv.IsNotFound(err) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// SaveProgress writes the aggregate telemetry snapshot under its own key so
// it never clobbers the write-ahead row.
func (c *CheckpointLog) SaveProgress(ctx context.Context, phase string, processed, total int) error {
	p := Progress{
		ID:            keyProgress,
		Phase:         phase,
		KeysProcessed: processed,
		TotalKeys:     total,
		Timestamp:     c.now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.db.Put(ctx, kv.StoreMigration, kv.Record{Key: keyProgress, Value: p}); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// decodeRecord maps a stored value (typically map[string]any after a JSON
// round trip) back into a typed row.
func decodeRecord(value, dst any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
