package kv

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Emitter receives storage change notifications. Implemented by the event
// log; advisory only, the store never depends on a subscriber being present.
type Emitter interface {
	EmitStorageEvent(ctx context.Context, eventType string, payload map[string]any)
}

// SetEmitter wires change notifications (storage:updated, storage:cleared).
// Safe to leave unset.
func (d *DB) SetEmitter(e Emitter) {
	d.emitter = e
}

func (d *DB) notify(ctx context.Context, eventType string, payload map[string]any) {
	if d.emitter != nil {
		d.emitter.EmitStorageEvent(ctx, eventType, payload)
	}
}

// encodeValue serializes a record value as JSON text.
func encodeValue(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// decodeValue parses JSON text preserving integer fidelity via json.Number.
func decodeValue(text string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// Put upserts a record. UpdatedAt defaults to now (UTC) when zero.
func (d *DB) Put(ctx context.Context, store string, rec Record) error {
	if err := validStore(store); err != nil {
		return err
	}
	text, err := encodeValue(rec.Value)
	if err != nil {
		return err
	}
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO records (store, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, store, rec.Key, text, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(err, store, rec.Key)
	}

	d.notify(ctx, "storage:updated", map[string]any{"store": store})
	return nil
}

// Get reads one record. Missing keys return a KindNotFound StoreError.
func (d *DB) Get(ctx context.Context, store, key string) (Record, error) {
	if err := validStore(store); err != nil {
		return Record{}, err
	}
	row := d.db.QueryRowContext(ctx, `
		SELECT key, value, updated_at FROM records
		WHERE store = ? AND key = ?
	`, store, key)
	return scanRecord(row.Scan, store, key)
}

// GetAll returns every record in a store, ordered by key for determinism.
// Returns an empty slice, not nil, when the store is empty.
func (d *DB) GetAll(ctx context.Context, store string) ([]Record, error) {
	if err := validStore(store); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM records
		WHERE store = ?
		ORDER BY key COLLATE BINARY ASC
	`, store)
	if err != nil {
		return nil, classify(err, store, "")
	}
	defer rows.Close()
	return collectRecords(rows, store)
}

// GetAllByIndex returns records ordered by updated_at; Prev yields newest
// first. This backs the chat session listing.
func (d *DB) GetAllByIndex(ctx context.Context, store string, dir Direction) ([]Record, error) {
	if err := validStore(store); err != nil {
		return nil, err
	}
	order := "ASC"
	if dir == Prev {
		order = "DESC"
	}
	// Key is the tiebreaker so equal timestamps still order deterministically.
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, value, updated_at FROM records
		WHERE store = ?
		ORDER BY updated_at %s, key COLLATE BINARY %s
	`, order, order), store)
	if err != nil {
		return nil, classify(err, store, "")
	}
	defer rows.Close()
	return collectRecords(rows, store)
}

// Delete removes a record. Deleting a missing key is a no-op.
func (d *DB) Delete(ctx context.Context, store, key string) error {
	if err := validStore(store); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM records WHERE store = ? AND key = ?
	`, store, key)
	if err != nil {
		return classify(err, store, key)
	}
	d.notify(ctx, "storage:updated", map[string]any{"store": store})
	return nil
}

// Clear removes every record in one store.
func (d *DB) Clear(ctx context.Context, store string) error {
	if err := validStore(store); err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `DELETE FROM records WHERE store = ?`, store)
	if err != nil {
		return classify(err, store, "")
	}
	n, _ := res.RowsAffected()
	d.notify(ctx, "storage:updated", map[string]any{"store": store, "count": n})
	return nil
}

// Wipe removes every record in every store. Destructive; emits
// storage:cleared.
func (d *DB) Wipe(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return classify(err, "", "")
	}
	d.notify(ctx, "storage:cleared", map[string]any{})
	return nil
}

// Count returns the number of records in a store.
func (d *DB) Count(ctx context.Context, store string) (int, error) {
	if err := validStore(store); err != nil {
		return 0, err
	}
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE store = ?
	`, store).Scan(&n)
	if err != nil {
		return 0, classify(err, store, "")
	}
	return n, nil
}

// Tx exposes record operations inside one transaction. Obtained via
// DB.Transaction; do not retain past the body.
type Tx struct {
	tx *sql.Tx
}

// Put upserts a record within the transaction.
func (t *Tx) Put(ctx context.Context, store string, rec Record) error {
	if err := validStore(store); err != nil {
		return err
	}
	text, err := encodeValue(rec.Value)
	if err != nil {
		return err
	}
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO records (store, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, store, rec.Key, text, at.UTC().Format(time.RFC3339Nano))
	return classify(err, store, rec.Key)
}

// Get reads one record within the transaction.
func (t *Tx) Get(ctx context.Context, store, key string) (Record, error) {
	if err := validStore(store); err != nil {
		return Record{}, err
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT key, value, updated_at FROM records
		WHERE store = ? AND key = ?
	`, store, key)
	return scanRecord(row.Scan, store, key)
}

// Delete removes a record within the transaction.
func (t *Tx) Delete(ctx context.Context, store, key string) error {
	if err := validStore(store); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM records WHERE store = ? AND key = ?
	`, store, key)
	return classify(err, store, key)
}

// Transaction runs body inside a single SQLite transaction. The backup
// snapshot and migration finalize both rely on this for crash atomicity:
// either every write in the body persists or none do.
func (d *DB) Transaction(ctx context.Context, body func(tx *Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err), "", "")
	}
	defer tx.Rollback() // No-op if committed

	if err := body(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err), "", "")
	}
	return nil
}

// atomicUpdateAttempts bounds AtomicUpdate's retries under lock contention.
const atomicUpdateAttempts = 5

// AtomicUpdate runs updater(current, exists) -> (next, keep) inside a single
// read-modify-write transaction. Returning keep=false deletes the record.
// Retries a bounded number of times on Blocked; a conflict is never silently
// dropped: the final attempt's error surfaces.
func (d *DB) AtomicUpdate(ctx context.Context, store, key string, updater func(current any, exists bool) (next any, keep bool, err error)) error {
	if err := validStore(store); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < atomicUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = d.atomicUpdateOnce(ctx, store, key, updater)
		if lastErr == nil || !isBlocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (d *DB) atomicUpdateOnce(ctx context.Context, store, key string, updater func(any, bool) (any, bool, error)) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err), store, key)
	}
	defer tx.Rollback()

	var (
		current any
		exists  bool
	)
	var text string
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM records WHERE store = ? AND key = ?
	`, store, key).Scan(&text)
	switch {
	case err == sql.ErrNoRows:
		exists = false
	case err != nil:
		return classify(err, store, key)
	default:
		exists = true
		current, err = decodeValue(text)
		if err != nil {
			return &StoreError{Kind: KindCorrupt, Store: store, Key: key, Err: err}
		}
	}

	next, keep, err := updater(current, exists)
	if err != nil {
		return fmt.Errorf("atomic update %q/%q: %w", store, key, err)
	}

	if !keep {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM records WHERE store = ? AND key = ?
		`, store, key); err != nil {
			return classify(err, store, key)
		}
	} else {
		nextText, err := encodeValue(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (store, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(store, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, store, key, nextText, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return classify(err, store, key)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err), store, key)
	}
	return nil
}

// scanRecord reads one (key, value, updated_at) row.
func scanRecord(scan func(...any) error, store, key string) (Record, error) {
	var (
		rec Record
		val string
		at  string
	)
	if err := scan(&rec.Key, &val, &at); err != nil {
		return Record{}, classify(err, store, key)
	}

	v, err := decodeValue(val)
	if err != nil {
		return Record{}, &StoreError{Kind: KindCorrupt, Store: store, Key: rec.Key, Err: err}
	}
	rec.Value = v

	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Record{}, &StoreError{Kind: KindCorrupt, Store: store, Key: rec.Key, Err: err}
	}
	rec.UpdatedAt = ts
	return rec, nil
}

func collectRecords(rows *sql.Rows, store string) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan, store, "")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, store, "")
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}
