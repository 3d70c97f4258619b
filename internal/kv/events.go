package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventRow is the persisted form of one event log entry. The replay layer
// (internal/eventlog) owns interpretation; this file only owns durability
// and ordering.
type EventRow struct {
	Seq       int64
	ProcessID string
	EventType string
	Payload   string // canonical JSON
	Clock     string // vector clock as JSON
	Timestamp time.Time
}

// AppendEvent durably appends one entry. The (process_id, seq) primary key
// makes duplicate appends a silent no-op, so crash-and-retry emit paths stay
// idempotent.
func (d *DB) AppendEvent(ctx context.Context, row EventRow) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO event_log (seq, process_id, event_type, payload, clock, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(process_id, seq) DO NOTHING
	`, row.Seq, row.ProcessID, row.EventType, row.Payload, row.Clock,
		row.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(fmt.Errorf("append event: %w", err), "event_log", row.EventType)
	}
	return nil
}

// ReadEvents returns entries ordered by sequence number. Forward reads
// return seq >= fromSeq ascending; reverse reads return seq <= fromSeq
// descending. count <= 0 means unbounded.
func (d *DB) ReadEvents(ctx context.Context, fromSeq int64, count int, forward bool) ([]EventRow, error) {
	op, order := ">=", "ASC"
	if !forward {
		op, order = "<=", "DESC"
	}
	query := fmt.Sprintf(`
		SELECT seq, process_id, event_type, payload, clock, timestamp
		FROM event_log
		WHERE seq %s ?
		ORDER BY seq %s, process_id COLLATE BINARY %s
	`, op, order, order)

	var (
		rows *sql.Rows
		err  error
	)
	if count > 0 {
		rows, err = d.db.QueryContext(ctx, query+" LIMIT ?", fromSeq, count)
	} else {
		rows, err = d.db.QueryContext(ctx, query, fromSeq)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("read events: %w", err), "event_log", "")
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			row EventRow
			ts  string
		)
		if err := rows.Scan(&row.Seq, &row.ProcessID, &row.EventType, &row.Payload, &row.Clock, &ts); err != nil {
			return nil, classify(fmt.Errorf("scan event: %w", err), "event_log", "")
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &StoreError{Kind: KindCorrupt, Store: "event_log", Err: err}
		}
		row.Timestamp = parsed
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate events: %w", err), "event_log", "")
	}
	if out == nil {
		out = []EventRow{}
	}
	return out, nil
}

// MaxSeq returns the highest sequence number this process has durably
// emitted, or 0 for a fresh log. The live counter resumes from here on open
// so restarts never reuse a sequence number.
func (d *DB) MaxSeq(ctx context.Context, processID string) (int64, error) {
	var seq sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM event_log WHERE process_id = ?
	`, processID).Scan(&seq)
	if err != nil {
		return 0, classify(fmt.Errorf("max seq: %w", err), "event_log", "")
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CountEvents returns the total number of persisted entries.
func (d *DB) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count events: %w", err), "event_log", "")
	}
	return n, nil
}

// ClearEvents deletes the entire event log. Destructive; the replay layer
// records the wipe as its own event before calling this.
func (d *DB) ClearEvents(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM event_log`); err != nil {
		return classify(fmt.Errorf("clear events: %w", err), "event_log", "")
	}
	return nil
}
