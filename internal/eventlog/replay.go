package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ballastdb/ballast/internal/canon"
)

// ReplayOptions selects a slice of the durable log to re-deliver.
type ReplayOptions struct {
	// FromSequence is the starting sequence number, inclusive.
	FromSequence int64
	// Count bounds the number of entries; <= 0 means unbounded.
	Count int
	// Forward reads ascending from FromSequence; false reads descending.
	Forward bool
}

// ReplayResult reports what a replay delivered. Handler errors are collected
// per entry and do not stop the replay.
type ReplayResult struct {
	Replayed int
	Errors   []error
}

// ReplayEvents re-delivers persisted entries to subscribers with IsReplay
// set. The live sequence counter is never advanced; handlers must be
// idempotent. Cancellation is honoured at every entry boundary. Watermarks
// for peer processes advance as their entries are delivered.
func (l *Log) ReplayEvents(ctx context.Context, opts ReplayOptions) (ReplayResult, error) {
	rows, err := l.db.ReadEvents(ctx, opts.FromSequence, opts.Count, opts.Forward)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay events: %w", err)
	}

	var res ReplayResult
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("replay events: %w", err)
		}

		payload, err := canon.Unmarshal([]byte(row.Payload))
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("decode payload at seq %d: %w", row.Seq, err))
			continue
		}
		clock, err := decodeClock(row.Clock)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("decode clock at seq %d: %w", row.Seq, err))
			continue
		}

		entry := Entry{
			SequenceNumber: row.Seq,
			EventType:      row.EventType,
			Payload:        payload,
			Clock:          clock,
			ProcessID:      row.ProcessID,
			Timestamp:      row.Timestamp,
			IsReplay:       true,
		}
		l.dispatch(ctx, entry, &res.Errors)
		res.Replayed++

		if row.ProcessID != l.ProcessID() {
			l.ObservePeer(row.ProcessID, row.Seq)
		}
	}
	return res, nil
}

func decodeClock(raw string) (map[string]uint64, error) {
	if raw == "" {
		return map[string]uint64{}, nil
	}
	var clock map[string]uint64
	if err := json.Unmarshal([]byte(raw), &clock); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = map[string]uint64{}
	}
	return clock, nil
}
