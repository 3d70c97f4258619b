package kv

import (
	"context"
	"testing"
	"time"
)

func appendTestEvent(t *testing.T, d *DB, seq int64, process, eventType string) {
	t.Helper()
	err := d.AppendEvent(context.Background(), EventRow{
		Seq:       seq,
		ProcessID: process,
		EventType: eventType,
		Payload:   "{}",
		Clock:     "{}",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendEvent(%d) failed: %v", seq, err)
	}
}

func TestAppendEvent_DuplicateIsNoOp(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	appendTestEvent(t, d, 1, "p1", "first")
	appendTestEvent(t, d, 1, "p1", "retry-of-first")

	n, err := d.CountEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	rows, err := d.ReadEvents(ctx, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	// First write wins; the retry must not overwrite.
	if rows[0].EventType != "first" {
		t.Errorf("event type = %q, want %q", rows[0].EventType, "first")
	}
}

func TestReadEvents_ForwardAndReverse(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		appendTestEvent(t, d, seq, "p1", "e")
	}

	fwd, err := d.ReadEvents(ctx, 2, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(fwd) != 3 || fwd[0].Seq != 2 || fwd[2].Seq != 4 {
		t.Errorf("forward read = %+v", fwd)
	}

	rev, err := d.ReadEvents(ctx, 4, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rev) != 2 || rev[0].Seq != 4 || rev[1].Seq != 3 {
		t.Errorf("reverse read = %+v", rev)
	}
}

func TestMaxSeq_PerProcess(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	seq, err := d.MaxSeq(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("fresh log MaxSeq = %d, want 0", seq)
	}

	appendTestEvent(t, d, 7, "p1", "e")
	appendTestEvent(t, d, 3, "p2", "e")

	seq, err = d.MaxSeq(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 7 {
		t.Errorf("MaxSeq(p1) = %d, want 7", seq)
	}
}

func TestClearEvents(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	appendTestEvent(t, d, 1, "p1", "e")
	if err := d.ClearEvents(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := d.CountEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}
}
