package kv

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPutGet_RoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	value := map[string]any{"theme": "dark", "volume": json.Number("11")}
	if err := d.Put(ctx, StoreConfig, Record{Key: "settings", Value: value}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	rec, err := d.Get(ctx, StoreConfig, "settings")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !reflect.DeepEqual(rec.Value, map[string]any{"theme": "dark", "volume": json.Number("11")}) {
		t.Errorf("value mismatch: %#v", rec.Value)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("UpdatedAt was not stamped")
	}
}

func TestGet_MissingKeyIsNotFound(t *testing.T) {
	d := openTestDB(t)

	_, err := d.Get(context.Background(), StoreConfig, "absent")
	if !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if Kind(err) != KindNotFound {
		t.Errorf("kind = %q, want %q", Kind(err), KindNotFound)
	}
}

func TestPut_Overwrites(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.Put(ctx, StoreConfig, Record{Key: "k", Value: "v1"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, StoreConfig, Record{Key: "k", Value: "v2"}); err != nil {
		t.Fatal(err)
	}

	rec, err := d.Get(ctx, StoreConfig, "k")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != "v2" {
		t.Errorf("value = %v, want v2", rec.Value)
	}

	n, err := d.Count(ctx, StoreConfig)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestGetAll_OrderedAndEmptyNotNil(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	recs, err := d.GetAll(ctx, StoreConfig)
	if err != nil {
		t.Fatal(err)
	}
	if recs == nil {
		t.Fatal("GetAll returned nil, want empty slice")
	}

	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := d.Put(ctx, StoreConfig, Record{Key: k, Value: k}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err = d.GetAll(ctx, StoreConfig)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{recs[0].Key, recs[1].Key, recs[2].Key}
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestGetAllByIndex_PrevIsNewestFirst(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := []struct {
		key string
		at  time.Time
	}{
		{"oldest", base},
		{"middle", base.Add(time.Hour)},
		{"newest", base.Add(2 * time.Hour)},
	}
	for _, s := range sessions {
		if err := d.Put(ctx, StoreChatSessions, Record{Key: s.key, Value: s.key, UpdatedAt: s.at}); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := d.GetAllByIndex(ctx, StoreChatSessions, Prev)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{recs[0].Key, recs[1].Key, recs[2].Key}
	want := []string{"newest", "middle", "oldest"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestDelete_MissingKeyIsNoOp(t *testing.T) {
	d := openTestDB(t)
	if err := d.Delete(context.Background(), StoreConfig, "absent"); err != nil {
		t.Errorf("Delete of missing key errored: %v", err)
	}
}

func TestClear_OnlyTouchesOneStore(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.Put(ctx, StoreConfig, Record{Key: "a", Value: 1}); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, StoreTokens, Record{Key: "b", Value: 2}); err != nil {
		t.Fatal(err)
	}

	if err := d.Clear(ctx, StoreConfig); err != nil {
		t.Fatal(err)
	}

	if n, _ := d.Count(ctx, StoreConfig); n != 0 {
		t.Errorf("config count = %d, want 0", n)
	}
	if n, _ := d.Count(ctx, StoreTokens); n != 1 {
		t.Errorf("tokens count = %d, want 1", n)
	}
}

func TestAtomicUpdate_ReadModifyWrite(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	// First update sees exists=false and seeds the record.
	err := d.AtomicUpdate(ctx, StoreMigration, "counter", func(current any, exists bool) (any, bool, error) {
		if exists {
			t.Error("first update should see exists=false")
		}
		return json.Number("1"), true, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Second update increments in place.
	err = d.AtomicUpdate(ctx, StoreMigration, "counter", func(current any, exists bool) (any, bool, error) {
		if !exists {
			t.Fatal("second update should see exists=true")
		}
		n, ok := current.(json.Number)
		if !ok {
			t.Fatalf("current = %T, want json.Number", current)
		}
		i, _ := n.Int64()
		return i + 1, true, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := d.Get(ctx, StoreMigration, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != json.Number("2") {
		t.Errorf("counter = %v, want 2", rec.Value)
	}
}

func TestAtomicUpdate_KeepFalseDeletes(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.Put(ctx, StoreConfig, Record{Key: "temp", Value: "x"}); err != nil {
		t.Fatal(err)
	}
	err := d.AtomicUpdate(ctx, StoreConfig, "temp", func(any, bool) (any, bool, error) {
		return nil, false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(ctx, StoreConfig, "temp"); !IsNotFound(err) {
		t.Errorf("record survived keep=false: %v", err)
	}
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	wantErr := context.Canceled // any sentinel works here
	err := d.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, StoreConfig, Record{Key: "a", Value: 1}); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Transaction error = %v, want %v", err, wantErr)
	}

	if _, err := d.Get(ctx, StoreConfig, "a"); !IsNotFound(err) {
		t.Errorf("write survived a rolled-back transaction: %v", err)
	}
}

type captureEmitter struct {
	events []string
}

func (c *captureEmitter) EmitStorageEvent(_ context.Context, eventType string, _ map[string]any) {
	c.events = append(c.events, eventType)
}

func TestEmitter_StorageEvents(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	cap := &captureEmitter{}
	d.SetEmitter(cap)

	if err := d.Put(ctx, StoreConfig, Record{Key: "k", Value: "v"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Wipe(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{"storage:updated", "storage:cleared"}
	if !reflect.DeepEqual(cap.events, want) {
		t.Errorf("events = %v, want %v", cap.events, want)
	}
}
