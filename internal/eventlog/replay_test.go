package eventlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballastdb/ballast/internal/kv"
)

// seedPeerEvents appends entries 1..n to the durable log under peer's ID,
// as if another replica had written them to the shared store.
func seedPeerEvents(t *testing.T, db *kv.DB, peer string, n int) {
	t.Helper()
	ctx := context.Background()
	for seq := 1; seq <= n; seq++ {
		err := db.AppendEvent(ctx, kv.EventRow{
			Seq:       int64(seq),
			ProcessID: peer,
			EventType: "peer:event",
			Payload:   fmt.Sprintf(`{"seq":%d}`, seq),
			Clock:     `{}`,
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestReplay_DeliversWithIsReplayAndKeepsSeq(t *testing.T) {
	db := openTestStore(t)
	l := openTestLog(t, db, "r1")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Emit(ctx, "test:event", map[string]any{"i": i}, EmitOptions{})
		require.NoError(t, err)
	}
	seqBefore := l.Seq()

	var seen []Entry
	l.Subscribe(Wildcard, PriorityLow, func(ctx context.Context, e Entry) error {
		seen = append(seen, e)
		return nil
	})

	res, err := l.ReplayEvents(ctx, ReplayOptions{FromSequence: 1, Forward: true})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Replayed)
	assert.Empty(t, res.Errors)

	require.Len(t, seen, 4)
	for i, e := range seen {
		assert.True(t, e.IsReplay)
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}

	// Replay never advances the live counter.
	assert.Equal(t, seqBefore, l.Seq())
	e, err := l.Emit(ctx, "test:event", nil, EmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, seqBefore+1, e.SequenceNumber)
}

func TestReplay_ReverseAndBounded(t *testing.T) {
	db := openTestStore(t)
	l := openTestLog(t, db, "r1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Emit(ctx, "test:event", nil, EmitOptions{})
		require.NoError(t, err)
	}

	var order []int64
	l.Subscribe("test:event", PriorityLow, func(ctx context.Context, e Entry) error {
		order = append(order, e.SequenceNumber)
		return nil
	})

	res, err := l.ReplayEvents(ctx, ReplayOptions{FromSequence: 4, Count: 3, Forward: false})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	assert.Equal(t, []int64{4, 3, 2}, order)
}

func TestReplay_CollectsHandlerErrors(t *testing.T) {
	db := openTestStore(t)
	l := openTestLog(t, db, "r1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Emit(ctx, "test:event", nil, EmitOptions{})
		require.NoError(t, err)
	}

	l.Subscribe("test:event", PriorityLow, func(ctx context.Context, e Entry) error {
		if e.SequenceNumber == 2 {
			return errors.New("bad entry")
		}
		return nil
	})

	res, err := l.ReplayEvents(ctx, ReplayOptions{FromSequence: 1, Forward: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "seq 2")
}

func TestReplay_CancelledAtEntryBoundary(t *testing.T) {
	db := openTestStore(t)
	l := openTestLog(t, db, "r1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Emit(ctx, "test:event", nil, EmitOptions{})
		require.NoError(t, err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	var delivered int
	l.Subscribe("test:event", PriorityLow, func(ctx context.Context, e Entry) error {
		delivered++
		if delivered == 2 {
			cancel()
		}
		return nil
	})

	res, err := l.ReplayEvents(cancelCtx, ReplayOptions{FromSequence: 1, Forward: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 2, delivered)
}

func TestWatermarkDrivenCatchUp(t *testing.T) {
	db := openTestStore(t)
	l := openTestLog(t, db, "local")
	ctx := context.Background()

	// Peer has written 15 entries to the shared store; we have observed 10.
	seedPeerEvents(t, db, "peer", 15)
	l.ObservePeer("peer", 10)
	l.Advertise("peer", 15, 0)

	assert.Equal(t, int64(10), l.Watermark("peer"))
	assert.True(t, l.NeedsReplay())

	var replayed int
	l.Subscribe("peer:event", PriorityLow, func(ctx context.Context, e Entry) error {
		assert.True(t, e.IsReplay)
		replayed++
		return nil
	})

	seqBefore := l.Seq()
	res, err := l.ReplayEvents(ctx, ReplayOptions{FromSequence: 11, Count: 5, Forward: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Replayed)
	assert.Equal(t, 5, replayed)

	assert.Equal(t, int64(15), l.Watermark("peer"))
	assert.False(t, l.NeedsReplay())
	assert.Equal(t, seqBefore, l.Seq())
}

func TestNeedsReplay_AllowedGap(t *testing.T) {
	l := openTestLog(t, openTestStore(t), "local")

	l.ObservePeer("peer", 10)
	l.Advertise("peer", 12, 2)
	assert.False(t, l.NeedsReplay())

	l.Advertise("peer", 13, 2)
	assert.True(t, l.NeedsReplay())
}

func TestWatermark_OnlyMovesForward(t *testing.T) {
	l := openTestLog(t, openTestStore(t), "local")

	l.ObservePeer("peer", 10)
	l.ObservePeer("peer", 7)
	assert.Equal(t, int64(10), l.Watermark("peer"))
}
