// Package eventlog implements the durable, replayable per-replica event
// stream. Live emits get a strictly increasing sequence number and a vector
// clock snapshot, are appended to the durable log before any subscriber runs,
// and can later be re-delivered with IsReplay set without advancing the live
// counter. Per-peer watermarks decide when a returning replica needs replay.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ballastdb/ballast/internal/canon"
	"github.com/ballastdb/ballast/internal/kv"
	"github.com/ballastdb/ballast/internal/vclock"
)

// Entry is one event as subscribers see it.
type Entry struct {
	SequenceNumber int64             `json:"sequenceNumber"`
	EventType      string            `json:"eventType"`
	Payload        any               `json:"payload"`
	Clock          map[string]uint64 `json:"clock"`
	ProcessID      string            `json:"processId"`
	Timestamp      time.Time         `json:"timestamp"`
	IsReplay       bool              `json:"isReplay"`
}

// Priority orders subscriber dispatch. High runs before Low; registration
// order breaks ties.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Handler receives events. Errors are advisory on live emits and collected
// on replay; handlers must be idempotent with respect to replayed entries.
type Handler func(ctx context.Context, e Entry) error

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

type subscription struct {
	eventType string
	priority  Priority
	order     int
	fn        Handler
}

// Options configures a Log.
type Options struct {
	// ProcessID is the replica identity used in sequence numbering and the
	// vector clock. Empty means a generated unique ID.
	ProcessID string
	// Logger defaults to a no-op logger.
	Logger *slog.Logger
	// Now supplies timestamps; defaults to time.Now. Injected for
	// deterministic tests.
	Now func() time.Time
}

// Log is the event log for one replica. Not safe for concurrent emit; the
// replica's single-writer discipline is assumed, matching the store.
type Log struct {
	db     *kv.DB
	seq    *Seq
	clock  *vclock.Clock
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	subs     []subscription
	nextSub  int
	observed map[string]int64 // peer -> highest seq seen locally
	heads    map[string]int64 // peer -> advertised head
	gaps     map[string]int64 // peer -> allowed lag before replay
}

// Open builds a Log over the durable store and resumes the sequence counter
// from the highest previously persisted entry for this process.
func Open(ctx context.Context, db *kv.DB, opts Options) (*Log, error) {
	if opts.ProcessID == "" {
		opts.ProcessID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	last, err := db.MaxSeq(ctx, opts.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{
		db:       db,
		seq:      NewSeqAt(last),
		clock:    vclock.New(opts.ProcessID),
		logger:   opts.Logger,
		now:      opts.Now,
		observed: make(map[string]int64),
		heads:    make(map[string]int64),
		gaps:     make(map[string]int64),
	}, nil
}

// ProcessID returns the replica identity this log emits under.
func (l *Log) ProcessID() string { return l.clock.ProcessID() }

// Seq exposes the live counter's current position.
func (l *Log) Seq() int64 { return l.seq.Current() }

// Clock returns a snapshot of the current vector clock.
func (l *Log) Clock() map[string]uint64 { return l.clock.Peek() }

// Subscribe registers a handler for eventType (or Wildcard). The returned
// func unsubscribes.
func (l *Log) Subscribe(eventType string, p Priority, fn Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	l.subs = append(l.subs, subscription{eventType: eventType, priority: p, order: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.order == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// EmitOptions tunes a single emit.
type EmitOptions struct {
	// SkipEventLog dispatches to subscribers without a durable append.
	// Used for purely advisory notifications.
	SkipEventLog bool
}

// Emit stamps payload with a fresh sequence number and clock snapshot,
// appends it durably, then dispatches to subscribers. The append happens
// strictly before any subscriber runs. Subscriber errors on a live emit are
// logged, not returned; durability errors fail the emit.
//
// Advisory emits (SkipEventLog) carry no sequence number: numbering them
// would burn numbers the durable high-water mark never sees, and a restart
// would then reissue those numbers to durable events.
func (l *Log) Emit(ctx context.Context, eventType string, payload any, opts EmitOptions) (Entry, error) {
	l.clock.Tick()
	entry := Entry{
		EventType: eventType,
		Payload:   payload,
		Clock:     l.clock.Peek(),
		ProcessID: l.clock.ProcessID(),
		Timestamp: l.now().UTC(),
	}

	if opts.SkipEventLog {
		l.dispatch(ctx, entry, nil)
		return entry, nil
	}

	entry.SequenceNumber = l.seq.Next()
	if err := l.append(ctx, entry); err != nil {
		return Entry{}, err
	}
	l.dispatch(ctx, entry, nil)
	return entry, nil
}

func (l *Log) append(ctx context.Context, e Entry) error {
	payload, err := canon.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", e.EventType, err)
	}
	clock, err := canon.Marshal(clockToAny(e.Clock))
	if err != nil {
		return fmt.Errorf("emit %s: %w", e.EventType, err)
	}
	return l.db.AppendEvent(ctx, kv.EventRow{
		Seq:       e.SequenceNumber,
		ProcessID: e.ProcessID,
		EventType: e.EventType,
		Payload:   string(payload),
		Clock:     string(clock),
		Timestamp: e.Timestamp,
	})
}

// dispatch delivers the entry to matching subscribers, high priority first,
// stable within a priority. When errs is non-nil handler errors are collected
// there; otherwise they are logged and dropped.
func (l *Log) dispatch(ctx context.Context, e Entry, errs *[]error) {
	l.mu.Lock()
	matching := make([]subscription, 0, len(l.subs))
	for _, s := range l.subs {
		if s.eventType == e.EventType || s.eventType == Wildcard {
			matching = append(matching, s)
		}
	}
	l.mu.Unlock()

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].priority > matching[j].priority
	})

	for _, s := range matching {
		if err := s.fn(ctx, e); err != nil {
			if errs != nil {
				*errs = append(*errs, fmt.Errorf("handler for %s at seq %d: %w", e.EventType, e.SequenceNumber, err))
				continue
			}
			l.logger.Warn("event handler failed",
				"eventType", e.EventType,
				"seq", e.SequenceNumber,
				"error", err)
		}
	}
}

// EmitStorageEvent implements the store's notification hook. Storage change
// events are advisory and skip the durable log; persisting them would make
// every Put write twice.
func (l *Log) EmitStorageEvent(ctx context.Context, eventType string, payload map[string]any) {
	if _, err := l.Emit(ctx, eventType, anyMap(payload), EmitOptions{SkipEventLog: true}); err != nil {
		l.logger.Warn("storage event emit failed", "eventType", eventType, "error", err)
	}
}

// ClearEventLog wipes the durable log. The wipe is announced as its own
// event before the delete so subscribers observe it; the announcement itself
// is not persisted. The live counter keeps its position, sequence numbers
// are never reused.
func (l *Log) ClearEventLog(ctx context.Context) error {
	n, err := l.db.CountEvents(ctx)
	if err != nil {
		return fmt.Errorf("clear event log: %w", err)
	}
	if _, err := l.Emit(ctx, "eventlog:cleared", map[string]any{"entries": n}, EmitOptions{SkipEventLog: true}); err != nil {
		return fmt.Errorf("clear event log: %w", err)
	}
	if err := l.db.ClearEvents(ctx); err != nil {
		return fmt.Errorf("clear event log: %w", err)
	}
	return nil
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// clockToAny widens the counter map for canonical serialization.
func clockToAny(clock map[string]uint64) map[string]any {
	out := make(map[string]any, len(clock))
	for id, n := range clock {
		out[id] = n
	}
	return out
}
