package eventlog

import "sync/atomic"

// Seq is the monotonic sequence counter for live emits.
//
// Every live event is stamped with a strictly increasing number from this
// counter. Replay never touches it, so a replayed history can be delivered
// any number of times without perturbing the live stream.
//
// Thread-safety: Seq is safe for concurrent use (atomic operations), though
// the log's single-writer design means only one goroutine typically calls
// Next().
type Seq struct {
	n atomic.Int64
}

// NewSeq creates a counter starting at 0.
func NewSeq() *Seq {
	return &Seq{}
}

// NewSeqAt creates a counter resuming from a specific sequence number.
// Used on open to continue past the durable high-water mark, so restarts
// never reuse a sequence number.
func NewSeqAt(start int64) *Seq {
	s := &Seq{}
	s.n.Store(start)
	return s
}

// Next returns the next sequence number and increments the counter.
func (s *Seq) Next() int64 {
	return s.n.Add(1)
}

// Current returns the current sequence number without incrementing.
func (s *Seq) Current() int64 {
	return s.n.Load()
}
