// Package vclock implements per-replica vector clocks and versioned cells.
// Clocks give a partial order across replicas; the versioned cell uses that
// order to merge concurrent writes or report a conflict for the caller to
// resolve.
package vclock

import (
	"maps"

	"github.com/google/uuid"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means both clocks are componentwise identical.
	Equal Ordering = iota
	// Before means the local clock causally precedes the remote one.
	Before
	// After means the local clock causally follows the remote one.
	After
	// Concurrent means neither clock dominates.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock is a vector clock: a counter per replica plus the owning process ID.
// Not safe for concurrent use; each replica owns its clock exclusively.
type Clock struct {
	processID string
	counts    map[string]uint64
}

// New creates an empty clock. An empty processID gets a generated unique ID.
func New(processID string) *Clock {
	if processID == "" {
		processID = uuid.NewString()
	}
	return &Clock{processID: processID, counts: make(map[string]uint64)}
}

// FromState rebuilds a clock from a persisted counter map. The map is copied.
func FromState(state map[string]uint64, processID string) *Clock {
	c := New(processID)
	maps.Copy(c.counts, state)
	return c
}

// ProcessID returns the owning replica's ID.
func (c *Clock) ProcessID() string { return c.processID }

// Tick increments the local component and returns its new value.
func (c *Clock) Tick() uint64 {
	c.counts[c.processID]++
	return c.counts[c.processID]
}

// Merge folds a remote clock in componentwise (max of each counter) and then
// ticks, so the merged clock strictly follows both inputs.
func (c *Clock) Merge(remote map[string]uint64) {
	for id, n := range remote {
		if n > c.counts[id] {
			c.counts[id] = n
		}
	}
	c.Tick()
}

// Compare orders the local clock against a remote counter map.
func (c *Clock) Compare(remote map[string]uint64) Ordering {
	var less, greater bool
	for id, n := range c.counts {
		if n > remote[id] {
			greater = true
		} else if n < remote[id] {
			less = true
		}
	}
	for id, n := range remote {
		if _, ok := c.counts[id]; !ok && n > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappenedBefore reports whether the local clock strictly precedes remote.
func (c *Clock) HappenedBefore(remote map[string]uint64) bool {
	return c.Compare(remote) == Before
}

// Sum returns the total of all components, a cheap progress measure.
func (c *Clock) Sum() uint64 {
	var total uint64
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Peek returns a snapshot of the counters without ticking.
func (c *Clock) Peek() map[string]uint64 {
	return maps.Clone(c.counts)
}

// Get returns one replica's component.
func (c *Clock) Get(id string) uint64 { return c.counts[id] }
