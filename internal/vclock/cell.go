package vclock

import "time"

// Cell is a versioned value: data plus the clock that produced it. Created on
// first write; creation does not tick, the first Update does.
type Cell struct {
	Data      any
	Clock     *Clock
	Timestamp int64
}

// NewCell builds a cell owned by processID with initial data.
func NewCell(data any, processID string) *Cell {
	return &Cell{
		Data:      data,
		Clock:     New(processID),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Update replaces the data and advances the clock.
func (c *Cell) Update(data any) {
	c.Data = data
	c.Timestamp = time.Now().UnixMilli()
	c.Clock.Tick()
}

// MergeResult reports the outcome of MergeWith. On a conflict Winner is nil
// and Ours/Theirs carry both candidate values.
type MergeResult struct {
	Winner   *Cell
	Conflict bool
	Ours     any
	Theirs   any
}

// MergeWith reconciles the cell against a peer's copy.
//
// A nil peer or a peer without a clock loses outright. Causal dominance picks
// a winner and the loser adopts the winner's data and timestamp. When the
// clocks are concurrent the result is a conflict: data is left untouched for
// the caller to resolve, but the clocks still merge so later writes are
// totally ordered against this point.
func (c *Cell) MergeWith(other *Cell) MergeResult {
	if other == nil || other.Clock == nil {
		return MergeResult{Winner: c}
	}

	switch c.Clock.Compare(other.Clock.Peek()) {
	case After, Equal:
		return MergeResult{Winner: c}
	case Before:
		c.Data = other.Data
		c.Timestamp = other.Timestamp
		c.Clock.Merge(other.Clock.Peek())
		return MergeResult{Winner: other}
	default:
		res := MergeResult{Conflict: true, Ours: c.Data, Theirs: other.Data}
		c.Clock.Merge(other.Clock.Peek())
		return res
	}
}
