package eventlog

// Watermark returns the highest sequence number observed locally from peer,
// or 0 when the peer has never been seen.
func (l *Log) Watermark(peer string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observed[peer]
}

// ObservePeer records that peer's entries up to seq have been seen locally.
// Watermarks only move forward.
func (l *Log) ObservePeer(peer string, seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.observed[peer] {
		l.observed[peer] = seq
	}
}

// Advertise records a peer's announced head sequence and the lag it
// tolerates before a replay is required. A gap of 0 means any lag triggers
// replay.
func (l *Log) Advertise(peer string, head, allowedGap int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if head > l.heads[peer] {
		l.heads[peer] = head
	}
	l.gaps[peer] = allowedGap
}

// NeedsReplay reports whether any peer's advertised head exceeds the local
// watermark by more than that peer's allowed gap. A true result means the
// caller must replay or request a snapshot; proceeding silently would drop
// the peer's events.
func (l *Log) NeedsReplay() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for peer, head := range l.heads {
		if head-l.observed[peer] > l.gaps[peer] {
			return true
		}
	}
	return false
}
