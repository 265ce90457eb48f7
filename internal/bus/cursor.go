package bus

import "sync"

const defaultMaxPending = 256

// Cursor is the consumer side of the sequencing contract. It releases
// each run's events strictly in sequence order, drops duplicates and
// events at or below the last applied sequence, and holds early events
// until the gap before them fills.
//
// If more than maxPending events are held for one run the gap is
// treated as lost and the cursor skips ahead to the oldest held event.
type Cursor struct {
	mu         sync.Mutex
	last       map[string]uint64
	pending    map[string]map[uint64]Event
	maxPending int
}

// NewCursor returns an empty Cursor.
func NewCursor() *Cursor {
	return &Cursor{
		last:       make(map[string]uint64),
		pending:    make(map[string]map[uint64]Event),
		maxPending: defaultMaxPending,
	}
}

// Resume marks every event of runID up to and including seq as applied.
func (c *Cursor) Resume(runID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.last[runID] {
		c.last[runID] = seq
	}
}

// Last returns the highest sequence applied for runID.
func (c *Cursor) Last(runID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[runID]
}

// Accept offers an event and returns the events now ready to apply, in
// order. The result is empty for duplicates, stale events, and events
// waiting on a gap.
func (c *Cursor) Accept(ev Event) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.last[ev.RunID]
	if ev.Seq <= last {
		return nil
	}
	held := c.pending[ev.RunID]
	if held == nil {
		held = make(map[uint64]Event)
		c.pending[ev.RunID] = held
	}
	if _, dup := held[ev.Seq]; dup {
		return nil
	}
	held[ev.Seq] = ev

	if ev.Seq != last+1 && len(held) > c.maxPending {
		last = oldest(held) - 1
	}

	var ready []Event
	for {
		next, ok := held[last+1]
		if !ok {
			break
		}
		delete(held, last+1)
		ready = append(ready, next)
		last++
	}
	c.last[ev.RunID] = last
	if len(held) == 0 {
		delete(c.pending, ev.RunID)
	}
	return ready
}

func oldest(held map[uint64]Event) uint64 {
	var min uint64
	for seq := range held {
		if min == 0 || seq < min {
			min = seq
		}
	}
	return min
}
