package reconstruct

import (
	"sort"

	"github.com/logflow/logrecon/internal/model"
)

// Queue holds entries that arrived before their predecessor was written.
// It is owned by a single Reconstructor and is not safe for concurrent use.
type Queue struct {
	entries map[uint64]model.LogEntry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[uint64]model.LogEntry)}
}

// Push adds an entry. An entry with the same sequence replaces the old one.
func (q *Queue) Push(e model.LogEntry) {
	q.entries[e.Sequence] = e
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Min returns the lowest queued sequence number.
func (q *Queue) Min() (uint64, bool) {
	var min uint64
	found := false
	for seq := range q.entries {
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}

// Trim deletes every entry with a sequence below the given value.
func (q *Queue) Trim(below uint64) int {
	removed := 0
	for seq := range q.entries {
		if seq < below {
			delete(q.entries, seq)
			removed++
		}
	}
	return removed
}

// Take removes and returns the entry with the given sequence.
func (q *Queue) Take(seq uint64) (model.LogEntry, bool) {
	e, ok := q.entries[seq]
	if ok {
		delete(q.entries, seq)
	}
	return e, ok
}

// Drain emits the contiguous run that starts at next.
//
// Entries older than next are trimmed first and counted as stale. Emitting
// in order keeps the queue free of older entries, so one trim per drain is
// enough. Draining stops at the first gap. The returned value is the sequence
// wanted after the last entry emit accepted.
func (q *Queue) Drain(next uint64, emit func(model.LogEntry) error) (uint64, int, error) {
	stale := q.Trim(next)
	for {
		e, ok := q.entries[next]
		if !ok {
			return next, stale, nil
		}
		if err := emit(e); err != nil {
			return next, stale, err
		}
		delete(q.entries, next)
		next++
	}
}

// Snapshot returns the queued entries in sequence order.
func (q *Queue) Snapshot() []model.LogEntry {
	out := make([]model.LogEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
