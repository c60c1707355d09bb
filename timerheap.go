package xnet

import "container/heap"

// TimerEntry is one scheduled timeout: fire OnTimeout(ID) once Expire (in
// milliseconds, on the Reactor's own clock) has passed.
//
// The same ID may appear more than once in the heap; TimerHeap never
// deduplicates, and a Reactor firing two entries sharing an ID simply
// invokes OnTimeout twice.
type TimerEntry struct {
	ID     int32
	Expire uint64
	seq    uint64 // insertion sequence, breaks ties in Expire order
}

// timerHeap is a binary min-heap of TimerEntry ordered by Expire, with
// insertion order as a tiebreaker, implementing container/heap.Interface.
type timerHeap struct {
	entries []TimerEntry
	nextSeq uint64
}

func (h *timerHeap) Len() int { return len(h.entries) }

func (h *timerHeap) Less(i, j int) bool {
	if h.entries[i].Expire != h.entries[j].Expire {
		return h.entries[i].Expire < h.entries[j].Expire
	}
	return h.entries[i].seq < h.entries[j].seq
}

func (h *timerHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *timerHeap) Push(x any) { h.entries = append(h.entries, x.(TimerEntry)) }

func (h *timerHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

// TimerHeap schedules and fires TimerEntry values in Expire order. It is
// not safe for concurrent use; it is owned exclusively by the Reactor
// goroutine.
type TimerHeap struct {
	h timerHeap
}

// NewTimerHeap constructs an empty TimerHeap.
func NewTimerHeap() *TimerHeap {
	return &TimerHeap{}
}

// Push schedules id to fire at expire (milliseconds).
func (t *TimerHeap) Push(id int32, expire uint64) {
	t.h.nextSeq++
	heap.Push(&t.h, TimerEntry{ID: id, Expire: expire, seq: t.h.nextSeq})
}

// Top returns the earliest-expiring entry without removing it.
func (t *TimerHeap) Top() (TimerEntry, bool) {
	if len(t.h.entries) == 0 {
		return TimerEntry{}, false
	}
	return t.h.entries[0], true
}

// Pop removes and returns the earliest-expiring entry.
func (t *TimerHeap) Pop() (TimerEntry, bool) {
	if len(t.h.entries) == 0 {
		return TimerEntry{}, false
	}
	return heap.Pop(&t.h).(TimerEntry), true
}

// Len returns the number of pending entries.
func (t *TimerHeap) Len() int { return len(t.h.entries) }
