package relayq

import (
	"sync"
	"time"
)

const defaultMaxHistory = 200

// HistoryRing is a fixed-capacity FIFO buffer of finished requests. Once
// full, inserting evicts the oldest entry.
type HistoryRing struct {
	mu      sync.Mutex
	entries []HistoryEntry
	head    int
	size    int
}

// NewHistoryRing creates a ring holding at most capacity entries.
func NewHistoryRing(capacity int) *HistoryRing {
	if capacity <= 0 {
		capacity = defaultMaxHistory
	}
	return &HistoryRing{entries: make([]HistoryEntry, capacity)}
}

// Append records a finished request, evicting the oldest entry when full.
func (h *HistoryRing) Append(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.head + h.size) % len(h.entries)
	h.entries[idx] = entry
	if h.size < len(h.entries) {
		h.size++
	} else {
		h.head = (h.head + 1) % len(h.entries)
	}
}

// Len returns the number of retained entries.
func (h *HistoryRing) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// HistoryFilter narrows the entries returned by Entries. Zero fields match
// everything.
type HistoryFilter struct {
	Action  string
	Outcome Outcome
	Since   time.Time
	Until   time.Time
}

func (f HistoryFilter) matches(entry HistoryEntry) bool {
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Outcome != "" && entry.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && entry.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.StartedAt.After(f.Until) {
		return false
	}
	return true
}

// Entries returns retained entries in insertion order, oldest first,
// filtered by f.
func (h *HistoryRing) Entries(f HistoryFilter) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistoryEntry, 0, h.size)
	for i := 0; i < h.size; i++ {
		entry := h.entries[(h.head+i)%len(h.entries)]
		if f.matches(entry) {
			out = append(out, entry)
		}
	}
	return out
}

// MetricsSnapshot aggregates the retained history plus live queue gauges.
// Derived on demand; never stored.
type MetricsSnapshot struct {
	Successes      int
	Failures       int
	FailuresByType map[string]int
	Cancelled      int
	MinLatency     time.Duration
	MaxLatency     time.Duration
	AvgLatency     time.Duration
	QueueDepth     int
	InFlight       int
}

// snapshot computes aggregates over the retained entries; depth and
// inFlight are sampled by the caller.
func (h *HistoryRing) snapshot(depth, inFlight int) MetricsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := MetricsSnapshot{
		FailuresByType: make(map[string]int),
		QueueDepth:     depth,
		InFlight:       inFlight,
	}

	var total time.Duration
	var counted int
	for i := 0; i < h.size; i++ {
		entry := h.entries[(h.head+i)%len(h.entries)]
		switch entry.Outcome {
		case OutcomeSuccess:
			snap.Successes++
		case OutcomeCancelled:
			snap.Cancelled++
		default:
			snap.Failures++
			snap.FailuresByType[entry.ErrorType]++
		}

		if entry.Duration > 0 {
			if counted == 0 || entry.Duration < snap.MinLatency {
				snap.MinLatency = entry.Duration
			}
			if entry.Duration > snap.MaxLatency {
				snap.MaxLatency = entry.Duration
			}
			total += entry.Duration
			counted++
		}
	}
	if counted > 0 {
		snap.AvgLatency = total / time.Duration(counted)
	}
	return snap
}
