package relayq

import (
	"context"
	"sync"
	"time"
)

// queueEntry is a Request plus queue bookkeeping. Among non-terminal
// entries the dedupe key is unique; colliding submissions attach their
// future as an extra waiter instead of spawning a new call.
type queueEntry struct {
	req         *Request
	state       State
	enqueueTime time.Time
	attempt     int
	lastError   error
	futures     []*Future
	abort       context.CancelFunc
}

// RequestQueue holds pending and in-flight requests, enforcing priority
// order, deduplication and the global concurrency limit. All methods are
// safe for concurrent use.
type RequestQueue struct {
	mu       sync.Mutex
	entries  map[string]*queueEntry
	byDedupe map[string]*queueEntry
	pending  [3][]*queueEntry // indexed by Priority, FIFO within a tier
	admitted []*queueEntry    // admission order
	active   int              // admitted + executing
	limit    int
	store    BacklogStore
	gen      uint64 // bumped under mu with every snapshot

	persistMu    sync.Mutex
	persistedGen uint64
}

// NewRequestQueue creates a queue with the given concurrency limit and
// backlog store. store must not be nil; use NoopBacklogStore to disable
// persistence.
func NewRequestQueue(limit int, store BacklogStore) *RequestQueue {
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	if store == nil {
		store = NoopBacklogStore{}
	}
	return &RequestQueue{
		entries:  make(map[string]*queueEntry),
		byDedupe: make(map[string]*queueEntry),
		limit:    limit,
		store:    store,
	}
}

// Enqueue adds a request in Pending state and returns its entry. When a
// non-terminal entry already carries the same dedupe key, future attaches
// to it instead and attached is true. A missing action is rejected
// synchronously; nothing else fails.
func (q *RequestQueue) Enqueue(req *Request, future *Future) (entry *queueEntry, attached bool, err error) {
	if req == nil || req.Action == "" {
		return nil, false, newValidationError("request action is required")
	}

	q.mu.Lock()
	if req.DedupeKey != "" {
		if existing, ok := q.byDedupe[req.DedupeKey]; ok {
			existing.futures = append(existing.futures, future)
			q.mu.Unlock()
			return existing, true, nil
		}
	}

	entry = &queueEntry{
		req:         req,
		state:       StatePending,
		enqueueTime: time.Now(),
		futures:     []*Future{future},
	}
	q.entries[req.ID] = entry
	if req.DedupeKey != "" {
		q.byDedupe[req.DedupeKey] = entry
	}
	tier := priorityTier(req.Priority)
	q.pending[tier] = append(q.pending[tier], entry)
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snapshot, gen)
	return entry, false, nil
}

// AdmitNext promotes the highest-priority, oldest Pending entry to
// Admitted if a concurrency slot is free. It returns nil when nothing can
// be admitted.
func (q *RequestQueue) AdmitNext() *queueEntry {
	q.mu.Lock()
	if q.active >= q.limit {
		q.mu.Unlock()
		return nil
	}

	var entry *queueEntry
	for tier := int(PriorityHigh); tier >= int(PriorityLow); tier-- {
		if len(q.pending[tier]) > 0 {
			entry = q.pending[tier][0]
			q.pending[tier] = q.pending[tier][1:]
			break
		}
	}
	if entry == nil {
		q.mu.Unlock()
		return nil
	}

	entry.state = StateAdmitted
	q.admitted = append(q.admitted, entry)
	q.active++
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snapshot, gen)
	return entry
}

// MarkExecuting transitions an Admitted entry to Executing, recording the
// abort function used for cooperative cancellation. It reports false when
// the entry was cancelled between admission and dispatch.
func (q *RequestQueue) MarkExecuting(entry *queueEntry, abort context.CancelFunc) bool {
	q.mu.Lock()
	if entry.state != StateAdmitted {
		q.mu.Unlock()
		return false
	}
	entry.state = StateExecuting
	entry.abort = abort
	q.admitted = removeEntry(q.admitted, entry)
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snapshot, gen)
	return true
}

// Complete moves an entry to its terminal state, frees its concurrency
// slot and resolves every attached future exactly once.
func (q *RequestQueue) Complete(entry *queueEntry, resp *Response, err error) {
	terminal := StateSucceeded
	if err != nil {
		terminal = StateFailed
		if Classify(err) == ClassCancelled {
			terminal = StateCancelled
		}
	}

	q.mu.Lock()
	if entry.state.Terminal() {
		q.mu.Unlock()
		return
	}
	wasCounted := entry.state == StateAdmitted || entry.state == StateExecuting
	if entry.state == StateAdmitted {
		q.admitted = removeEntry(q.admitted, entry)
	}
	entry.state = terminal
	entry.lastError = err
	entry.abort = nil
	if wasCounted {
		q.active--
	}
	q.forgetLocked(entry)
	futures := entry.futures
	entry.futures = nil
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	for _, f := range futures {
		f.complete(resp, err)
	}
	q.persist(snapshot, gen)
}

// Cancel looks up an entry by request id and cancels it. Unknown ids
// return ErrUnknownRequest.
func (q *RequestQueue) Cancel(id string) (cancelled bool, err error) {
	entry, ok := q.lookup(id)
	if !ok {
		return false, ErrUnknownRequest
	}
	return q.CancelEntry(entry, false), nil
}

// lookup returns the live entry for a request id. Terminal entries are
// forgotten, so they never resolve.
func (q *RequestQueue) lookup(id string) (*queueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	return entry, ok
}

// DetachWaiter removes one waiter future from an entry that still has
// others, resolving it as cancelled while the shared request keeps running
// for the remaining waiters. It reports false when f is the entry's only
// waiter or is not attached; the caller then decides whether to cancel the
// entry itself.
func (q *RequestQueue) DetachWaiter(entry *queueEntry, f *Future) bool {
	q.mu.Lock()
	if entry.state.Terminal() || len(entry.futures) <= 1 {
		q.mu.Unlock()
		return false
	}
	for i, w := range entry.futures {
		if w == f {
			entry.futures = append(entry.futures[:i], entry.futures[i+1:]...)
			q.mu.Unlock()
			f.complete(nil, cancelError(entry.req))
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// CancelEntry transitions a Pending or Admitted entry to Cancelled
// immediately and reports true. For an Executing entry it requests a
// cooperative abort (unless unstartedOnly) and reports false; the entry
// reaches Cancelled once the in-flight call observes the abort.
// Cancelling a terminal entry is a no-op.
func (q *RequestQueue) CancelEntry(entry *queueEntry, unstartedOnly bool) bool {
	q.mu.Lock()

	switch entry.state {
	case StatePending:
		tier := priorityTier(entry.req.Priority)
		q.pending[tier] = removeEntry(q.pending[tier], entry)
		q.finishCancelLocked(entry, false)
		return true
	case StateAdmitted:
		q.finishCancelLocked(entry, true)
		return true
	case StateExecuting:
		abort := entry.abort
		q.mu.Unlock()
		if !unstartedOnly && abort != nil {
			abort()
		}
		return false
	default: // already terminal
		q.mu.Unlock()
		return false
	}
}

// finishCancelLocked completes the cancellation of a not-yet-executing
// entry. It unlocks q.mu.
func (q *RequestQueue) finishCancelLocked(entry *queueEntry, counted bool) {
	if entry.state == StateAdmitted {
		q.admitted = removeEntry(q.admitted, entry)
	}
	entry.state = StateCancelled
	if counted {
		q.active--
	}
	q.forgetLocked(entry)
	futures := entry.futures
	entry.futures = nil
	snapshot, gen := q.snapshotLocked()
	q.mu.Unlock()

	cancelErr := cancelError(entry.req)
	for _, f := range futures {
		f.complete(nil, cancelErr)
	}
	q.persist(snapshot, gen)
}

func cancelError(req *Request) *Error {
	return &Error{
		Type:      ErrorTypeCancelled,
		Message:   "request cancelled",
		Cause:     ErrCancelled,
		RequestID: req.ID,
		Action:    req.Action,
		Timestamp: time.Now(),
	}
}

// Restore re-enqueues a persisted backlog in its original priority and
// FIFO order. Restored entries are Pending; admission stays subject to the
// concurrency limit. Waiters of restored requests are gone, so each entry
// gets a fresh unobserved future.
func (q *RequestQueue) Restore(items []BacklogItem, build func(BacklogItem) *Request) {
	for _, item := range items {
		req := build(item)
		if req == nil || req.Action == "" {
			continue
		}
		_, _, _ = q.Enqueue(req, newFuture())
	}
}

// Depth returns the number of Pending entries.
func (q *RequestQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[0]) + len(q.pending[1]) + len(q.pending[2])
}

// InFlight returns the number of Admitted and Executing entries.
func (q *RequestQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// SetLimit changes the concurrency limit. Lowering it never preempts
// in-flight work; the new limit applies as slots free up.
func (q *RequestQueue) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = limit
}

// Limit returns the current concurrency limit.
func (q *RequestQueue) Limit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// forgetLocked removes a terminal entry from the lookup tables so its
// dedupe key is reusable immediately.
func (q *RequestQueue) forgetLocked(entry *queueEntry) {
	delete(q.entries, entry.req.ID)
	if entry.req.DedupeKey != "" && q.byDedupe[entry.req.DedupeKey] == entry {
		delete(q.byDedupe, entry.req.DedupeKey)
	}
}

// snapshotLocked copies the unexecuted backlog while q.mu is held, so the
// durable write never observes a torn state. Within each priority tier,
// Admitted entries come first in admission order followed by Pending
// entries in FIFO order, which is the order they would dispatch in on
// restore. Executing entries cannot resume and are excluded. The returned
// generation orders this snapshot against concurrent ones.
func (q *RequestQueue) snapshotLocked() ([]BacklogItem, uint64) {
	var items []BacklogItem
	for tier := int(PriorityHigh); tier >= int(PriorityLow); tier-- {
		for _, entry := range q.admitted {
			if priorityTier(entry.req.Priority) == tier {
				items = append(items, backlogItem(entry.req))
			}
		}
		for _, entry := range q.pending[tier] {
			items = append(items, backlogItem(entry.req))
		}
	}
	q.gen++
	return items, q.gen
}

// persist writes a snapshot to the store. Writes are serialized and a
// snapshot older than one already written is dropped, so a stalled Save
// can never overwrite a newer backlog with a stale one.
func (q *RequestQueue) persist(items []BacklogItem, gen uint64) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if gen <= q.persistedGen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.Save(ctx, items); err == nil {
		q.persistedGen = gen
	}
}

func backlogItem(req *Request) BacklogItem {
	return BacklogItem{
		Action:    req.Action,
		Payload:   req.Payload,
		Priority:  req.Priority,
		DedupeKey: req.DedupeKey,
		CreatedAt: req.CreatedAt,
	}
}

func priorityTier(p Priority) int {
	if p < PriorityLow || p > PriorityHigh {
		return int(PriorityNormal)
	}
	return int(p)
}

func removeEntry(entries []*queueEntry, target *queueEntry) []*queueEntry {
	for i, e := range entries {
		if e == target {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
