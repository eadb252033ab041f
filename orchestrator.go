package relayq

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3n3sx/relayq/internal/backoff"
)

const (
	defaultMaxConcurrent  = 5
	defaultRequestTimeout = 10 * time.Second
)

// Orchestrator is the façade callers submit requests through. It assigns
// request metadata, drives queue admission, executes admitted entries via
// the retry engine and records metrics plus a bounded history. It is safe
// for concurrent use.
type Orchestrator struct {
	transport Transport
	tokens    TokenSource
	store     BacklogStore
	metrics   *MetricsCollector
	logger    Logger
	debug     *DebugConfig

	maxConcurrent    int
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	jitterFactor     float64
	backoffStrategy  backoff.Strategy
	circuitThreshold int
	circuitCooldown  time.Duration
	defaultTimeout   time.Duration
	maxHistorySize   int

	mu      sync.Mutex
	queue   *RequestQueue
	engine  *RetryEngine
	history *HistoryRing
	closed  bool

	validationError error
}

// Handle identifies a submitted request. Waiters observe completion
// through the embedded future; Cancel is idempotent.
type Handle struct {
	ID     string
	future *Future
	entry  *queueEntry
	orch   *Orchestrator
}

// Wait blocks until the request reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Response, error) {
	return h.future.Wait(ctx)
}

// Done returns a channel closed when the request is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.future.Done()
}

// Cancel requests cancellation; see Orchestrator.Cancel.
func (h *Handle) Cancel() {
	h.orch.Cancel(h)
}

// New constructs an Orchestrator from functional options. Configuration is
// validated best effort; call IsValid / ValidationError for the result. A
// persisted backlog, when present, is restored and dispatch resumes
// immediately, still subject to the concurrency limit.
func New(options ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          NoopBacklogStore{},
		debug:          DefaultDebugConfig(),
		maxConcurrent:  defaultMaxConcurrent,
		maxRetries:     defaultMaxRetries,
		baseDelay:      defaultBaseDelay,
		maxDelay:       defaultMaxDelay,
		jitterFactor:   defaultJitter,
		defaultTimeout: defaultRequestTimeout,
		maxHistorySize: defaultMaxHistory,
	}

	for _, option := range options {
		option(o)
	}

	if err := o.ValidateConfiguration(); err != nil {
		o.validationError = err
	}

	o.queue = NewRequestQueue(o.maxConcurrent, o.store)
	o.history = NewHistoryRing(o.maxHistorySize)
	o.engine = o.buildEngine()

	o.restoreBacklog()
	return o
}

func (o *Orchestrator) buildEngine() *RetryEngine {
	return NewRetryEngine(RetryEngineConfig{
		MaxRetries: o.maxRetries,
		BaseDelay:  o.baseDelay,
		MaxDelay:   o.maxDelay,
		Jitter:     o.jitterFactor,
		Strategy:   o.backoffStrategy,
		Breaker: CircuitBreakerConfig{
			FailureThreshold: o.circuitThreshold,
			Cooldown:         o.circuitCooldown,
		},
		Tokens:  o.tokens,
		Metrics: o.metrics,
		Logger:  o.logger,
		Debug:   o.debug,
	})
}

func (o *Orchestrator) restoreBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	items, err := o.store.Load(ctx)
	if err != nil {
		if o.logger != nil {
			o.logger.Error("backlog restore failed", "error", err)
		}
		return
	}
	if len(items) == 0 {
		return
	}

	o.queue.Restore(items, func(item BacklogItem) *Request {
		return &Request{
			ID:         uuid.NewString(),
			Action:     item.Action,
			Payload:    item.Payload,
			Priority:   item.Priority,
			CreatedAt:  item.CreatedAt,
			DedupeKey:  item.DedupeKey,
			Timeout:    o.defaultTimeout,
			MaxRetries: o.maxRetries,
		}
	})
	if debugOn(o.debug, o.logger, o.debug.LogQueue) {
		o.logger.Info("restored persisted backlog", "entries", len(items))
	}
	if o.transport != nil {
		o.pump()
	}
}

// Submit enqueues one logical request and returns a handle resolving when
// it reaches a terminal state. A submission colliding with a non-terminal
// dedupe key attaches to the in-flight request instead of issuing a new
// call. Malformed submissions fail synchronously with a validation error.
func (o *Orchestrator) Submit(action string, payload map[string]any, options ...SubmitOption) (*Handle, error) {
	o.mu.Lock()
	closed := o.closed
	invalid := o.validationError
	timeout := o.defaultTimeout
	maxRetries := o.maxRetries
	metrics := o.metrics
	logger := o.logger
	debug := o.debug
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if invalid != nil {
		return nil, invalid
	}
	if action == "" {
		return nil, newValidationError("action is required")
	}

	req := &Request{
		ID:         requestID(debug),
		Action:     action,
		Payload:    payload,
		Priority:   PriorityNormal,
		CreatedAt:  time.Now(),
		Timeout:    timeout,
		MaxRetries: maxRetries,
	}
	for _, option := range options {
		option(req)
	}
	if req.DedupeKey == "" {
		req.DedupeKey = DedupeKey(action, payload)
	}

	future := newFuture()
	entry, attached, err := o.queue.Enqueue(req, future)
	if err != nil {
		return nil, err
	}

	if attached {
		metrics.RecordDedupeHit(action)
		if debugOn(debug, logger, debug.LogDedupe) {
			logger.Debug("submission coalesced onto in-flight request", "action", action, "dedupeKey", req.DedupeKey)
		}
		return &Handle{ID: entry.req.ID, future: future, entry: entry, orch: o}, nil
	}

	if debugOn(debug, logger, debug.LogRequests) {
		logger.Debug("request enqueued", "requestID", req.ID, "action", action, "priority", req.Priority.String())
	}
	metrics.RecordGauges(o.queue.Depth(), o.queue.InFlight())
	o.pump()

	return &Handle{ID: req.ID, future: future, entry: entry, orch: o}, nil
}

// Do submits and waits in one call.
func (o *Orchestrator) Do(ctx context.Context, action string, payload map[string]any, options ...SubmitOption) (*Response, error) {
	handle, err := o.Submit(action, payload, options...)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// Cancel requests cancellation of a submitted request. A handle that
// coalesced onto an in-flight request detaches alone: only its waiter
// resolves as cancelled and the shared request keeps running for the
// others. Otherwise pending and admitted requests cancel immediately; an
// executing request only gets a cooperative abort and resolves once the
// in-flight call observes it. Cancelling an already terminal request is a
// no-op.
func (o *Orchestrator) Cancel(h *Handle) {
	if h == nil || h.entry == nil {
		return
	}
	if h.future != nil && h.future.Completed() {
		return
	}
	if h.future != nil && o.queue.DetachWaiter(h.entry, h.future) {
		return
	}
	if o.queue.CancelEntry(h.entry, false) {
		o.recordOutcome(h.entry.req, OutcomeCancelled, ErrorTypeCancelled, h.entry.req.CreatedAt, 0)
		o.pump()
	}
}

// CancelID cancels by request id; unknown ids return ErrUnknownRequest.
func (o *Orchestrator) CancelID(id string) error {
	entry, ok := o.queue.lookup(id)
	if !ok {
		return ErrUnknownRequest
	}
	if o.queue.CancelEntry(entry, false) {
		o.recordOutcome(entry.req, OutcomeCancelled, ErrorTypeCancelled, entry.req.CreatedAt, 0)
		o.pump()
	}
	return nil
}

// pump admits pending entries while slots are free and dispatches each on
// its own goroutine. The queue enforces the concurrency limit; pump merely
// drains what it allows.
func (o *Orchestrator) pump() {
	for {
		entry := o.queue.AdmitNext()
		if entry == nil {
			return
		}
		go o.dispatch(entry)
	}
}

func (o *Orchestrator) dispatch(entry *queueEntry) {
	ctx, abort := context.WithCancel(context.Background())
	defer abort()

	if !o.queue.MarkExecuting(entry, abort) {
		// Cancelled between admission and dispatch; the queue already
		// resolved the waiters and freed the slot.
		o.pump()
		return
	}

	o.mu.Lock()
	engine := o.engine
	transport := o.transport
	metrics := o.metrics
	logger := o.logger
	debug := o.debug
	o.mu.Unlock()

	start := time.Now()
	resp, attempts, err := engine.Execute(ctx, entry.req, transport)
	duration := time.Since(start)

	entry.attempt = attempts
	o.queue.Complete(entry, resp, err)

	outcome := OutcomeSuccess
	errType := ""
	if err != nil {
		outcome = OutcomeFailure
		errType = errorType(err)
		if Classify(err) == ClassCancelled {
			outcome = OutcomeCancelled
		}
	}
	o.ring().Append(HistoryEntry{
		RequestID: entry.req.ID,
		Action:    entry.req.Action,
		Outcome:   outcome,
		StartedAt: start,
		Duration:  duration,
		Attempt:   attempts,
		ErrorType: errType,
	})
	metrics.RecordRequest(entry.req.Action, outcome, duration)
	metrics.RecordGauges(o.queue.Depth(), o.queue.InFlight())

	if debugOn(debug, logger, debug.LogRequests) {
		logger.Debug("request finished", "requestID", entry.req.ID, "action", entry.req.Action, "outcome", string(outcome), "attempts", attempts, "duration", duration)
	}

	o.pump()
}

// recordOutcome appends a history entry for requests that never executed.
func (o *Orchestrator) recordOutcome(req *Request, outcome Outcome, errType string, startedAt time.Time, duration time.Duration) {
	o.mu.Lock()
	metrics := o.metrics
	o.mu.Unlock()

	o.ring().Append(HistoryEntry{
		RequestID: req.ID,
		Action:    req.Action,
		Outcome:   outcome,
		StartedAt: startedAt,
		Duration:  duration,
		ErrorType: errType,
	})
	metrics.RecordRequest(req.Action, outcome, duration)
	metrics.RecordGauges(o.queue.Depth(), o.queue.InFlight())
}

// GetMetrics derives an aggregate snapshot from the history ring and live
// queue gauges.
func (o *Orchestrator) GetMetrics() MetricsSnapshot {
	return o.ring().snapshot(o.queue.Depth(), o.queue.InFlight())
}

// GetHistory returns retained history entries, oldest first, narrowed by
// filter.
func (o *Orchestrator) GetHistory(filter HistoryFilter) []HistoryEntry {
	return o.ring().Entries(filter)
}

// Configure applies options to a running orchestrator. Retry, backoff and
// circuit settings rebuild the engine (existing breaker state resets); the
// concurrency limit applies as slots free; history resizes preserving the
// newest entries.
func (o *Orchestrator) Configure(options ...Option) error {
	o.mu.Lock()
	for _, option := range options {
		option(o)
	}
	err := o.ValidateConfiguration()
	if err != nil {
		o.validationError = err
		o.mu.Unlock()
		return err
	}
	o.validationError = nil
	o.engine = o.buildEngine()

	if o.maxHistorySize != o.historyCapacityLocked() {
		resized := NewHistoryRing(o.maxHistorySize)
		for _, entry := range o.history.Entries(HistoryFilter{}) {
			resized.Append(entry)
		}
		o.history = resized
	}
	limit := o.maxConcurrent
	o.mu.Unlock()

	o.queue.SetLimit(limit)
	o.pump()
	return nil
}

func (o *Orchestrator) historyCapacityLocked() int {
	return len(o.history.entries)
}

// ring returns the current history buffer; Configure may swap it.
func (o *Orchestrator) ring() *HistoryRing {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history
}

// Close stops accepting new submissions. In-flight requests run to
// completion; pending entries stay persisted for the next start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// IsValid reports whether configuration validation passed.
func (o *Orchestrator) IsValid() bool {
	return o.ValidationError() == nil
}

// ValidationError returns the configuration validation error, if any.
func (o *Orchestrator) ValidationError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.validationError
}

func requestID(debug *DebugConfig) string {
	if debug != nil && debug.RequestIDGen != nil {
		return debug.RequestIDGen()
	}
	return uuid.NewString()
}

func debugOn(debug *DebugConfig, logger Logger, area bool) bool {
	return debug != nil && debug.Enabled && area && logger != nil
}

// DedupeKey derives the identity used to coalesce logically identical
// concurrent requests: the action plus an FNV-1a hash of the payload's
// canonical JSON form.
func DedupeKey(action string, payload map[string]any) string {
	h := fnv.New64a()
	h.Write([]byte(action))
	if len(payload) > 0 {
		// json.Marshal sorts map keys, so equal payloads hash equally.
		if data, err := json.Marshal(payload); err == nil {
			h.Write(data)
		}
	}
	return fmt.Sprintf("%s:%x", action, h.Sum64())
}
