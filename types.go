package relayq

import (
	"context"
	"errors"
	"time"
)

// Priority orders pending requests; higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the lowercase name of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// State tracks a request through its lifecycle. Succeeded, Failed and
// Cancelled are terminal.
type State int

const (
	StatePending State = iota
	StateAdmitted
	StateExecuting
	StateSucceeded
	StateFailed
	StateCancelled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAdmitted:
		return "admitted"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Request is a logical call to the settings backend. The queue owns it
// end-to-end; ownership passes briefly to the Transport during execution.
type Request struct {
	ID         string
	Action     string
	Payload    map[string]any
	Priority   Priority
	CreatedAt  time.Time
	DedupeKey  string
	Timeout    time.Duration
	MaxRetries int
}

// Response is the parsed success envelope returned by the backend.
type Response struct {
	Data       map[string]any
	StatusCode int
}

// Transport executes exactly one network exchange. It never retries or
// queues, honors ctx for cooperative cancellation and per-call timeout,
// and normalizes every failure into an *Error of type Network, Timeout
// or HTTP so classification downstream stays a total function.
type Transport interface {
	Call(ctx context.Context, action string, payload map[string]any) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, action string, payload map[string]any) (*Response, error)

func (f TransportFunc) Call(ctx context.Context, action string, payload map[string]any) (*Response, error) {
	return f(ctx, action, payload)
}

// TokenSource supplies and refreshes the opaque session token carried on
// every exchange. Refresh is invoked at most once per auth-expired failure.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource carries a fixed credential with no refresh capability;
// an auth-expired failure escalates immediately instead of retrying.
type StaticTokenSource string

func (s StaticTokenSource) Token() string { return string(s) }

func (s StaticTokenSource) Refresh(context.Context) (string, error) {
	return "", errors.New("relayq: static token cannot be refreshed")
}

// BacklogItem is one unexecuted request as persisted by a BacklogStore.
type BacklogItem struct {
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  Priority       `json:"priority"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// BacklogStore durably persists the queue's unexecuted backlog. Save
// replaces the previous snapshot wholesale; Load returns nil when no
// snapshot exists.
type BacklogStore interface {
	Save(ctx context.Context, items []BacklogItem) error
	Load(ctx context.Context) ([]BacklogItem, error)
}

// CircuitState represents the state of a per-action circuit breaker.
type CircuitState int

const (
	StateCircuitClosed CircuitState = iota
	StateCircuitOpen
	StateCircuitHalfOpen
)

// String returns the conventional breaker state name.
func (s CircuitState) String() string {
	switch s {
	case StateCircuitOpen:
		return "open"
	case StateCircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Outcome labels a finished request in history and metrics.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// HistoryEntry records one finished request for diagnostics. Entries
// outlive their Request in a bounded ring buffer.
type HistoryEntry struct {
	RequestID string
	Action    string
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
	Attempt   int
	ErrorType string
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// SubmitOption overrides per-request defaults at submission time.
type SubmitOption func(*Request)

// WithPriority sets the request's priority tier.
func WithPriority(p Priority) SubmitOption {
	return func(r *Request) {
		r.Priority = p
	}
}

// WithRequestTimeout overrides the per-call timeout for this request.
func WithRequestTimeout(d time.Duration) SubmitOption {
	return func(r *Request) {
		r.Timeout = d
	}
}

// WithRequestRetries overrides the retry budget for this request.
func WithRequestRetries(n int) SubmitOption {
	return func(r *Request) {
		r.MaxRetries = n
	}
}

// WithDedupeKey overrides the derived deduplication key.
func WithDedupeKey(key string) SubmitOption {
	return func(r *Request) {
		r.DedupeKey = key
	}
}
