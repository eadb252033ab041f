package relayq

import (
	"errors"
	"fmt"
	"time"
)

// Error type tags. Transport produces Network, Timeout and HTTP only;
// the remaining tags are attached by the queue and retry engine.
const (
	ErrorTypeValidation  = "Validation"
	ErrorTypeNetwork     = "Network"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeHTTP        = "HTTP"
	ErrorTypeRateLimited = "RateLimited"
	ErrorTypeAuthExpired = "AuthExpired"
	ErrorTypeFatal       = "Fatal"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeCancelled   = "Cancelled"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the per-action circuit breaker is open
	ErrCircuitOpen = errors.New("relayq: circuit open")

	// ErrCancelled is returned when a request is cancelled before completion
	ErrCancelled = errors.New("relayq: request cancelled")

	// ErrClosed is returned when submitting to a closed orchestrator
	ErrClosed = errors.New("relayq: orchestrator closed")

	// ErrUnknownRequest is returned when cancelling an id the queue does not hold
	ErrUnknownRequest = errors.New("relayq: unknown request")
)

// Error is the single error shape produced by this package. Type is one of
// the ErrorType tags; StatusCode and RetryAfter are populated for HTTP
// failures where applicable.
type Error struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Action     string
	StatusCode int
	RetryAfter time.Duration
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*Error); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrCancelled:
		return e.Type == ErrorTypeCancelled
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Action != "" {
		info += fmt.Sprintf("Action: %s\n", e.Action)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// ErrorClass is the retry engine's classification of a failed attempt.
// It is a total function over the closed set of Error types.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransient
	ClassRateLimited
	ClassAuthExpired
	ClassCancelled
)

// String returns the classification name.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuthExpired:
		return "auth_expired"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classify maps a failure onto its retry class. Network errors, timeouts
// and 5xx responses are transient; 429 is rate limited; 401/403 means the
// token expired; everything else is fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrCancelled) {
		return ClassCancelled
	}

	var e *Error
	if !errors.As(err, &e) {
		return ClassFatal
	}

	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return ClassTransient
	case ErrorTypeRateLimited:
		return ClassRateLimited
	case ErrorTypeAuthExpired:
		return ClassAuthExpired
	case ErrorTypeCancelled:
		return ClassCancelled
	case ErrorTypeHTTP:
		switch {
		case e.StatusCode == 429:
			return ClassRateLimited
		case e.StatusCode == 401 || e.StatusCode == 403:
			return ClassAuthExpired
		case e.StatusCode >= 500:
			return ClassTransient
		default:
			return ClassFatal
		}
	default:
		return ClassFatal
	}
}

// IsRetryable reports whether err's class permits another attempt.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited, ClassAuthExpired:
		return true
	default:
		return false
	}
}

func newValidationError(msg string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Message:   msg,
		Timestamp: time.Now(),
	}
}
