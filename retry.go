package relayq

import (
	"context"
	"time"

	"github.com/m3n3sx/relayq/internal/backoff"
)

// RetryEngine classifies failed attempts and decides whether and when to
// retry. It owns the per-action circuit breakers; classification itself
// lives in Classify so it stays a total function over the error taxonomy.
type RetryEngine struct {
	breakers   *BreakerRegistry
	calc       *backoff.Calculator
	tokens     TokenSource
	maxRetries int
	metrics    *MetricsCollector
	logger     Logger
	debug      *DebugConfig
}

// RetryEngineConfig bundles the knobs for NewRetryEngine. Zero values take
// package defaults.
type RetryEngineConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	Strategy   backoff.Strategy
	Breaker    CircuitBreakerConfig
	Tokens     TokenSource
	Metrics    *MetricsCollector
	Logger     Logger
	Debug      *DebugConfig
}

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultJitter     = 0.2
)

// NewRetryEngine creates an engine with its own breaker registry.
func NewRetryEngine(config RetryEngineConfig) *RetryEngine {
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaultMaxDelay
	}
	if config.Jitter == 0 {
		config.Jitter = defaultJitter
	}
	if config.Debug == nil {
		config.Debug = DefaultDebugConfig()
	}

	return &RetryEngine{
		breakers:   NewBreakerRegistry(config.Breaker),
		calc:       backoff.NewCalculator(config.Strategy, config.BaseDelay, config.MaxDelay, config.Jitter),
		tokens:     config.Tokens,
		maxRetries: config.MaxRetries,
		metrics:    config.Metrics,
		logger:     config.Logger,
		debug:      config.Debug,
	}
}

// Breakers exposes the per-action breaker registry for inspection.
func (e *RetryEngine) Breakers() *BreakerRegistry {
	return e.breakers
}

// Execute drives one logical request through transport until it succeeds,
// exhausts its retry budget or fails fatally. It returns the number of
// attempts made (at least 1 unless the breaker rejected outright).
func (e *RetryEngine) Execute(ctx context.Context, req *Request, transport Transport) (*Response, int, error) {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}
	breaker := e.breakers.Get(req.Action)

	attempt := 0
	refreshed := false
	for {
		if !breaker.Allow() {
			if e.metrics != nil {
				e.metrics.RecordError(ErrorTypeCircuitOpen, req.Action)
			}
			if e.debugEnabled(e.debug.LogCircuit) {
				e.logger.Warn("circuit open, rejecting without dispatch", "requestID", req.ID, "action", req.Action)
			}
			return nil, attempt, &Error{
				Type:      ErrorTypeCircuitOpen,
				Message:   "circuit breaker is open",
				Cause:     ErrCircuitOpen,
				RequestID: req.ID,
				Action:    req.Action,
				Attempt:   attempt,
				Timestamp: time.Now(),
			}
		}

		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.RecordRetry(req.Action, attempt)
			}
			if e.debugEnabled(e.debug.LogRetries) {
				e.logger.Info("retry attempt", "requestID", req.ID, "action", req.Action, "attempt", attempt, "maxRetries", maxRetries)
			}
		}

		resp, err := e.callOnce(ctx, req, transport)
		attempt++

		if err == nil {
			breaker.RecordSuccess()
			e.recordBreakerState(req.Action, breaker)
			return resp, attempt, nil
		}

		class := Classify(err)
		e.recordBreakerOutcome(req.Action, breaker, class)
		if e.metrics != nil {
			e.metrics.RecordError(errorType(err), req.Action)
		}

		switch class {
		case ClassCancelled, ClassFatal:
			return nil, attempt, decorate(err, req, attempt, maxRetries)

		case ClassAuthExpired:
			if refreshed || e.tokens == nil {
				return nil, attempt, escalateAuth(err, req, attempt, maxRetries)
			}
			refreshed = true
			if _, refreshErr := e.tokens.Refresh(ctx); refreshErr != nil {
				if e.debugEnabled(e.debug.LogRetries) {
					e.logger.Warn("token refresh failed", "requestID", req.ID, "error", refreshErr)
				}
				return nil, attempt, &Error{
					Type:       ErrorTypeFatal,
					Message:    "token refresh failed",
					Cause:      refreshErr,
					RequestID:  req.ID,
					Action:     req.Action,
					Attempt:    attempt,
					MaxRetries: maxRetries,
					Timestamp:  time.Now(),
				}
			}
			if e.debugEnabled(e.debug.LogRetries) {
				e.logger.Info("token refreshed, retrying once", "requestID", req.ID, "action", req.Action)
			}
			// The refresh grants exactly one immediate retry, no backoff.
			continue

		case ClassTransient, ClassRateLimited:
			if attempt > maxRetries {
				return nil, attempt, decorate(err, req, attempt, maxRetries)
			}
			delay := e.calc.Delay(attempt - 1)
			if class == ClassRateLimited {
				if hint := retryAfterHint(err); hint > 0 {
					delay = hint
				}
			}
			if e.debugEnabled(e.debug.LogRetries) {
				e.logger.Info("scheduling retry", "requestID", req.ID, "action", req.Action, "attempt", attempt, "delay", delay)
			}
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return nil, attempt, &Error{
					Type:       ErrorTypeCancelled,
					Message:    "cancelled during backoff",
					Cause:      ErrCancelled,
					RequestID:  req.ID,
					Action:     req.Action,
					Attempt:    attempt,
					MaxRetries: maxRetries,
					Timestamp:  time.Now(),
				}
			}

		default:
			return nil, attempt, decorate(err, req, attempt, maxRetries)
		}
	}
}

// callOnce runs a single transport exchange under the request's timeout.
func (e *RetryEngine) callOnce(ctx context.Context, req *Request, transport Transport) (*Response, error) {
	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	resp, err := transport.Call(callCtx, req.Action, req.Payload)
	// A transport timeout while the caller's ctx is already dead means the
	// request was cancelled, not that the backend was slow.
	if err != nil && ctx.Err() == context.Canceled {
		return nil, &Error{
			Type:      ErrorTypeCancelled,
			Message:   "request cancelled",
			Cause:     ErrCancelled,
			RequestID: req.ID,
			Action:    req.Action,
			Timestamp: time.Now(),
		}
	}
	return resp, err
}

// recordBreakerOutcome updates the breaker from a failure class. Only
// transient failures count against the action's health; a 4xx or rate
// limit response proves the backend is reachable.
func (e *RetryEngine) recordBreakerOutcome(action string, breaker *CircuitBreaker, class ErrorClass) {
	switch class {
	case ClassTransient:
		breaker.RecordFailure()
	case ClassCancelled:
		// no signal either way
	default:
		breaker.RecordSuccess()
	}
	e.recordBreakerState(action, breaker)
}

func (e *RetryEngine) recordBreakerState(action string, breaker *CircuitBreaker) {
	if e.metrics != nil {
		e.metrics.RecordCircuitState(action, breaker.State())
	}
}

func (e *RetryEngine) debugEnabled(area bool) bool {
	return e.debug != nil && e.debug.Enabled && area && e.logger != nil
}

// decorate fills request context into an *Error without changing its type.
func decorate(err error, req *Request, attempt, maxRetries int) error {
	if e, ok := err.(*Error); ok {
		if e.RequestID == "" {
			e.RequestID = req.ID
		}
		e.Attempt = attempt
		e.MaxRetries = maxRetries
		return e
	}
	return err
}

// escalateAuth converts a repeated auth failure into a fatal error: the
// single refresh has been spent.
func escalateAuth(err error, req *Request, attempt, maxRetries int) error {
	return &Error{
		Type:       ErrorTypeFatal,
		Message:    "authentication still rejected after token refresh",
		Cause:      err,
		RequestID:  req.ID,
		Action:     req.Action,
		Attempt:    attempt,
		MaxRetries: maxRetries,
		Timestamp:  time.Now(),
	}
}

func retryAfterHint(err error) time.Duration {
	if e, ok := err.(*Error); ok {
		return e.RetryAfter
	}
	return 0
}

func errorType(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Type
	}
	return ErrorTypeFatal
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
