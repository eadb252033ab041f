package relayq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingTokens struct {
	refreshes int32
	fail      bool
}

func (c *countingTokens) Token() string { return "tok" }

func (c *countingTokens) Refresh(context.Context) (string, error) {
	atomic.AddInt32(&c.refreshes, 1)
	if c.fail {
		return "", errors.New("refresh rejected")
	}
	return "tok-2", nil
}

func fastEngine(tokens TokenSource) *RetryEngine {
	return NewRetryEngine(RetryEngineConfig{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Tokens:    tokens,
	})
}

func retryReq(maxRetries int) *Request {
	return &Request{
		ID:         "req-1",
		Action:     "save_settings",
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
}

func failNTimes(n int, failure *Error, calls *int32) Transport {
	return TransportFunc(func(ctx context.Context, action string, payload map[string]any) (*Response, error) {
		made := atomic.AddInt32(calls, 1)
		if int(made) <= n {
			return nil, failure
		}
		return &Response{StatusCode: 200, Data: map[string]any{"ok": true}}, nil
	})
}

func TestRetryEngineTransientRetriesThenSucceeds(t *testing.T) {
	var calls int32
	transport := failNTimes(2, &Error{Type: ErrorTypeNetwork, Message: "refused"}, &calls)

	resp, attempts, err := fastEngine(nil).Execute(context.Background(), retryReq(3), transport)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("Expected 3 attempts/calls, got attempts=%d calls=%d", attempts, calls)
	}
	if resp == nil || resp.Data["ok"] != true {
		t.Errorf("Expected response data, got %+v", resp)
	}
}

func TestRetryEngineExhaustsBudget(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeNetwork, Message: "refused"}, &calls)

	_, attempts, err := fastEngine(nil).Execute(context.Background(), retryReq(2), transport)
	if err == nil {
		t.Fatal("Expected failure after exhausting retries")
	}
	// Initial attempt plus two retries.
	if attempts != 3 || calls != 3 {
		t.Errorf("Expected 3 attempts/calls, got attempts=%d calls=%d", attempts, calls)
	}
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeNetwork {
		t.Errorf("Expected network error surfaced, got %v", err)
	}
	if e.Attempt != 3 || e.MaxRetries != 2 {
		t.Errorf("Expected attempt context 3/2, got %d/%d", e.Attempt, e.MaxRetries)
	}
}

func TestRetryEngineFatalNoRetry(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeHTTP, StatusCode: 400, Message: "bad request"}, &calls)

	_, attempts, err := fastEngine(nil).Execute(context.Background(), retryReq(3), transport)
	if err == nil {
		t.Fatal("Expected fatal failure")
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("Expected single attempt for fatal error, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetryEngineRateLimitedHonorsHint(t *testing.T) {
	var calls int32
	limited := &Error{Type: ErrorTypeHTTP, StatusCode: 429, RetryAfter: time.Millisecond}
	transport := failNTimes(1, limited, &calls)

	engine := NewRetryEngine(RetryEngineConfig{
		BaseDelay: 300 * time.Millisecond,
		MaxDelay:  time.Second,
	})

	start := time.Now()
	_, attempts, err := engine.Execute(context.Background(), retryReq(2), transport)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Expected success after rate limit cleared, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("Expected server hint to override computed backoff, took %v", elapsed)
	}
}

func TestRetryEngineAuthRefreshOnce(t *testing.T) {
	tokens := &countingTokens{}
	var calls int32
	transport := failNTimes(1, &Error{Type: ErrorTypeHTTP, StatusCode: 401}, &calls)

	resp, attempts, err := fastEngine(tokens).Execute(context.Background(), retryReq(3), transport)
	if err != nil {
		t.Fatalf("Expected success after refresh, got %v", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("Expected exactly one refresh, got %d", tokens.refreshes)
	}
	if attempts != 2 || resp == nil {
		t.Errorf("Expected refresh then one retry, attempts=%d", attempts)
	}
}

func TestRetryEngineAuthRefreshFailureEscalates(t *testing.T) {
	tokens := &countingTokens{fail: true}
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeHTTP, StatusCode: 401}, &calls)

	_, attempts, err := fastEngine(tokens).Execute(context.Background(), retryReq(3), transport)
	if err == nil {
		t.Fatal("Expected fatal error after refresh failure")
	}
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeFatal {
		t.Errorf("Expected fatal escalation, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("Expected no retry after failed refresh, attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetryEngineSecondAuthFailureFatal(t *testing.T) {
	tokens := &countingTokens{}
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeHTTP, StatusCode: 401}, &calls)

	_, attempts, err := fastEngine(tokens).Execute(context.Background(), retryReq(3), transport)
	if err == nil {
		t.Fatal("Expected failure when auth stays rejected")
	}
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeFatal {
		t.Errorf("Expected fatal after spent refresh, got %v", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("Expected a single refresh, got %d", tokens.refreshes)
	}
	if attempts != 2 || calls != 2 {
		t.Errorf("Expected exactly one post-refresh retry, attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetryEngineStaticTokenEscalates(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeHTTP, StatusCode: 401}, &calls)

	_, _, err := fastEngine(StaticTokenSource("tok")).Execute(context.Background(), retryReq(3), transport)
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeFatal {
		t.Errorf("Expected fatal when the token cannot refresh, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected single attempt, got %d", calls)
	}
}

func TestRetryEngineAuthWithoutTokenSourceFatal(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeHTTP, StatusCode: 401}, &calls)

	_, attempts, err := fastEngine(nil).Execute(context.Background(), retryReq(3), transport)
	if err == nil {
		t.Fatal("Expected failure without a token source")
	}
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeFatal {
		t.Errorf("Expected fatal without refresh capability, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("Expected single attempt, attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetryEngineCircuitOpensAndRejects(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeNetwork, Message: "down"}, &calls)

	engine := NewRetryEngine(RetryEngineConfig{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Breaker:   CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
	})

	// Two transient failures open the breaker.
	_, _, err := engine.Execute(context.Background(), retryReq(1), transport)
	if err == nil {
		t.Fatal("Expected failure")
	}
	if calls != 2 {
		t.Fatalf("Expected 2 calls before breaker opens, got %d", calls)
	}

	_, attempts, err := engine.Execute(context.Background(), retryReq(1), transport)
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeCircuitOpen {
		t.Fatalf("Expected circuit open rejection, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected sentinel match for circuit open")
	}
	if attempts != 0 {
		t.Errorf("Expected no attempts while open, got %d", attempts)
	}
	if calls != 2 {
		t.Errorf("Expected transport untouched while open, calls=%d", calls)
	}
}

func TestRetryEngineBreakerIgnoresFatal(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeHTTP, StatusCode: 400}, &calls)

	engine := NewRetryEngine(RetryEngineConfig{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Breaker:   CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
	})

	for i := 0; i < 5; i++ {
		_, _, _ = engine.Execute(context.Background(), retryReq(1), transport)
	}
	if engine.Breakers().Get("save_settings").State() != StateCircuitClosed {
		t.Error("Expected 4xx responses not to open the breaker")
	}
}

func TestRetryEngineCancelledDuringBackoff(t *testing.T) {
	var calls int32
	transport := failNTimes(100, &Error{Type: ErrorTypeNetwork}, &calls)

	engine := NewRetryEngine(RetryEngineConfig{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := engine.Execute(ctx, retryReq(3), transport)
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeCancelled {
		t.Fatalf("Expected cancellation during backoff, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected single call before cancellation, got %d", calls)
	}
}

func TestRetryEngineBackoffAccumulates(t *testing.T) {
	var calls int32
	transport := failNTimes(3, &Error{Type: ErrorTypeNetwork}, &calls)
	fast := NewRetryEngine(RetryEngineConfig{
		BaseDelay: 4 * time.Millisecond,
		MaxDelay:  32 * time.Millisecond,
	})

	start := time.Now()
	_, _, err := fast.Execute(context.Background(), retryReq(3), transport)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	// Three backoffs of roughly 4, 8 and 16ms minus jitter: at least 20ms.
	if elapsed < 20*time.Millisecond {
		t.Errorf("Expected cumulative backoff >= 20ms, got %v", elapsed)
	}
}
