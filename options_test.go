package relayq

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	o := New(WithTransport(okTransport()))
	if !o.IsValid() {
		t.Fatalf("Expected defaults to validate, got %v", o.ValidationError())
	}
	if o.maxConcurrent != 5 {
		t.Errorf("Expected default concurrency 5, got %d", o.maxConcurrent)
	}
	if o.maxRetries != 3 {
		t.Errorf("Expected default retries 3, got %d", o.maxRetries)
	}
	if o.baseDelay != time.Second || o.maxDelay != 30*time.Second {
		t.Errorf("Expected default delays 1s/30s, got %v/%v", o.baseDelay, o.maxDelay)
	}
	if o.jitterFactor != 0.2 {
		t.Errorf("Expected default jitter 0.2, got %v", o.jitterFactor)
	}
	if o.defaultTimeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", o.defaultTimeout)
	}
	if o.maxHistorySize != 200 {
		t.Errorf("Expected default history size 200, got %d", o.maxHistorySize)
	}
}

func TestOptionsApply(t *testing.T) {
	tokens := &countingTokens{}
	store := NewMemoryBacklogStore()
	o := New(
		WithTransport(okTransport()),
		WithTokenSource(tokens),
		WithBacklogStore(store),
		WithMaxConcurrentRequests(8),
		WithMaxRetries(5),
		WithBaseDelay(100*time.Millisecond),
		WithMaxDelay(2*time.Second),
		WithJitterFactor(0.5),
		WithCircuitFailureThreshold(10),
		WithCircuitCooldown(time.Minute),
		WithDefaultTimeout(3*time.Second),
		WithMaxHistorySize(50),
	)
	if !o.IsValid() {
		t.Fatalf("Expected valid configuration, got %v", o.ValidationError())
	}
	if o.maxConcurrent != 8 || o.maxRetries != 5 || o.maxHistorySize != 50 {
		t.Errorf("Expected options applied, got concurrency=%d retries=%d history=%d", o.maxConcurrent, o.maxRetries, o.maxHistorySize)
	}
	if o.tokens != tokens {
		t.Error("Expected token source wired")
	}
}

func TestWithJitterFactorClamps(t *testing.T) {
	o := New(WithTransport(okTransport()), WithJitterFactor(3.5))
	if o.jitterFactor != 1 {
		t.Errorf("Expected jitter clamped to 1, got %v", o.jitterFactor)
	}
	o = New(WithTransport(okTransport()), WithJitterFactor(-1))
	if o.jitterFactor != 0 {
		t.Errorf("Expected jitter clamped to 0, got %v", o.jitterFactor)
	}
}

func TestValidateConfigurationAggregates(t *testing.T) {
	o := New(
		WithMaxConcurrentRequests(0),
		WithMaxRetries(-1),
		WithBaseDelay(-time.Second),
		WithMaxHistorySize(-5),
	)
	err := o.ValidationError()
	if err == nil {
		t.Fatal("Expected validation failure")
	}
	var e *Error
	if !errors.As(err, &e) || e.Type != ErrorTypeValidation {
		t.Fatalf("Expected validation error type, got %v", err)
	}
	msg := e.Cause.Error()
	for _, want := range []string{"transport is required", "maxConcurrentRequests", "maxRetries", "baseDelayMs", "maxHistorySize"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected aggregate to mention %q, got %q", want, msg)
		}
	}
}

func TestValidateMaxDelayBelowBase(t *testing.T) {
	o := New(
		WithTransport(okTransport()),
		WithBaseDelay(5*time.Second),
		WithMaxDelay(time.Second),
	)
	if o.IsValid() {
		t.Error("Expected maxDelay below baseDelay to fail validation")
	}
}

func TestWithRequestIDGenerator(t *testing.T) {
	var n int
	o := New(
		WithTransport(okTransport()),
		WithRequestIDGenerator(func() string {
			n++
			return "fixed-id"
		}),
	)
	h, err := o.Submit("get_settings", nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != "fixed-id" || n != 1 {
		t.Errorf("Expected custom id generator used, got id=%s calls=%d", h.ID, n)
	}
}
