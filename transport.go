package relayq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// envelope is the wire format shared by success and failure responses.
type envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// HTTPTransport performs one JSON POST per call against a settings
// endpoint. It never retries and never queues; retry decisions belong to
// the engine above it.
type HTTPTransport struct {
	endpoint    string
	httpClient  *http.Client
	tokens      TokenSource
	tokenHeader string
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.httpClient = client
	}
}

// WithTokenHeader overrides the header carrying the session token.
func WithTokenHeader(name string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.tokenHeader = name
	}
}

// NewHTTPTransport creates a transport posting to endpoint. tokens may be
// nil when the backend needs no credential.
func NewHTTPTransport(endpoint string, tokens TokenSource, options ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:    endpoint,
		httpClient:  &http.Client{},
		tokens:      tokens,
		tokenHeader: "X-Settings-Token",
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Call implements Transport. Every failure surfaces as an *Error of type
// Network, Timeout or HTTP.
func (t *HTTPTransport) Call(ctx context.Context, action string, payload map[string]any) (*Response, error) {
	body, err := json.Marshal(struct {
		Action  string         `json:"action"`
		Payload map[string]any `json:"payload,omitempty"`
	}{Action: action, Payload: payload})
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Message:   "payload not serializable",
			Cause:     err,
			Action:    action,
			Timestamp: time.Now(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{
			Type:      ErrorTypeValidation,
			Message:   "building request failed",
			Cause:     err,
			Action:    action,
			Timestamp: time.Now(),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.tokens != nil {
		if token := t.tokens.Token(); token != "" {
			req.Header.Set(t.tokenHeader, token)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, normalizeNetworkError(action, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Type:       ErrorTypeHTTP,
			Message:    fmt.Sprintf("backend returned %s", resp.Status),
			Action:     action,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Timestamp:  time.Now(),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &Error{
			Type:       ErrorTypeNetwork,
			Message:    "malformed response envelope",
			Cause:      err,
			Action:     action,
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		}
	}

	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, &Error{
			Type:       ErrorTypeHTTP,
			Message:    msg,
			Action:     action,
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		}
	}

	return &Response{Data: env.Data, StatusCode: resp.StatusCode}, nil
}

func normalizeNetworkError(action string, err error) *Error {
	typ := ErrorTypeNetwork
	msg := "network request failed"

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		typ = ErrorTypeTimeout
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		typ = ErrorTypeCancelled
		msg = "request cancelled"
	default:
		var timeoutErr interface{ Timeout() bool }
		if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
			typ = ErrorTypeTimeout
			msg = "request timed out"
		}
	}

	return &Error{
		Type:      typ,
		Message:   msg,
		Cause:     err,
		Action:    action,
		Timestamp: time.Now(),
	}
}

// parseRetryAfter handles the delta-seconds form of Retry-After. The
// HTTP-date form is rare on rate limit responses and ignored here.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
