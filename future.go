package relayq

import (
	"context"
	"sync"
)

// Future is completed exactly once when its request reaches a terminal
// state. Callers wait synchronously via Wait or select on Done.
type Future struct {
	ch   chan struct{}
	resp *Response
	err  error

	once sync.Once
	mu   sync.Mutex
}

func newFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

// complete resolves the future exactly once; late completions are ignored.
func (f *Future) complete(resp *Response, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.resp = resp
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

// Done returns a channel closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.ch
}

// Wait blocks until the future completes or ctx is done. A ctx expiry
// only abandons the wait; the underlying request keeps running.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.ch:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Completed reports whether the future has resolved.
func (f *Future) Completed() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}
