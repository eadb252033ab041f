package relayq

import (
	"context"
	"sync"
	"time"
)

// BatchRequest is one member of a SubmitBatch call.
type BatchRequest struct {
	Action  string
	Payload map[string]any
	Options []SubmitOption
}

// BatchOptions controls batch submission. MaxConcurrent is a sub-limit on
// outstanding members; it never exceeds the queue's global limit. With
// FailFast, the first fatal failure cancels not-yet-started members and
// SubmitBatch returns that error.
type BatchOptions struct {
	MaxConcurrent int
	FailFast      bool
}

// BatchResult is one member's outcome; the slice returned by SubmitBatch
// parallels the input order.
type BatchResult struct {
	Response *Response
	Err      error
}

// SubmitBatch submits a group of requests and waits for all members to
// settle. Without FailFast every member runs to completion and the error
// return is nil; per-member failures live in the result slice.
func (o *Orchestrator) SubmitBatch(ctx context.Context, requests []BatchRequest, opts BatchOptions) ([]BatchResult, error) {
	results := make([]BatchResult, len(requests))
	if len(requests) == 0 {
		return results, nil
	}

	limit := opts.MaxConcurrent
	if global := o.queue.Limit(); limit <= 0 || limit > global {
		limit = global
	}

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, limit)
		abortCh   = make(chan struct{})
		abortOnce sync.Once
		fatalMu   sync.Mutex
		fatalErr  error
		handleMu  sync.Mutex
		handles   []*Handle
	)

	abort := func(err error) {
		abortOnce.Do(func() {
			fatalMu.Lock()
			fatalErr = err
			fatalMu.Unlock()
			close(abortCh)

			// Cancel members that have not started executing; in-flight
			// members run to completion.
			handleMu.Lock()
			pending := append([]*Handle(nil), handles...)
			handleMu.Unlock()
			for _, h := range pending {
				if o.queue.DetachWaiter(h.entry, h.future) {
					continue
				}
				if o.queue.CancelEntry(h.entry, true) {
					o.recordOutcome(h.entry.req, OutcomeCancelled, ErrorTypeCancelled, h.entry.req.CreatedAt, 0)
				}
			}
			o.pump()
		})
	}

	skipped := func(cause error) *Error {
		return &Error{
			Type:      ErrorTypeCancelled,
			Message:   "batch member not started",
			Cause:     cause,
			Timestamp: time.Now(),
		}
	}

submission:
	for i, br := range requests {
		if opts.FailFast {
			select {
			case <-abortCh:
				results[i] = BatchResult{Err: skipped(ErrCancelled)}
				continue
			default:
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(requests); j++ {
				results[j] = BatchResult{Err: skipped(ctx.Err())}
			}
			break submission
		case <-abortCh:
			results[i] = BatchResult{Err: skipped(ErrCancelled)}
			continue
		}

		handle, err := o.Submit(br.Action, br.Payload, br.Options...)
		if err != nil {
			<-sem
			results[i] = BatchResult{Err: err}
			if opts.FailFast && Classify(err) == ClassFatal {
				abort(err)
			}
			continue
		}

		handleMu.Lock()
		handles = append(handles, handle)
		handleMu.Unlock()

		wg.Add(1)
		go func(i int, handle *Handle) {
			defer wg.Done()
			resp, err := handle.Wait(ctx)
			results[i] = BatchResult{Response: resp, Err: err}
			<-sem
			if opts.FailFast && err != nil && Classify(err) == ClassFatal {
				abort(err)
			}
		}(i, handle)
	}

	wg.Wait()

	if opts.FailFast {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		if fatalErr != nil {
			return results, fatalErr
		}
	}
	return results, nil
}
