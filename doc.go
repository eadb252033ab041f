// Package relayq orchestrates asynchronous requests against a remote
// settings backend on behalf of a UI that previews and persists
// configuration changes. It layers the reliability concerns such a client
// needs:
//
//   - Priority queue with deduplication and a global concurrency limit
//   - Retries with exponential backoff + jitter and rate-limit awareness
//   - Per-action circuit breakers with escalating cooldowns
//   - One-shot token refresh on expired credentials
//   - Durable persistence of the unexecuted backlog across restarts
//   - Prometheus metrics, a bounded request history and structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Every submission resolves or rejects exactly once, never hangs
//   - Safe concurrent use of a single *Orchestrator instance
//   - Pluggable transport, token refresh and backlog storage
//
// Typical usage:
//
//	orch := relayq.New(
//	    relayq.WithTransport(relayq.NewHTTPTransport(endpoint, tokens)),
//	    relayq.WithMaxConcurrentRequests(5),
//	    relayq.WithMaxRetries(3),
//	    relayq.WithMetrics(),
//	)
//	handle, err := orch.Submit("save_settings", payload, relayq.WithPriority(relayq.PriorityHigh))
//	resp, err := handle.Wait(ctx)
//
// Rapid identical submissions (a user dragging a slider) coalesce onto one
// network call via the dedupe key; distinct ones queue behind the
// concurrency limit instead of being dropped. The library avoids
// opinionated logging: provide a Logger (e.g. via WithSimpleLogger) and
// enable debug areas selectively for insight without noise.
package relayq
