// Package orchestrator runs scan cycles.
//
// A cycle moves through Pending, Dispatched, Collecting, Merging and
// Complete. Targets are grouped by retailer: each retailer gets one task
// that scans its targets in order, and retailer tasks run concurrently
// under a global bound on in-flight requests.
//
// Before a retailer task starts, the backoff controller may skip it
// (maintenance window) and the circuit breaker may refuse it (open
// circuit). Every request goes through the change-detection cache, and its
// outcome is reported to the breaker and the backoff controller.
//
// A failing retailer never aborts the cycle: the result carries whatever
// succeeded, plus the failed and skipped retailers with their reasons.
// Network calls run detached from cycle cancellation and are bounded only
// by the request timeout; when the cycle is cancelled their results are
// discarded.
package orchestrator
