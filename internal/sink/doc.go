// Package sink delivers signals to destinations outside the engine.
//
// The main components are:
//
//   - [Sink]: a named destination for batches of signals
//   - [Dispatcher]: fans batches out to registered sinks concurrently
//   - [Callback]: invokes a user function behind panic recovery
//   - [Webhook]: POSTs signals as JSON, retrying transient failures
//   - [Postgres]: batch-inserts signals into a Postgres table via pgx
//
// A failing sink never affects the others or the scan that produced the
// signals; delivery errors are logged and returned joined.
package sink
