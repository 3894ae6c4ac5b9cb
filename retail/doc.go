// Package retail defines the domain model shared by every stockpulse
// component: scan targets, product candidates and their indicator votes,
// canonical products, signals, and the [Adapter] capability implemented
// once per retailer.
//
// The package has no dependencies on the engine internals so that adapters
// can be written and tested in isolation:
//
//	type myAdapter struct{}
//
//	func (myAdapter) ID() string               { return "acme" }
//	func (myAdapter) Kind() retail.SourceKind  { return retail.SourceAPI }
//	func (myAdapter) Fetch(ctx context.Context, t retail.ScanTarget, s retail.Session) (*retail.RawResponse, error) {
//	    return s.Get(ctx, "https://api.acme.example/stock?sku="+url.QueryEscape(t.Query))
//	}
//	func (myAdapter) Parse(raw *retail.RawResponse) ([]retail.ProductCandidate, error) { ... }
//
// # Errors
//
// Adapters and sessions report failures through the error taxonomy in this
// package ([TransientError], [BlockedError], [ParseError], [TimeoutError]).
// The engine uses [Classify] to decide how each failure feeds the circuit
// breaker and the backoff controller.
package retail
