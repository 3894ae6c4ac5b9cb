package retail

import "context"

// Session executes HTTP requests on behalf of an adapter. Sessions are
// provided by the stealth layer: they keep header fingerprints, cookies and
// the selected proxy consistent for one retailer, attach conditional
// validators when the engine has them, and translate bot challenges and
// network failures into the error taxonomy of this package.
type Session interface {
	// Get performs a GET request against url. A 304 answer is returned as a
	// RawResponse with NotModified set, not as an error.
	Get(ctx context.Context, url string) (*RawResponse, error)
}

// Adapter is the per-retailer capability. Implementations are either
// API-backed (SourceAPI) or scrape-backed (SourceScrape).
//
// Fetch must use the provided Session for every network call so that
// pacing, proxy selection and conditional requests apply. Parse must be a
// pure function of its input; it is called behind panic recovery.
type Adapter interface {
	// ID returns the retailer id this adapter serves.
	ID() string

	// Kind returns whether the adapter is API- or scrape-backed.
	Kind() SourceKind

	// Fetch retrieves the raw response for a target.
	Fetch(ctx context.Context, target ScanTarget, session Session) (*RawResponse, error)

	// Parse turns a raw response into candidates. Returns a *ParseError
	// when the payload cannot be interpreted.
	Parse(raw *RawResponse) ([]ProductCandidate, error)
}
