package retail

import (
	"net/http"
	"time"
)

// SourceKind identifies how a retailer's data is obtained.
type SourceKind string

const (
	// SourceAPI marks data obtained from a structured retailer API.
	SourceAPI SourceKind = "api"

	// SourceScrape marks data obtained by scraping rendered HTML.
	SourceScrape SourceKind = "scrape"
)

// String implements fmt.Stringer.
func (k SourceKind) String() string {
	return string(k)
}

// IndicatorKind names a type of stock evidence produced by an adapter.
type IndicatorKind string

const (
	// IndicatorAvailabilityField is an explicit availability field
	// (e.g. "availability": "in_stock") from an API payload or page metadata.
	IndicatorAvailabilityField IndicatorKind = "availability_field"

	// IndicatorPurchaseAffordance is the presence (or absence) of an
	// add-to-cart or buy control.
	IndicatorPurchaseAffordance IndicatorKind = "purchase_affordance"

	// IndicatorOutOfStockMarker reports the presence (or absence) of an
	// "out of stock" / "sold out" marker. Absence votes in-stock.
	IndicatorOutOfStockMarker IndicatorKind = "out_of_stock_marker"

	// IndicatorPricePresent reports whether a purchasable price is shown.
	IndicatorPricePresent IndicatorKind = "price_present"
)

// Indicator is a single weighted vote about a candidate's stock state.
type Indicator struct {
	// Kind is the type of evidence.
	Kind IndicatorKind `json:"kind"`

	// InStock is the direction of the vote.
	InStock bool `json:"in_stock"`

	// Source is where the evidence came from.
	Source SourceKind `json:"source"`
}

// ScanTarget is a (retailer, query-or-SKU) pair the engine scans.
//
// Targets are created on registration or watchlist add and updated after
// every scan. They are never hard-deleted; deactivation keeps the record.
type ScanTarget struct {
	RetailerID   string    `json:"retailer_id"`
	Query        string    `json:"query"`
	BasePriority float64   `json:"base_priority"`
	Volatility   float64   `json:"volatility"`
	Watch        bool      `json:"watch"`
	Active       bool      `json:"active"`
	LastScanned  time.Time `json:"last_scanned"`
}

// Key returns the stable identity of the target.
func (t ScanTarget) Key() string {
	return TargetKey(t.RetailerID, t.Query)
}

// TargetKey builds the identity of a (retailer, query) pair. It doubles as
// the change-detection cache key.
func TargetKey(retailerID, query string) string {
	return retailerID + "|" + query
}

// ProductCandidate is an ephemeral product observation produced by one
// adapter during one scan.
type ProductCandidate struct {
	RetailerID string      `json:"retailer_id"`
	Query      string      `json:"query"`
	ExternalID string      `json:"external_id"`
	Name       string      `json:"name"`
	Price      float64     `json:"price"`
	Currency   string      `json:"currency,omitempty"`
	URL        string      `json:"url,omitempty"`
	Indicators []Indicator `json:"indicators"`
	ObservedAt time.Time   `json:"observed_at"`

	// InStock, OutOfStock and Confidence are filled in by the stock
	// verifier. InStock is a corroborated positive verdict; OutOfStock is
	// an explicit negative one. Both are false when the evidence leaned
	// towards stock but was not corroborated.
	InStock    bool    `json:"in_stock"`
	OutOfStock bool    `json:"out_of_stock"`
	Confidence float64 `json:"confidence"`
}

// CanonicalProduct is the merged, deduplicated view of a product for one
// scan. A new record is produced on every scan and diffed against the
// prior record with the same fingerprint; records are never mutated.
type CanonicalProduct struct {
	Fingerprint string `json:"fingerprint"`

	// Identity is retailer plus normalized name, without the price bucket.
	// It links a product to its predecessor when a price move changes the
	// fingerprint.
	Identity string `json:"identity"`

	Query          string           `json:"query"`
	Representative ProductCandidate `json:"representative"`
	Confidence     float64          `json:"confidence"`
	InStock        bool             `json:"in_stock"`

	// Verified is true when Confidence reached the configured threshold.
	Verified bool `json:"verified"`

	// Available is the state signals are derived from: in stock and
	// verified. Evidence that is neither a verified positive nor a verified
	// explicit negative carries the previous value forward.
	Available bool `json:"available"`

	LastChangedAt time.Time `json:"last_changed_at"`
}

// RetailerID returns the retailer of the representative candidate.
func (p CanonicalProduct) RetailerID() string {
	return p.Representative.RetailerID
}

// Validators carries the conditional-request validators of a cached
// response. The zero value means no prior response is known.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// IsZero reports whether no validator is present.
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified == ""
}

// RawResponse is the unparsed outcome of an adapter fetch.
type RawResponse struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	ETag         string
	LastModified string
	Latency      time.Duration

	// NotModified is true when the server answered a conditional request
	// with 304; Body is empty in that case.
	NotModified bool
}

// Validators returns the validators carried by the response.
func (r *RawResponse) Validators() Validators {
	if r == nil {
		return Validators{}
	}
	return Validators{ETag: r.ETag, LastModified: r.LastModified}
}
