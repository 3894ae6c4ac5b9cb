package retail

import "time"

// SignalType names a detected state change.
type SignalType string

const (
	SignalStockFound        SignalType = "stock_found"
	SignalStockLost         SignalType = "stock_lost"
	SignalPriceChanged      SignalType = "price_changed"
	SignalRetailerBlocked   SignalType = "retailer_blocked"
	SignalRetailerUnblocked SignalType = "retailer_unblocked"
)

// String implements fmt.Stringer.
func (t SignalType) String() string {
	return string(t)
}

// Signal is an immutable, append-only event describing a state change.
type Signal struct {
	ID         string     `json:"id"`
	Type       SignalType `json:"type"`
	RetailerID string     `json:"retailer_id,omitempty"`
	Query      string     `json:"query,omitempty"`

	// Product is set for product signals, nil for retailer signals.
	Product *CanonicalProduct `json:"product,omitempty"`

	// PreviousPrice is set for price_changed signals.
	PreviousPrice float64 `json:"previous_price,omitempty"`

	// Reason carries context for retailer signals (e.g. the last error).
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// IsProductSignal reports whether the signal concerns a product rather
// than a retailer.
func (s Signal) IsProductSignal() bool {
	switch s.Type {
	case SignalStockFound, SignalStockLost, SignalPriceChanged:
		return true
	default:
		return false
	}
}
