package store

import (
	"context"
	"time"

	"github.com/jpalmerr/stockpulse/retail"
)

// ProductFilter selects products from a [Store]. Zero fields match all.
type ProductFilter struct {
	RetailerID    string
	Query         string
	AvailableOnly bool
}

func (f ProductFilter) match(p retail.CanonicalProduct) bool {
	if f.RetailerID != "" && p.RetailerID() != f.RetailerID {
		return false
	}
	if f.Query != "" && p.Query != f.Query {
		return false
	}
	return !f.AvailableOnly || p.Available
}

// SignalFilter selects signals from a [Store]. Zero fields match all.
type SignalFilter struct {
	Type       retail.SignalType
	RetailerID string
	Since      time.Time

	// Limit caps the number of signals returned, newest first.
	Limit int
}

func (f SignalFilter) match(s retail.Signal) bool {
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.RetailerID != "" && s.RetailerID != f.RetailerID {
		return false
	}
	return f.Since.IsZero() || !s.Timestamp.Before(f.Since)
}

// Store keeps the latest canonical product per fingerprint and the
// append-only signal log, and fans new signals out to subscribers.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows signals to be pushed to connected clients (e.g., via
// Server-Sent Events).
type Store interface {
	// Product returns the latest record with the given fingerprint.
	Product(ctx context.Context, fingerprint string) (retail.CanonicalProduct, bool, error)

	// ProductByIdentity returns the most recently saved record with the
	// given identity.
	ProductByIdentity(ctx context.Context, identity string) (retail.CanonicalProduct, bool, error)

	// SaveProducts stores new records, superseding older ones with the
	// same fingerprint.
	SaveProducts(ctx context.Context, products []retail.CanonicalProduct) error

	// Products returns the latest records matching f, sorted by fingerprint.
	Products(ctx context.Context, f ProductFilter) ([]retail.CanonicalProduct, error)

	// AppendSignals appends signals to the log and notifies all subscribers.
	AppendSignals(ctx context.Context, signals []retail.Signal) error

	// Signals returns logged signals matching f, newest first.
	Signals(ctx context.Context, f SignalFilter) ([]retail.Signal, error)

	// Subscribe returns a channel that receives appended signals.
	// The returned channel has a buffer; slow consumers may miss signals.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan retail.Signal

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan retail.Signal)

	// Close releases the store's resources and closes every subscription.
	Close() error
}
