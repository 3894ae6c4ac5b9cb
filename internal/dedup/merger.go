package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/stockpulse/retail"
)

// Config holds merger tuning.
type Config struct {
	// Threshold is the minimum confidence for a product to count as verified.
	Threshold float64

	// BucketSize is the width of a price bucket in currency units.
	BucketSize float64

	// PriceEpsilon is the smallest price move reported as price_changed.
	PriceEpsilon float64
}

// DefaultConfig returns the default merger tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.6,
		BucketSize:   5,
		PriceEpsilon: 0.01,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.BucketSize <= 0 {
		c.BucketSize = d.BucketSize
	}
	if c.PriceEpsilon <= 0 {
		c.PriceEpsilon = d.PriceEpsilon
	}
}

// Store is the product state the merger diffs against.
type Store interface {
	// Product returns the latest record with the given fingerprint.
	Product(ctx context.Context, fingerprint string) (retail.CanonicalProduct, bool, error)

	// ProductByIdentity returns the latest record with the given identity.
	ProductByIdentity(ctx context.Context, identity string) (retail.CanonicalProduct, bool, error)

	// SaveProducts stores new records, superseding older ones.
	SaveProducts(ctx context.Context, products []retail.CanonicalProduct) error
}

// Option configures a Merger.
type Option func(*Merger)

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(m *Merger) { m.now = now }
}

// WithIDFunc sets the signal id generator.
func WithIDFunc(fn func() string) Option {
	return func(m *Merger) { m.newID = fn }
}

// WithLogger sets the merger logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) { m.logger = l }
}

// Merger collapses candidates into canonical products and derives signals
// from how they changed.
type Merger struct {
	cfg    Config
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	// serializes Apply so concurrent cycles never diff against the same
	// prior state twice
	mu sync.Mutex
}

// New creates a Merger. Zero fields of cfg use [DefaultConfig].
func New(cfg Config, opts ...Option) *Merger {
	cfg.defaults()
	m := &Merger{
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Merge groups candidates by fingerprint and returns one canonical product
// per group, sorted by fingerprint. It is pure: the same candidates in any
// order produce the same products.
func (m *Merger) Merge(candidates []retail.ProductCandidate) []retail.CanonicalProduct {
	groups := make(map[string][]retail.ProductCandidate)
	for _, c := range candidates {
		fp := Fingerprint(c.RetailerID, displayName(c), c.Price, m.cfg.BucketSize)
		groups[fp] = append(groups[fp], c)
	}

	out := make([]retail.CanonicalProduct, 0, len(groups))
	for fp, group := range groups {
		rep := group[0]
		for _, c := range group[1:] {
			if better(c, rep) {
				rep = c
			}
		}
		verified := rep.Confidence >= m.cfg.Threshold
		out = append(out, retail.CanonicalProduct{
			Fingerprint:    fp,
			Identity:       Identity(rep.RetailerID, displayName(rep)),
			Query:          rep.Query,
			Representative: rep,
			Confidence:     rep.Confidence,
			InStock:        rep.InStock,
			Verified:       verified,
			Available:      rep.InStock && verified,
			LastChangedAt:  rep.ObservedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Diff compares freshly merged products against their prior records and
// returns the records to store along with the signals they trigger.
//
// A prior record is found by fingerprint, then by identity so that a price
// move across a bucket boundary still links to its predecessor. Only a
// prior record whose fingerprint is absent from next can be linked by
// identity, and at most once. Evidence that is neither a verified positive
// nor a verified explicit negative keeps the prior availability.
func (m *Merger) Diff(prior, next []retail.CanonicalProduct, now time.Time) ([]retail.CanonicalProduct, []retail.Signal) {
	seen := make(map[string]bool, len(next))
	for _, n := range next {
		seen[n.Fingerprint] = true
	}

	byFP := make(map[string]retail.CanonicalProduct, len(prior))
	byIdentity := make(map[string]retail.CanonicalProduct, len(prior))
	for _, p := range prior {
		byFP[p.Fingerprint] = p
		// a record still present under its own fingerprint is not a predecessor
		if p.Identity != "" && !seen[p.Fingerprint] {
			byIdentity[p.Identity] = p
		}
	}

	var signals []retail.Signal
	out := make([]retail.CanonicalProduct, 0, len(next))
	for _, n := range next {
		p, found := byFP[n.Fingerprint]
		if !found && n.Identity != "" {
			if p, found = byIdentity[n.Identity]; found {
				delete(byIdentity, n.Identity)
			}
		}

		switch {
		case n.InStock && n.Verified:
			n.Available = true
		case n.Representative.OutOfStock && n.Verified:
			n.Available = false
		case found:
			n.Available = p.Available
		default:
			n.Available = false
		}

		n.LastChangedAt = now
		if !found {
			if n.Available {
				signals = append(signals, m.signal(retail.SignalStockFound, n, now))
			}
			out = append(out, n)
			continue
		}

		changed := false
		switch {
		case !p.Available && n.Available:
			signals = append(signals, m.signal(retail.SignalStockFound, n, now))
			changed = true
		case p.Available && !n.Available:
			signals = append(signals, m.signal(retail.SignalStockLost, n, now))
			changed = true
		}

		prev, cur := p.Representative.Price, n.Representative.Price
		if prev > 0 && cur > 0 && math.Abs(cur-prev) > m.cfg.PriceEpsilon {
			s := m.signal(retail.SignalPriceChanged, n, now)
			s.PreviousPrice = prev
			signals = append(signals, s)
			changed = true
		}

		if !changed {
			n.LastChangedAt = p.LastChangedAt
		}
		out = append(out, n)
	}
	return out, signals
}

// Apply merges candidates, diffs them against the store, persists the new
// records and returns them with the signals they triggered.
func (m *Merger) Apply(ctx context.Context, store Store, candidates []retail.ProductCandidate) ([]retail.CanonicalProduct, []retail.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.Merge(candidates)
	prior := make([]retail.CanonicalProduct, 0, len(next))
	for _, n := range next {
		p, ok, err := store.Product(ctx, n.Fingerprint)
		if err != nil {
			return nil, nil, fmt.Errorf("dedup: load %s: %w", n.Fingerprint, err)
		}
		if !ok {
			p, ok, err = store.ProductByIdentity(ctx, n.Identity)
			if err != nil {
				return nil, nil, fmt.Errorf("dedup: load identity %q: %w", n.Identity, err)
			}
		}
		if ok {
			prior = append(prior, p)
		}
	}

	products, signals := m.Diff(prior, next, m.now())
	if err := store.SaveProducts(ctx, products); err != nil {
		return nil, nil, fmt.Errorf("dedup: save products: %w", err)
	}

	if len(signals) > 0 {
		m.logger.Debug("product changes detected", "products", len(products), "signals", len(signals))
	}
	return products, signals, nil
}

func (m *Merger) signal(typ retail.SignalType, p retail.CanonicalProduct, now time.Time) retail.Signal {
	return retail.Signal{
		ID:         m.newID(),
		Type:       typ,
		RetailerID: p.RetailerID(),
		Query:      p.Query,
		Product:    &p,
		Timestamp:  now,
	}
}

// better reports whether a should represent a group instead of b.
func better(a, b retail.ProductCandidate) bool {
	if a.InStock != b.InStock {
		return a.InStock
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Price != b.Price {
		// a missing price never wins over a real one
		switch {
		case a.Price <= 0:
			return false
		case b.Price <= 0:
			return true
		}
		return a.Price < b.Price
	}
	if a.ExternalID != b.ExternalID {
		return a.ExternalID < b.ExternalID
	}
	if a.URL != b.URL {
		return a.URL < b.URL
	}
	return a.Name < b.Name
}

func displayName(c retail.ProductCandidate) string {
	if NormalizeName(c.Name) == "" {
		return c.ExternalID
	}
	return c.Name
}
