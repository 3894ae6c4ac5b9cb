// Package verify scores the stock evidence of a product candidate.
//
// Every indicator produced by an adapter is a weighted vote. The verdict is
// the heavier side (a tie counts as out of stock) and confidence is the
// agreeing share of the total weight, capped by how trustworthy the
// evidence source is: structured API data may reach 1.0, scraped markup
// only the scrape ceiling.
//
// A positive verdict is only accepted when it is corroborated: either an
// API-sourced in-stock vote, or at least two distinct kinds of in-stock
// evidence. A lone scraped "add to cart" button is never enough.
package verify

import (
	"fmt"
	"math"

	"github.com/jpalmerr/stockpulse/retail"
)

// Config holds verifier tuning.
type Config struct {
	// Weights maps indicator kinds to vote weights. Kinds not present use
	// the defaults.
	Weights map[retail.IndicatorKind]float64

	// Threshold is the minimum confidence for a candidate to be verified.
	Threshold float64

	// ScrapeCeiling caps confidence when no API indicator is present.
	ScrapeCeiling float64

	// APICeiling caps confidence when an API indicator is present.
	APICeiling float64

	// SingleAPIConfidence is the confidence of a candidate backed by a
	// single API indicator.
	SingleAPIConfidence float64

	// SingleScrapeConfidence is the confidence of a candidate backed by a
	// single scraped indicator.
	SingleScrapeConfidence float64
}

// DefaultWeights returns the default indicator weights.
func DefaultWeights() map[retail.IndicatorKind]float64 {
	return map[retail.IndicatorKind]float64{
		retail.IndicatorAvailabilityField:  3,
		retail.IndicatorPurchaseAffordance: 2,
		retail.IndicatorOutOfStockMarker:   2,
		retail.IndicatorPricePresent:       1,
	}
}

// DefaultConfig returns the default verifier tuning.
func DefaultConfig() Config {
	return Config{
		Weights:                DefaultWeights(),
		Threshold:              0.6,
		ScrapeCeiling:          0.85,
		APICeiling:             1.0,
		SingleAPIConfidence:    0.9,
		SingleScrapeConfidence: 0.6,
	}
}

// Validate reports configuration that would make confidences meaningless.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("verify: threshold %v outside [0,1]: %w", c.Threshold, retail.ErrMissingConfig)
	}
	for kind, w := range c.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("verify: negative weight %v for %s: %w", w, kind, retail.ErrMissingConfig)
		}
	}
	for name, v := range map[string]float64{
		"scrape ceiling":           c.ScrapeCeiling,
		"api ceiling":              c.APICeiling,
		"single api confidence":    c.SingleAPIConfidence,
		"single scrape confidence": c.SingleScrapeConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("verify: %s %v outside [0,1]: %w", name, v, retail.ErrMissingConfig)
		}
	}
	// a second agreeing indicator must never lower confidence
	if c.SingleScrapeConfidence > c.ScrapeCeiling || c.SingleAPIConfidence > c.APICeiling {
		return fmt.Errorf("verify: single-indicator confidence above its ceiling: %w", retail.ErrMissingConfig)
	}
	return nil
}

// Verifier scores candidates. It is immutable and safe for concurrent use.
type Verifier struct {
	cfg     Config
	weights map[retail.IndicatorKind]float64
}

// New creates a verifier. Zero numeric fields of cfg fall back to
// [DefaultConfig]; missing weights fall back to [DefaultWeights].
func New(cfg Config) (*Verifier, error) {
	d := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.ScrapeCeiling == 0 {
		cfg.ScrapeCeiling = d.ScrapeCeiling
	}
	if cfg.APICeiling == 0 {
		cfg.APICeiling = d.APICeiling
	}
	if cfg.SingleAPIConfidence == 0 {
		cfg.SingleAPIConfidence = d.SingleAPIConfidence
	}
	if cfg.SingleScrapeConfidence == 0 {
		cfg.SingleScrapeConfidence = d.SingleScrapeConfidence
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	weights := DefaultWeights()
	for k, w := range cfg.Weights {
		weights[k] = w
	}
	return &Verifier{cfg: cfg, weights: weights}, nil
}

// Threshold returns the verification threshold.
func (v *Verifier) Threshold() float64 {
	return v.cfg.Threshold
}

// Assessment is the full verdict on a candidate.
type Assessment struct {
	// InStock is a corroborated in-stock verdict.
	InStock bool
	// OutOfStock is an explicit out-of-stock verdict: the out-of-stock
	// side weighed at least as much as the in-stock side.
	OutOfStock bool
	// Confidence is the verdict confidence in [0, 1].
	Confidence float64
}

// Verify returns the stock verdict of a candidate and its confidence in
// [0, 1]. A candidate with no indicators is out of stock with confidence 0.
func (v *Verifier) Verify(c retail.ProductCandidate) (inStock bool, confidence float64) {
	a := v.Assess(c)
	return a.InStock, a.Confidence
}

// Assess is like [Verifier.Verify] but also reports whether the negative
// verdict was explicit.
func (v *Verifier) Assess(c retail.ProductCandidate) Assessment {
	var (
		inWeight, outWeight float64
		votes               int
		hasAPI              bool
		apiInStock          bool
		inKinds             = make(map[retail.IndicatorKind]struct{}, 4)
	)

	for _, ind := range c.Indicators {
		w := v.weights[ind.Kind]
		if w <= 0 {
			continue
		}
		votes++
		if ind.Source == retail.SourceAPI {
			hasAPI = true
		}
		if ind.InStock {
			inWeight += w
			inKinds[ind.Kind] = struct{}{}
			if ind.Source == retail.SourceAPI {
				apiInStock = true
			}
		} else {
			outWeight += w
		}
	}

	total := inWeight + outWeight
	if votes == 0 || total == 0 {
		return Assessment{}
	}

	verdict := inWeight > outWeight
	agreeing := outWeight
	if verdict {
		agreeing = inWeight
	}

	ceiling := v.cfg.ScrapeCeiling
	if hasAPI {
		ceiling = v.cfg.APICeiling
	}

	var confidence float64
	switch {
	case votes == 1 && hasAPI:
		confidence = v.cfg.SingleAPIConfidence
	case votes == 1:
		confidence = v.cfg.SingleScrapeConfidence
	default:
		confidence = agreeing / total * ceiling
	}

	return Assessment{
		// positives need an API vote or two distinct kinds of evidence
		InStock:    verdict && (apiInStock || len(inKinds) >= 2),
		OutOfStock: !verdict,
		Confidence: clamp01(confidence),
	}
}

// Apply verifies c and returns it with InStock, OutOfStock and Confidence
// filled in.
func (v *Verifier) Apply(c retail.ProductCandidate) retail.ProductCandidate {
	a := v.Assess(c)
	c.InStock, c.OutOfStock, c.Confidence = a.InStock, a.OutOfStock, a.Confidence
	return c
}

// Verified reports whether confidence reaches the threshold.
func (v *Verifier) Verified(confidence float64) bool {
	return confidence >= v.cfg.Threshold
}

func clamp01(f float64) float64 {
	return math.Min(math.Max(f, 0), 1)
}
