package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jpalmerr/stockpulse/retail"
)

// JSONAPIConfig describes a retailer search or product API.
//
// Paths use dot notation to navigate nested objects. For example,
// "data.search.products" navigates to
// {"data": {"search": {"products": [...]}}}. Item paths are relative to
// one element of the items array.
type JSONAPIConfig struct {
	// Retailer is the retailer id.
	Retailer string

	// URLTemplate is the request URL; "{query}" is replaced with the
	// escaped query.
	URLTemplate string

	// ItemsPath locates the array of products. Empty means the payload is
	// the array itself.
	ItemsPath string

	IDPath           string
	NamePath         string
	PricePath        string
	AvailabilityPath string

	// URLPath optionally locates the product page link.
	URLPath string

	// Currency is attached to every candidate.
	Currency string
}

// JSONAPI is an API-backed adapter driven by [JSONAPIConfig].
type JSONAPI struct {
	cfg JSONAPIConfig

	items        []string
	id           []string
	name         []string
	price        []string
	availability []string
	url          []string
}

// NewJSONAPI creates a JSON API adapter. Incomplete configuration is
// reported as [retail.ErrMissingConfig].
func NewJSONAPI(cfg JSONAPIConfig) (*JSONAPI, error) {
	if cfg.Retailer == "" {
		return nil, fmt.Errorf("adapters: json api without retailer id: %w", retail.ErrMissingConfig)
	}
	if err := validateTemplate(cfg.Retailer, cfg.URLTemplate); err != nil {
		return nil, err
	}
	if cfg.NamePath == "" || cfg.AvailabilityPath == "" {
		return nil, fmt.Errorf("adapters: %s: name and availability paths are required: %w", cfg.Retailer, retail.ErrMissingConfig)
	}

	return &JSONAPI{
		cfg:          cfg,
		items:        splitPath(cfg.ItemsPath),
		id:           splitPath(cfg.IDPath),
		name:         splitPath(cfg.NamePath),
		price:        splitPath(cfg.PricePath),
		availability: splitPath(cfg.AvailabilityPath),
		url:          splitPath(cfg.URLPath),
	}, nil
}

// ID implements [retail.Adapter].
func (a *JSONAPI) ID() string { return a.cfg.Retailer }

// Kind implements [retail.Adapter].
func (a *JSONAPI) Kind() retail.SourceKind { return retail.SourceAPI }

// Fetch implements [retail.Adapter].
func (a *JSONAPI) Fetch(ctx context.Context, t retail.ScanTarget, s retail.Session) (*retail.RawResponse, error) {
	return s.Get(ctx, expandURL(a.cfg.URLTemplate, t.Query))
}

// Parse implements [retail.Adapter]. Items without a name are skipped; a
// payload that is not JSON, or whose items path does not lead to an array,
// is a [retail.ParseError].
func (a *JSONAPI) Parse(raw *retail.RawResponse) ([]retail.ProductCandidate, error) {
	var data any
	if err := json.Unmarshal(raw.Body, &data); err != nil {
		return nil, &retail.ParseError{Retailer: a.cfg.Retailer, Cause: fmt.Errorf("invalid json: %w", err)}
	}

	node, ok := lookup(data, a.items)
	if !ok {
		return nil, &retail.ParseError{Retailer: a.cfg.Retailer, Cause: fmt.Errorf("items path %q not found", a.cfg.ItemsPath)}
	}
	items, ok := node.([]any)
	if !ok {
		return nil, &retail.ParseError{Retailer: a.cfg.Retailer, Cause: fmt.Errorf("items path %q is not an array", a.cfg.ItemsPath)}
	}

	out := make([]retail.ProductCandidate, 0, len(items))
	for _, item := range items {
		name := collapseSpace(lookupString(item, a.name))
		if name == "" {
			continue
		}

		c := retail.ProductCandidate{
			RetailerID: a.cfg.Retailer,
			ExternalID: lookupString(item, a.id),
			Name:       name,
			Currency:   a.cfg.Currency,
			URL:        lookupString(item, a.url),
		}
		if len(a.price) > 0 {
			c.Price = parsePrice(lookupString(item, a.price))
		}

		if inStock, ok := availability(lookupString(item, a.availability)); ok {
			c.Indicators = append(c.Indicators, retail.Indicator{
				Kind:    retail.IndicatorAvailabilityField,
				InStock: inStock,
				Source:  retail.SourceAPI,
			})
		}
		if len(a.price) > 0 {
			c.Indicators = append(c.Indicators, retail.Indicator{
				Kind:    retail.IndicatorPricePresent,
				InStock: c.Price > 0,
				Source:  retail.SourceAPI,
			})
		}
		out = append(out, c)
	}
	return out, nil
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// lookup walks a JSON structure using dot notation parts. Numeric parts
// index into arrays.
func lookup(data any, parts []string) (any, bool) {
	current := data
	for _, part := range parts {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// lookupString returns the value at parts rendered as a string, or "" when
// it is missing or not a scalar.
func lookupString(data any, parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	v, ok := lookup(data, parts)
	if !ok {
		return ""
	}

	switch v := v.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
