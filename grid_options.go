package stockpulse

import (
	"errors"
	"fmt"
)

// gridConfig holds configuration during target grid construction.
type gridConfig struct {
	retailers     []string
	queries       []string
	queryTemplate string
	dimensions    map[string][]string
	priority      float64
	watch         bool
}

// GridOption configures target grid generation.
// GridOption implements the functional options pattern for [NewTargetGrid].
type GridOption func(*gridConfig) error

// WithGridRetailers sets the retailer ids every query is scanned at.
//
// Returns an error if no retailer is given or any id is empty.
func WithGridRetailers(ids ...string) GridOption {
	return func(cfg *gridConfig) error {
		if len(ids) == 0 {
			return errors.New("at least one retailer required")
		}
		for i, id := range ids {
			if id == "" {
				return fmt.Errorf("empty retailer id at index %d", i)
			}
		}
		cfg.retailers = append(cfg.retailers, ids...)
		return nil
	}
}

// WithGridQueries adds literal queries to the grid.
//
// Returns an error if any query is empty.
func WithGridQueries(queries ...string) GridOption {
	return func(cfg *gridConfig) error {
		for i, q := range queries {
			if q == "" {
				return fmt.Errorf("empty query at index %d", i)
			}
		}
		cfg.queries = append(cfg.queries, queries...)
		return nil
	}
}

// WithQueryTemplate sets the query template expanded over dimensions.
// The template uses Go's text/template syntax with dimension keys as
// variables.
//
// Example:
//
//	WithQueryTemplate("{{.brand}} {{.product}}")
//
// Returns an error if the template string is empty.
func WithQueryTemplate(tmpl string) GridOption {
	return func(cfg *gridConfig) error {
		if tmpl == "" {
			return errors.New("query template required")
		}
		cfg.queryTemplate = tmpl
		return nil
	}
}

// WithDimensions sets the dimension values for cartesian product expansion.
// Each key in the map becomes a template variable, and the cartesian product
// of all values generates the queries.
//
// Example:
//
//	WithDimensions(map[string][]string{
//	    "brand":   {"pokemon", "lorcana"},
//	    "product": {"booster box", "starter deck"},
//	})
//
// Returns an error if the map is empty, any dimension has no values,
// or any value is an empty string.
func WithDimensions(dims map[string][]string) GridOption {
	return func(cfg *gridConfig) error {
		if len(dims) == 0 {
			return errors.New("at least one dimension required")
		}
		for k, vals := range dims {
			if len(vals) == 0 {
				return fmt.Errorf("dimension '%s' has no values", k)
			}
			for i, v := range vals {
				if v == "" {
					return fmt.Errorf("dimension '%s' contains empty value at index %d", k, i)
				}
			}
		}
		cfg.dimensions = dims
		return nil
	}
}

// WithGridPriority sets the base priority of all generated targets.
// Higher priorities are scanned more often; zero means 1.
//
// Returns an error if the priority is negative.
func WithGridPriority(p float64) GridOption {
	return func(cfg *gridConfig) error {
		if p < 0 {
			return errors.New("priority cannot be negative")
		}
		cfg.priority = p
		return nil
	}
}

// WithGridWatch marks all generated targets as watched, which boosts
// their scan frequency.
func WithGridWatch() GridOption {
	return func(cfg *gridConfig) error {
		cfg.watch = true
		return nil
	}
}
