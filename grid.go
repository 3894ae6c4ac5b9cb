package stockpulse

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/jpalmerr/stockpulse/retail"
)

// NewTargetGrid creates scan targets for every retailer × query
// combination.
//
// Queries come from [WithGridQueries], from a query template expanded over
// dimensions ([WithQueryTemplate] with [WithDimensions]), or both. The
// template uses Go's text/template syntax; missing template keys cause an
// error (fail-fast). Duplicate queries are generated once.
//
// Example:
//
//	targets, err := NewTargetGrid(
//	    WithGridRetailers("target", "walmart"),
//	    WithQueryTemplate("pokemon {{.set}} {{.product}}"),
//	    WithDimensions(map[string][]string{
//	        "set":     {"151", "prismatic evolutions"},
//	        "product": {"elite trainer box", "booster bundle"},
//	    }),
//	    WithGridPriority(2),
//	)
//	// Returns 8 targets, usable with WithTargets(targets...)
func NewTargetGrid(opts ...GridOption) ([]retail.ScanTarget, error) {
	cfg := &gridConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.retailers) == 0 {
		return nil, errors.New("at least one retailer required")
	}
	if cfg.queryTemplate != "" && len(cfg.dimensions) == 0 {
		return nil, errors.New("query template requires at least one dimension")
	}
	if cfg.queryTemplate == "" && len(cfg.dimensions) > 0 {
		return nil, errors.New("dimensions require a query template")
	}

	queries := append([]string(nil), cfg.queries...)
	if cfg.queryTemplate != "" {
		// missingkey=error for fail-fast behaviour
		tmpl, err := template.New("query").Option("missingkey=error").Parse(cfg.queryTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid query template: %w", err)
		}
		for _, combo := range cartesianProduct(cfg.dimensions) {
			q, err := executeTemplate(tmpl, combo)
			if err != nil {
				return nil, fmt.Errorf("template execution failed: %w", err)
			}
			queries = append(queries, q)
		}
	}
	queries = uniqueQueries(queries)
	if len(queries) == 0 {
		return nil, errors.New("at least one query required")
	}

	targets := make([]retail.ScanTarget, 0, len(cfg.retailers)*len(queries))
	for _, r := range cfg.retailers {
		for _, q := range queries {
			targets = append(targets, retail.ScanTarget{
				RetailerID:   r,
				Query:        q,
				BasePriority: cfg.priority,
				Watch:        cfg.watch,
			})
		}
	}
	return targets, nil
}

// cartesianProduct generates all combinations of dimension values.
// Keys are sorted alphabetically for deterministic output.
// Values maintain their original slice order.
//
// Example:
//
//	Input:  {"x": ["a","b"], "y": ["1","2"]}
//	Output: [{"x":"a","y":"1"}, {"x":"a","y":"2"}, {"x":"b","y":"1"}, {"x":"b","y":"2"}]
func cartesianProduct(dims map[string][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if len(dims[k]) == 0 {
			return nil
		}
	}

	total := 1
	for _, k := range keys {
		total *= len(dims[k])
	}
	result := make([]map[string]string, 0, total)

	indices := make([]int, len(keys))
	for {
		combo := make(map[string]string, len(keys))
		for i, k := range keys {
			combo[k] = dims[k][indices[i]]
		}
		result = append(result, combo)

		// increment indices (rightmost first)
		for i := len(keys) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[keys[i]]) {
				break
			}
			indices[i] = 0
			if i == 0 {
				return result
			}
		}
	}
}

// executeTemplate renders the template with the given data.
func executeTemplate(tmpl *template.Template, data map[string]string) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// uniqueQueries trims and collapses whitespace, dropping empty and
// repeated queries. Order is preserved.
func uniqueQueries(queries []string) []string {
	seen := make(map[string]bool, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.Join(strings.Fields(q), " ")
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}
