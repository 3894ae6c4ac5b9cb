package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/jpalmerr/stockpulse/retail"
)

// MockProduct is one product of a [Mock] catalog.
type MockProduct struct {
	SKU     string  `json:"sku"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
	InStock bool    `json:"in_stock"`
}

type mockPayload struct {
	Items []MockProduct `json:"items"`
}

// Mock is a deterministic offline adapter. It serves a catalog keyed by
// query and never touches the network, which makes it suitable for demos
// and tests. Stock, prices and failures can be changed while the engine
// runs. Safe for concurrent use.
type Mock struct {
	id string

	mu      sync.Mutex
	catalog map[string][]MockProduct
	err     error
	latency time.Duration
	fetches int
}

// NewMock creates a mock adapter for retailer id serving catalog.
func NewMock(id string, catalog map[string][]MockProduct) *Mock {
	m := &Mock{id: id, catalog: make(map[string][]MockProduct, len(catalog))}
	for q, products := range catalog {
		m.catalog[q] = append([]MockProduct(nil), products...)
	}
	return m
}

// ID implements [retail.Adapter].
func (m *Mock) ID() string { return m.id }

// Kind implements [retail.Adapter].
func (m *Mock) Kind() retail.SourceKind { return retail.SourceAPI }

// Fetch implements [retail.Adapter].
func (m *Mock) Fetch(ctx context.Context, t retail.ScanTarget, _ retail.Session) (*retail.RawResponse, error) {
	m.mu.Lock()
	m.fetches++
	latency, failure := m.latency, m.err
	payload := mockPayload{Items: append([]MockProduct{}, m.catalog[t.Query]...)}
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mock %s: encode catalog: %w", m.id, err)
	}
	h := fnv.New64a()
	_, _ = h.Write(body)

	return &retail.RawResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       body,
		ETag:       fmt.Sprintf(`"%x"`, h.Sum64()),
		Latency:    latency,
	}, nil
}

// Parse implements [retail.Adapter].
func (m *Mock) Parse(raw *retail.RawResponse) ([]retail.ProductCandidate, error) {
	var payload mockPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, &retail.ParseError{Retailer: m.id, Cause: err}
	}

	out := make([]retail.ProductCandidate, 0, len(payload.Items))
	for _, p := range payload.Items {
		out = append(out, retail.ProductCandidate{
			RetailerID: m.id,
			ExternalID: p.SKU,
			Name:       p.Name,
			Price:      p.Price,
			Currency:   "USD",
			Indicators: []retail.Indicator{
				{Kind: retail.IndicatorAvailabilityField, InStock: p.InStock, Source: retail.SourceAPI},
				{Kind: retail.IndicatorPricePresent, InStock: p.Price > 0, Source: retail.SourceAPI},
			},
		})
	}
	return out, nil
}

// SetStock changes the stock state of sku under query. Returns false when
// the product is unknown.
func (m *Mock) SetStock(query, sku string, inStock bool) bool {
	return m.update(query, sku, func(p *MockProduct) { p.InStock = inStock })
}

// SetPrice changes the price of sku under query. Returns false when the
// product is unknown.
func (m *Mock) SetPrice(query, sku string, price float64) bool {
	return m.update(query, sku, func(p *MockProduct) { p.Price = price })
}

// Add appends a product to the catalog of query.
func (m *Mock) Add(query string, p MockProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[query] = append(m.catalog[query], p)
}

// FailWith makes every following fetch return err. A nil err restores
// normal behaviour.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetLatency delays every following fetch by d.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Fetches returns how many fetches were made.
func (m *Mock) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *Mock) update(query, sku string, fn func(*MockProduct)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.catalog[query] {
		if m.catalog[query][i].SKU == sku {
			fn(&m.catalog[query][i])
			return true
		}
	}
	return false
}
