package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jpalmerr/stockpulse/retail"
)

// DefaultMaxSignals is the signal log capacity of a [MemoryStore].
const DefaultMaxSignals = 1000

// MemoryStore is an in-memory implementation of [Store].
//
// Products are keyed by fingerprint, with new records replacing previous
// ones. The signal log is a bounded slice; once full, the oldest signals
// are dropped.
type MemoryStore struct {
	*hub

	mu         sync.RWMutex
	products   map[string]retail.CanonicalProduct
	identities map[string]string
	signals    []retail.Signal
	maxSignals int
}

// NewMemoryStore creates a new in-memory [Store] keeping at most
// maxSignals signals. maxSignals <= 0 uses [DefaultMaxSignals].
func NewMemoryStore(maxSignals int) *MemoryStore {
	if maxSignals <= 0 {
		maxSignals = DefaultMaxSignals
	}
	return &MemoryStore{
		hub:        newHub(),
		products:   make(map[string]retail.CanonicalProduct),
		identities: make(map[string]string),
		maxSignals: maxSignals,
	}
}

// Product implements [Store].
func (m *MemoryStore) Product(_ context.Context, fingerprint string) (retail.CanonicalProduct, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[fingerprint]
	return p, ok, nil
}

// ProductByIdentity implements [Store].
func (m *MemoryStore) ProductByIdentity(_ context.Context, identity string) (retail.CanonicalProduct, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fp, ok := m.identities[identity]
	if !ok {
		return retail.CanonicalProduct{}, false, nil
	}
	p, ok := m.products[fp]
	return p, ok, nil
}

// SaveProducts implements [Store].
func (m *MemoryStore) SaveProducts(_ context.Context, products []retail.CanonicalProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range products {
		m.products[p.Fingerprint] = p
		if p.Identity != "" {
			m.identities[p.Identity] = p.Fingerprint
		}
	}
	return nil
}

// Products implements [Store]. The returned slice is a copy.
func (m *MemoryStore) Products(_ context.Context, f ProductFilter) ([]retail.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]retail.CanonicalProduct, 0, len(m.products))
	for _, p := range m.products {
		if f.match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

// AppendSignals implements [Store].
func (m *MemoryStore) AppendSignals(_ context.Context, signals []retail.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	m.mu.Lock()
	m.signals = append(m.signals, signals...)
	if over := len(m.signals) - m.maxSignals; over > 0 {
		m.signals = append([]retail.Signal(nil), m.signals[over:]...)
	}
	m.mu.Unlock()

	m.publish(signals)
	return nil
}

// Signals implements [Store].
func (m *MemoryStore) Signals(_ context.Context, f SignalFilter) ([]retail.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []retail.Signal
	for i := len(m.signals) - 1; i >= 0; i-- {
		if !f.match(m.signals[i]) {
			continue
		}
		out = append(out, m.signals[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements [Store].
func (m *MemoryStore) Subscribe() <-chan retail.Signal {
	return m.subscribe()
}

// Unsubscribe implements [Store].
func (m *MemoryStore) Unsubscribe(ch <-chan retail.Signal) {
	m.unsubscribe(ch)
}

// Close implements [Store].
func (m *MemoryStore) Close() error {
	m.closeAll()
	return nil
}
