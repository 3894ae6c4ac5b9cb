package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one Breaker per retailer. The registry lock only guards
// the map; each breaker synchronizes its own state.
type Registry struct {
	cfg          Config
	now          func() time.Time
	onTransition func(Transition)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook registers a function invoked after every state
// transition, outside of any breaker lock.
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Registry) { r.onTransition = fn }
}

// NewRegistry creates a registry whose breakers share cfg. Zero fields of
// cfg fall back to [DefaultConfig].
func NewRegistry(cfg Config, opts ...Option) *Registry {
	cfg.defaults()
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the breaker of a retailer, creating it on first use.
func (r *Registry) Get(retailer string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[retailer]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[retailer]; ok {
		return b
	}
	b = newBreaker(retailer, r.cfg, r.now)
	r.breakers[retailer] = b
	return b
}

// Allow reports whether a request to retailer may be issued now.
func (r *Registry) Allow(retailer string) bool {
	ok, tr := r.Get(retailer).Allow()
	r.notify(tr)
	return ok
}

// Report records the outcome of a request to retailer.
func (r *Registry) Report(retailer string, o Outcome) {
	r.notify(r.Get(retailer).Report(o))
}

// State returns the current circuit state of retailer.
func (r *Registry) State(retailer string) State {
	return r.Get(retailer).State()
}

// Snapshots returns a view of every known breaker, sorted by retailer.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Retailer < out[j].Retailer })
	return out
}

func (r *Registry) notify(tr *Transition) {
	if tr == nil || r.onTransition == nil {
		return
	}
	r.onTransition(*tr)
}

// IsBlockTransition reports whether tr marks a retailer as newly blocked.
// Re-opening after a failed half-open trial is not a new block.
func IsBlockTransition(tr Transition) bool {
	return tr.From == Closed && tr.To == Open
}

// IsUnblockTransition reports whether tr marks a blocked retailer as
// recovered.
func IsUnblockTransition(tr Transition) bool {
	return tr.From == HalfOpen && tr.To == Closed
}
