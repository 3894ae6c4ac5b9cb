package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/stockpulse/retail"
)

// Config holds scheduler tuning.
type Config struct {
	// BaseInterval is the re-scan interval of a target with priority 1.
	BaseInterval time.Duration

	// MinInterval is the floor for any target's interval.
	MinInterval time.Duration

	// WatchBoost multiplies the priority of watched targets by (1 + boost).
	WatchBoost float64

	// VolatilityWeight multiplies priority by (1 + volatility * weight).
	VolatilityWeight float64

	// VolatilityAlpha is the EWMA factor applied to "changed" observations.
	VolatilityAlpha float64

	// Jitter spreads eligibility over interval * (1 ± Jitter). Zero
	// disables jitter.
	Jitter float64

	// TickInterval is how often the background loop checks for due targets.
	TickInterval time.Duration

	// BatchSize is the capacity requested per tick by the background loop.
	BatchSize int
}

// DefaultConfig returns the default scheduler tuning.
func DefaultConfig() Config {
	return Config{
		BaseInterval:     5 * time.Minute,
		MinInterval:      30 * time.Second,
		WatchBoost:       2,
		VolatilityWeight: 1,
		VolatilityAlpha:  0.3,
		Jitter:           0.1,
		TickInterval:     time.Second,
		BatchSize:        10,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.WatchBoost < 0 {
		c.WatchBoost = d.WatchBoost
	}
	if c.VolatilityWeight < 0 {
		c.VolatilityWeight = d.VolatilityWeight
	}
	if c.VolatilityAlpha <= 0 || c.VolatilityAlpha > 1 {
		c.VolatilityAlpha = d.VolatilityAlpha
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRand sets the jitter source, returning values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(s *Scheduler) { s.rand = fn }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// entry is the scheduler's bookkeeping for one target.
type entry struct {
	target    retail.ScanTarget
	inFlight  bool
	jitter    float64   // interval factor drawn after every scan
	notBefore time.Time // set by Release
}

// Scheduler decides which targets are due for a scan.
//
// Targets are kept in memory keyed by [retail.ScanTarget.Key]. A target
// handed out by [Scheduler.NextBatch] is in flight until [Scheduler.Complete]
// or [Scheduler.Release] is called for it, and is never handed out twice.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	cfg    Config
	now    func() time.Time
	rand   func() float64
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]*entry

	// lifecycle of the background loop
	batches   chan []retail.ScanTarget
	lmu       sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a [Scheduler]. Zero fields of cfg fall back to
// [DefaultConfig].
func New(cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:     cfg,
		now:     time.Now,
		rand:    rand.Float64,
		logger:  slog.Default(),
		targets: make(map[string]*entry),
		batches: make(chan []retail.ScanTarget, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Priority returns the effective priority of t.
func (s *Scheduler) Priority(t retail.ScanTarget) float64 {
	base := t.BasePriority
	if base <= 0 {
		base = 1
	}
	p := base * (1 + s.cfg.VolatilityWeight*clamp01(t.Volatility))
	if t.Watch {
		p *= 1 + s.cfg.WatchBoost
	}
	return p
}

// Interval returns the re-scan interval of t before jitter.
func (s *Scheduler) Interval(t retail.ScanTarget) time.Duration {
	d := time.Duration(float64(s.cfg.BaseInterval) / s.Priority(t))
	if d < s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	return d
}

// Register adds a target or updates the configuration of a known one.
// Scan history (last-scanned, volatility) of a known target is kept.
func (s *Scheduler) Register(t retail.ScanTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := t.Key()
	if e, ok := s.targets[key]; ok {
		e.target.BasePriority = t.BasePriority
		e.target.Watch = t.Watch
		e.target.Active = true
		if t.Volatility > 0 {
			e.target.Volatility = clamp01(t.Volatility)
		}
		return
	}

	t.Active = true
	t.Volatility = clamp01(t.Volatility)
	s.targets[key] = &entry{target: t, jitter: s.drawJitter()}
}

// Deactivate soft-deletes a target: it clears the watch flag and stops
// scheduling it. The record is kept. Returns false for unknown keys.
func (s *Scheduler) Deactivate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.targets[key]
	if !ok {
		return false
	}
	e.target.Active = false
	e.target.Watch = false
	return true
}

// Target returns the current state of a target.
func (s *Scheduler) Target(key string) (retail.ScanTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.targets[key]
	if !ok {
		return retail.ScanTarget{}, false
	}
	return e.target, true
}

// Targets returns a snapshot of every known target, sorted by key.
func (s *Scheduler) Targets() []retail.ScanTarget {
	s.mu.Lock()
	out := make([]retail.ScanTarget, 0, len(s.targets))
	for _, e := range s.targets {
		out = append(out, e.target)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// NextBatch returns up to capacity due targets, highest priority first;
// ties go to the target scanned longest ago. Returned targets are marked in
// flight. An empty batch means nothing is due.
func (s *Scheduler) NextBatch(capacity int) []retail.ScanTarget {
	if capacity <= 0 {
		return nil
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		e        *entry
		priority float64
	}
	due := make([]candidate, 0, len(s.targets))
	for _, e := range s.targets {
		if !e.target.Active || e.inFlight || now.Before(e.notBefore) {
			continue
		}
		if !e.target.LastScanned.IsZero() {
			interval := time.Duration(float64(s.Interval(e.target)) * e.jitter)
			if now.Sub(e.target.LastScanned) < interval {
				continue
			}
		}
		due = append(due, candidate{e: e, priority: s.Priority(e.target)})
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.e.target.LastScanned.Equal(b.e.target.LastScanned) {
			return a.e.target.LastScanned.Before(b.e.target.LastScanned)
		}
		return a.e.target.Key() < b.e.target.Key()
	})

	if len(due) > capacity {
		due = due[:capacity]
	}
	batch := make([]retail.ScanTarget, 0, len(due))
	for _, c := range due {
		c.e.inFlight = true
		batch = append(batch, c.e.target)
	}
	return batch
}

// Complete records a finished scan: it updates last-scanned and the
// volatility estimate, and releases the in-flight mark. changed reports
// whether the scan observed a state change.
func (s *Scheduler) Complete(key string, at time.Time, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.targets[key]
	if !ok {
		return
	}
	var obs float64
	if changed {
		obs = 1
	}
	a := s.cfg.VolatilityAlpha
	e.target.Volatility = clamp01(a*obs + (1-a)*e.target.Volatility)
	e.target.LastScanned = at
	e.inFlight = false
	e.notBefore = time.Time{}
	e.jitter = s.drawJitter()
}

// Release clears the in-flight mark without recording a scan, for targets
// that were skipped. The target is not due again before notBefore.
func (s *Scheduler) Release(key string, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.targets[key]; ok {
		e.inFlight = false
		e.notBefore = notBefore
	}
}

// Batches returns a receive-only channel of due batches produced by the
// background loop. The channel is closed when the scheduler stops.
func (s *Scheduler) Batches() <-chan []retail.ScanTarget {
	return s.batches
}

// Start begins the background loop. It checks for due targets immediately
// and then every TickInterval, emitting non-empty batches on
// [Scheduler.Batches]. Start is idempotent; after Stop it is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.lmu.Lock()
	if s.started || s.stopped {
		s.lmu.Unlock()
		return
	}
	s.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.lmu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.batches) })

		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		for {
			if batch := s.NextBatch(s.cfg.BatchSize); len(batch) > 0 {
				select {
				case s.batches <- batch:
				case <-loopCtx.Done():
					// never handed out
					for _, t := range batch {
						s.Release(t.Key(), time.Time{})
					}
					return
				}
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the background loop and closes the batch channel. Stop is
// idempotent and safe to call before Start.
func (s *Scheduler) Stop() {
	s.lmu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.lmu.Unlock()

	s.wg.Wait()
	s.closeOnce.Do(func() { close(s.batches) })
}

// drawJitter must be called with mu held.
func (s *Scheduler) drawJitter() float64 {
	j := s.cfg.Jitter
	return 1 - j + 2*j*s.rand()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
