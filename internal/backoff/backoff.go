// Package backoff computes the advisory delay before the next request to a
// retailer.
//
// A single policy combines four factors:
//
//	delay = clamp(base * 2^failures, base, max)
//	      * latency factor   (EWMA of response times / reference, in [1, 4])
//	      * time-of-day      (peak, off-peak or neutral; maintenance skips)
//	      * jitter           (uniform in [1-j, 1+j])
//
// The controller never sleeps itself. Callers wait on the returned delay,
// so a slow retailer never holds up another one.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	maxLatencyFactor = 4.0
	maxExponent      = 30
)

// Config holds backoff tuning.
type Config struct {
	// Base is the delay with no recorded failures.
	Base time.Duration
	// Max caps the exponential part of the delay.
	Max time.Duration
	// LatencyReference is the response time considered normal. Slower
	// averages stretch the delay proportionally.
	LatencyReference time.Duration
	// LatencyAlpha is the EWMA smoothing factor in (0, 1].
	LatencyAlpha float64
	// Jitter is the relative jitter in [0, 1). Zero disables jitter.
	Jitter float64
	// PeakMultiplier applies inside peak windows.
	PeakMultiplier float64
	// OffPeakMultiplier applies inside off-peak windows.
	OffPeakMultiplier float64
	// Location is the time zone windows are evaluated in.
	Location *time.Location
	// Schedule is the default time-of-day schedule.
	Schedule Schedule
	// Schedules overrides Schedule per retailer id.
	Schedules map[string]Schedule
}

// DefaultConfig returns the default backoff tuning.
func DefaultConfig() Config {
	return Config{
		Base:              2 * time.Second,
		Max:               5 * time.Minute,
		LatencyReference:  time.Second,
		LatencyAlpha:      0.3,
		Jitter:            0.2,
		PeakMultiplier:    1.5,
		OffPeakMultiplier: 0.75,
		Location:          time.UTC,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Max < c.Base {
		c.Max = max(d.Max, c.Base)
	}
	if c.LatencyReference <= 0 {
		c.LatencyReference = d.LatencyReference
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = d.LatencyAlpha
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.PeakMultiplier <= 0 {
		c.PeakMultiplier = d.PeakMultiplier
	}
	if c.OffPeakMultiplier <= 0 {
		c.OffPeakMultiplier = d.OffPeakMultiplier
	}
	if c.Location == nil {
		c.Location = d.Location
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand sets the source of jitter, returning values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *Controller) { c.rand = fn }
}

// Controller tracks failure and latency history per retailer. Safe for
// concurrent use.
type Controller struct {
	cfg  Config
	now  func() time.Time
	rand func() float64

	mu     sync.RWMutex
	states map[string]*state
}

type state struct {
	mu        sync.Mutex
	failures  int
	latency   float64 // EWMA, nanoseconds
	samples   int
	lastDelay time.Duration
}

// New creates a controller. Zero fields of cfg fall back to
// [DefaultConfig].
func New(cfg Config, opts ...Option) *Controller {
	cfg.defaults()
	c := &Controller{
		cfg:    cfg,
		now:    time.Now,
		rand:   rand.Float64,
		states: make(map[string]*state),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) state(retailer string) *state {
	c.mu.RLock()
	st, ok := c.states[retailer]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.states[retailer]; ok {
		return st
	}
	st = &state{}
	c.states[retailer] = st
	return st
}

// Success resets the failure count and feeds the latency average.
func (c *Controller) Success(retailer string, latency time.Duration) {
	st := c.state(retailer)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failures = 0
	c.observe(st, latency)
}

// Failure increments the failure count. A positive latency also feeds the
// average, so slow failures stretch the delay too.
func (c *Controller) Failure(retailer string, latency time.Duration) {
	st := c.state(retailer)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failures++
	if latency > 0 {
		c.observe(st, latency)
	}
}

// observe must be called with st.mu held.
func (c *Controller) observe(st *state, latency time.Duration) {
	if latency <= 0 {
		return
	}
	if st.samples == 0 {
		st.latency = float64(latency)
	} else {
		a := c.cfg.LatencyAlpha
		st.latency = a*float64(latency) + (1-a)*st.latency
	}
	st.samples++
}

// NextDelay returns how long to wait before the next request to retailer.
// ok is false while the retailer is inside a maintenance window, in which
// case it must be skipped for this cycle.
func (c *Controller) NextDelay(retailer string) (time.Duration, bool) {
	st := c.state(retailer)
	st.mu.Lock()
	defer st.mu.Unlock()

	tod, ok := c.schedule(retailer).multiplier(c.now().In(c.cfg.Location), c.cfg.PeakMultiplier, c.cfg.OffPeakMultiplier)
	if !ok {
		return 0, false
	}

	d := float64(c.exponential(st.failures)) * c.latencyFactor(st) * tod * c.jitter()
	st.lastDelay = time.Duration(d)
	return st.lastDelay, true
}

// Current returns the last delay computed for retailer.
func (c *Controller) Current(retailer string) time.Duration {
	st := c.state(retailer)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastDelay
}

// Failures returns the current failure count of retailer.
func (c *Controller) Failures(retailer string) int {
	st := c.state(retailer)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failures
}

func (c *Controller) schedule(retailer string) Schedule {
	if s, ok := c.cfg.Schedules[retailer]; ok {
		return s
	}
	return c.cfg.Schedule
}

func (c *Controller) exponential(failures int) time.Duration {
	n := min(failures, maxExponent)
	d := float64(c.cfg.Base) * math.Pow(2, float64(n))
	if d > float64(c.cfg.Max) {
		return c.cfg.Max
	}
	return time.Duration(d)
}

func (c *Controller) latencyFactor(st *state) float64 {
	if st.samples == 0 {
		return 1
	}
	f := st.latency / float64(c.cfg.LatencyReference)
	return math.Min(math.Max(f, 1), maxLatencyFactor)
}

func (c *Controller) jitter() float64 {
	j := c.cfg.Jitter
	if j == 0 {
		return 1
	}
	return 1 - j + 2*j*c.rand()
}
