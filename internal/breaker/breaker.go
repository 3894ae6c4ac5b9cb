// Package breaker implements the per-retailer circuit breaker: a go/no-go
// gate driven by recent failure history.
//
// State machine:
//
//	Closed --(threshold consecutive failures)--> Open
//	Open --(cooldown elapsed)--> HalfOpen (exactly one trial request)
//	HalfOpen --(trial success)--> Closed
//	HalfOpen --(trial failure)--> Open (cooldown restarts)
//
// Breakers are kept in a [Registry] keyed by retailer id. Each breaker has
// its own mutex, so unrelated retailers never contend on a shared lock.
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit state.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // calls rejected
	HalfOpen              // one trial call permitted
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Result is the outcome of a request as seen by the breaker.
type Result int

const (
	Success Result = iota
	Failure
	Blocked
	// Neutral outcomes (parse errors, cancelled requests) neither count as
	// failures nor reset the failure streak. They release a half-open trial.
	Neutral
)

// Outcome is reported after every attempted request.
type Outcome struct {
	Result  Result
	Latency time.Duration
	Reason  string
}

// Config holds breaker tuning.
type Config struct {
	// Threshold is the consecutive failure count that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before half-open.
	Cooldown time.Duration
	// FailureWindow bounds a failure streak: a failure arriving more than
	// FailureWindow after the previous one restarts the count.
	FailureWindow time.Duration
	// BlockedWeight is how many failures a BlockedError counts for.
	BlockedWeight int
	// WindowSize is the number of outcomes kept for health statistics.
	WindowSize int
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		Cooldown:      300 * time.Second,
		FailureWindow: 10 * time.Minute,
		BlockedWeight: 2,
		WindowSize:    20,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.BlockedWeight <= 0 {
		c.BlockedWeight = d.BlockedWeight
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
}

// Transition describes a state change of one retailer's breaker.
type Transition struct {
	Retailer string
	From     State
	To       State
	At       time.Time
	Reason   string
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Retailer            string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	SuccessRate         float64
	AvgLatency          time.Duration
	Samples             int
}

// Breaker is the circuit breaker of a single retailer. Safe for
// concurrent use.
type Breaker struct {
	retailer string
	cfg      Config
	now      func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
	window        *window
}

func newBreaker(retailer string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		retailer: retailer,
		cfg:      cfg,
		now:      now,
		state:    Closed,
		window:   newWindow(cfg.WindowSize),
	}
}

// Allow reports whether a request may be issued now. In HalfOpen exactly
// one caller is admitted until its outcome is reported.
func (b *Breaker) Allow() (bool, *Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr := b.maybeHalfOpen()

	switch b.state {
	case Closed:
		return true, tr
	case HalfOpen:
		if b.trialInFlight {
			return false, tr
		}
		b.trialInFlight = true
		return true, tr
	default:
		return false, tr
	}
}

// Report records the outcome of a request and returns the transition it
// caused, if any.
func (b *Breaker) Report(o Outcome) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if o.Result != Neutral {
		b.window.add(o.Result == Success, o.Latency)
	}

	switch b.state {
	case HalfOpen:
		b.trialInFlight = false
		switch o.Result {
		case Success:
			b.failures = 0
			return b.transition(Closed, now, "trial succeeded")
		case Failure, Blocked:
			b.openedAt = now
			b.lastFailure = now
			return b.transition(Open, now, o.Reason)
		}
		return nil

	case Closed:
		switch o.Result {
		case Success:
			b.failures = 0
		case Failure, Blocked:
			if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.FailureWindow {
				b.failures = 0
			}
			b.lastFailure = now
			if o.Result == Blocked {
				b.failures += b.cfg.BlockedWeight
			} else {
				b.failures++
			}
			if b.failures >= b.cfg.Threshold {
				b.openedAt = now
				return b.transition(Open, now, o.Reason)
			}
		}
		return nil

	default:
		// late outcome of a request admitted before the circuit opened
		if o.Result == Failure || o.Result == Blocked {
			b.lastFailure = now
		}
		return nil
	}
}

// State returns the current state, applying the cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Snapshot returns a read-only view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	rate, avg, n := b.window.stats()
	return Snapshot{
		Retailer:            b.retailer,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		SuccessRate:         rate,
		AvgLatency:          avg,
		Samples:             n,
	}
}

// maybeHalfOpen moves an open breaker to half-open once the cooldown has
// elapsed. Must be called with mu held. The returned transition is not an
// Open exit: unblocking is only announced once the trial succeeds.
func (b *Breaker) maybeHalfOpen() *Transition {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.trialInFlight = false
		return b.transition(HalfOpen, b.now(), "cooldown elapsed")
	}
	return nil
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, at time.Time, reason string) *Transition {
	from := b.state
	b.state = to
	if to == Closed {
		b.openedAt = time.Time{}
	}
	return &Transition{Retailer: b.retailer, From: from, To: to, At: at, Reason: reason}
}
