package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jpalmerr/stockpulse/internal/backoff"
	"github.com/jpalmerr/stockpulse/internal/breaker"
	"github.com/jpalmerr/stockpulse/internal/cache"
	"github.com/jpalmerr/stockpulse/internal/dedup"
	"github.com/jpalmerr/stockpulse/internal/verify"
	"github.com/jpalmerr/stockpulse/retail"
)

// State is the lifecycle state of a scan cycle.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateCollecting State = "collecting"
	StateMerging    State = "merging"
	StateComplete   State = "complete"
)

// Skip reasons.
const (
	ReasonCircuitOpen = "circuit open"
	ReasonMaintenance = "maintenance window"
)

// Config holds orchestrator tuning.
type Config struct {
	// MaxInFlight bounds concurrent network requests across all retailers.
	MaxInFlight int64

	// RequestTimeout bounds a single network request.
	RequestTimeout time.Duration

	// RetailerTimeout bounds one retailer's task within a cycle.
	RetailerTimeout time.Duration
}

// DefaultConfig returns the default orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:     10,
		RequestTimeout:  15 * time.Second,
		RetailerTimeout: 45 * time.Second,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RetailerTimeout <= 0 {
		c.RetailerTimeout = d.RetailerTimeout
	}
}

// SessionFunc returns the session an adapter fetches through. prior holds
// the validators of the cached response, or the zero value.
type SessionFunc func(retailer string, prior retail.Validators) retail.Session

// PaceFunc blocks until a retailer's request spacing allows the next
// request. Errors should wrap [retail.ErrNotSent].
type PaceFunc func(ctx context.Context, retailer string) error

// Deps are the collaborators of an Orchestrator. All are required except
// Pace.
type Deps struct {
	Adapters map[string]retail.Adapter
	Sessions SessionFunc
	Pace     PaceFunc
	Breakers *breaker.Registry
	Backoff  *backoff.Controller
	Cache    *cache.Cache
	Verifier *verify.Verifier
	Merger   *dedup.Merger
	Store    dedup.Store
}

func (d Deps) validate() error {
	switch {
	case len(d.Adapters) == 0:
		return fmt.Errorf("orchestrator: no adapters: %w", retail.ErrMissingConfig)
	case d.Sessions == nil:
		return fmt.Errorf("orchestrator: no session provider: %w", retail.ErrMissingConfig)
	case d.Breakers == nil, d.Backoff == nil, d.Cache == nil:
		return fmt.Errorf("orchestrator: breaker, backoff and cache are required: %w", retail.ErrMissingConfig)
	case d.Verifier == nil, d.Merger == nil, d.Store == nil:
		return fmt.Errorf("orchestrator: verifier, merger and store are required: %w", retail.ErrMissingConfig)
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStateHook registers a function called on every cycle state change.
func WithStateHook(fn func(cycleID string, s State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// RetailerError is a retailer that failed during a cycle.
type RetailerError struct {
	RetailerID string           `json:"retailer_id"`
	Kind       retail.ErrorKind `json:"kind"`
	Err        error            `json:"-"`
}

// MarshalJSON includes the error message.
func (e RetailerError) MarshalJSON() ([]byte, error) {
	type alias RetailerError
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		alias
		Error string `json:"error"`
	}{alias(e), msg})
}

// RetailerSkip is a retailer that was not attempted during a cycle.
type RetailerSkip struct {
	RetailerID string `json:"retailer_id"`
	Reason     string `json:"reason"`
}

// TargetOutcome is what happened to one target during a cycle.
type TargetOutcome struct {
	Target     retail.ScanTarget `json:"target"`
	Attempted  bool              `json:"attempted"`
	FromCache  bool              `json:"from_cache"`
	Candidates int               `json:"candidates"`
	Kind       retail.ErrorKind  `json:"error_kind,omitempty"`
}

// Result is the outcome of one cycle.
type Result struct {
	CycleID    string                    `json:"cycle_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Products   []retail.CanonicalProduct `json:"products"`
	Signals    []retail.Signal           `json:"signals"`
	Errors     []RetailerError           `json:"errors"`
	Skipped    []RetailerSkip            `json:"skipped"`
	Targets    []TargetOutcome           `json:"targets"`

	// Partial is true when at least one retailer failed or was skipped.
	Partial bool `json:"partial"`
}

// Orchestrator runs scan cycles. Safe for concurrent use; concurrent
// cycles share the global in-flight bound.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	sem     *semaphore.Weighted
	logger  *slog.Logger
	now     func() time.Time
	onState func(string, State)

	inflight atomic.Int64
}

// New creates an Orchestrator. Missing dependencies are reported as
// [retail.ErrMissingConfig].
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.defaults()
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Retailers returns the ids of the configured adapters, sorted.
func (o *Orchestrator) Retailers() []string {
	ids := make([]string, 0, len(o.deps.Adapters))
	for id := range o.deps.Adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// retailerRun collects the outcome of one retailer task.
type retailerRun struct {
	retailer   string
	candidates []retail.ProductCandidate
	targets    []TargetOutcome
	err        error
	skip       string
}

// Run executes one cycle over targets. Invalid targets are rejected with
// [retail.ErrInvalidRequest] before any network activity. When ctx is
// cancelled before merging, the collected results are discarded and the
// context error is returned.
func (o *Orchestrator) Run(ctx context.Context, targets []retail.ScanTarget) (*Result, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("orchestrator: no targets: %w", retail.ErrInvalidRequest)
	}

	var order []string
	byRetailer := make(map[string][]retail.ScanTarget)
	for _, t := range targets {
		if t.Query == "" {
			return nil, fmt.Errorf("orchestrator: empty query for %s: %w", t.RetailerID, retail.ErrInvalidRequest)
		}
		if _, ok := o.deps.Adapters[t.RetailerID]; !ok {
			return nil, fmt.Errorf("orchestrator: unknown retailer %q: %w", t.RetailerID, retail.ErrInvalidRequest)
		}
		if _, seen := byRetailer[t.RetailerID]; !seen {
			order = append(order, t.RetailerID)
		}
		byRetailer[t.RetailerID] = append(byRetailer[t.RetailerID], t)
	}

	res := &Result{CycleID: uuid.NewString(), StartedAt: o.now()}
	logger := o.logger.With("cycle_id", res.CycleID)
	o.setState(logger, res.CycleID, StatePending)

	runs := make([]retailerRun, len(order))
	var g errgroup.Group
	for i, retailer := range order {
		g.Go(func() error {
			runs[i] = o.runRetailer(ctx, logger, retailer, byRetailer[retailer])
			return nil
		})
	}
	o.setState(logger, res.CycleID, StateDispatched)

	o.setState(logger, res.CycleID, StateCollecting)
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		logger.Info("cycle cancelled, results discarded", "error", err)
		return nil, fmt.Errorf("orchestrator: cycle %s: %w", res.CycleID, err)
	}

	var candidates []retail.ProductCandidate
	for _, r := range runs {
		res.Targets = append(res.Targets, r.targets...)
		switch {
		case r.skip != "":
			res.Skipped = append(res.Skipped, RetailerSkip{RetailerID: r.retailer, Reason: r.skip})
		case r.err != nil:
			res.Errors = append(res.Errors, RetailerError{RetailerID: r.retailer, Kind: retail.Classify(r.err), Err: r.err})
		}
		candidates = append(candidates, r.candidates...)
	}
	res.Partial = len(res.Errors) > 0 || len(res.Skipped) > 0

	o.setState(logger, res.CycleID, StateMerging)
	// merging is not interruptible: the store must see a whole cycle
	products, signals, err := o.deps.Merger.Apply(context.WithoutCancel(ctx), o.deps.Store, candidates)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cycle %s: %w", res.CycleID, err)
	}
	res.Products = products
	res.Signals = signals
	res.FinishedAt = o.now()

	o.setState(logger, res.CycleID, StateComplete)
	logger.Info("cycle complete",
		"retailers", len(order),
		"products", len(products),
		"signals", len(signals),
		"failed", len(res.Errors),
		"skipped", len(res.Skipped),
		"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	)
	return res, nil
}

func (o *Orchestrator) setState(logger *slog.Logger, cycleID string, s State) {
	logger.Debug("cycle state", "state", s)
	if o.onState != nil {
		o.onState(cycleID, s)
	}
}

// runRetailer scans one retailer's targets in order. The chain stops at
// the first failure other than a parse error, and after any request that
// leaves the circuit short of closed, so a half-open trial stays a single
// request.
func (o *Orchestrator) runRetailer(ctx context.Context, logger *slog.Logger, retailer string, targets []retail.ScanTarget) retailerRun {
	run := retailerRun{retailer: retailer}
	logger = logger.With("retailer", retailer)

	notAttempted := func(from int) {
		for _, t := range targets[from:] {
			run.targets = append(run.targets, TargetOutcome{Target: t})
		}
	}

	if _, ok := o.deps.Backoff.NextDelay(retailer); !ok {
		logger.Info("retailer skipped", "reason", ReasonMaintenance)
		run.skip = ReasonMaintenance
		notAttempted(0)
		return run
	}
	if !o.deps.Breakers.Allow(retailer) {
		logger.Info("retailer skipped", "reason", ReasonCircuitOpen)
		run.skip = ReasonCircuitOpen
		notAttempted(0)
		return run
	}
	// releases a half-open trial that never reached the network
	defer o.deps.Breakers.Report(retailer, breaker.Outcome{Result: breaker.Neutral, Reason: "task finished"})

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetailerTimeout)
	defer cancel()

	adapter := o.deps.Adapters[retailer]
	for i, t := range targets {
		r, err := o.scanTarget(ctx, rctx, adapter, t)
		outcome := TargetOutcome{Target: t, Attempted: true, FromCache: r.fromCache, Candidates: len(r.candidates), Kind: retail.Classify(err)}
		run.targets = append(run.targets, outcome)
		run.candidates = append(run.candidates, r.candidates...)

		if err != nil {
			logger.Warn("scan failed", "query", t.Query, "error", err, "kind", outcome.Kind)
			run.err = err
			if outcome.Kind != retail.KindParse {
				notAttempted(i + 1)
				return run
			}
		}
		if r.network && i+1 < len(targets) && o.deps.Breakers.State(retailer) != breaker.Closed {
			logger.Info("retailer chain stopped", "reason", "circuit not closed")
			notAttempted(i + 1)
			return run
		}
	}
	// a parse error on a later target does not hide earlier successes
	return run
}

type scanResult struct {
	candidates []retail.ProductCandidate
	fromCache  bool
	network    bool
	err        error
}

// scanTarget waits out the retailer's pacing on rctx, then runs one request
// on a context detached from cycle cancellation. The request timeout starts
// after the pacing wait. The caller stops waiting when rctx ends; the
// request keeps its slot in the global bound until it finishes.
func (o *Orchestrator) scanTarget(ctx, rctx context.Context, a retail.Adapter, t retail.ScanTarget) (scanResult, error) {
	if err := o.pace(rctx, t); err != nil {
		if ctx.Err() != nil {
			return scanResult{}, ctx.Err()
		}
		return scanResult{}, err
	}
	if err := o.sem.Acquire(rctx, 1); err != nil {
		return scanResult{}, o.waitError(ctx, t.RetailerID, err)
	}

	o.inflight.Add(1)

	done := make(chan scanResult, 1)
	go func() {
		defer func() {
			o.inflight.Add(-1)
			o.sem.Release(1)
		}()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(rctx), o.cfg.RequestTimeout)
		defer cancel()
		done <- o.execute(fctx, a, t)
	}()

	select {
	case r := <-done:
		return r, r.err
	case <-rctx.Done():
		return scanResult{}, o.waitError(ctx, t.RetailerID, rctx.Err())
	}
}

// pace waits for the retailer's request spacing. Fresh cache entries need
// no request and skip the wait.
func (o *Orchestrator) pace(rctx context.Context, t retail.ScanTarget) error {
	if o.deps.Pace == nil {
		return nil
	}
	if o.deps.Cache.Fresh(t.Key()) {
		return nil
	}
	return o.deps.Pace(rctx, t.RetailerID)
}

// waitError maps the end of a wait: cycle cancellation stays a context
// error, anything else is the retailer running out of time.
func (o *Orchestrator) waitError(ctx context.Context, retailer string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &retail.TimeoutError{Retailer: retailer, Cause: err}
	}
	return err
}

// execute fetches through the cache, parses, verifies and reports the
// network outcome to the breaker and the backoff controller.
func (o *Orchestrator) execute(ctx context.Context, a retail.Adapter, t retail.ScanTarget) scanResult {
	retailer := a.ID()
	start := o.now()
	network := false

	entry, fromCache, err := o.deps.Cache.GetOrFetch(ctx, t.Key(), func(ctx context.Context, prior retail.Validators) (*retail.RawResponse, error) {
		network = true
		return a.Fetch(ctx, t, o.deps.Sessions(retailer, prior))
	})
	latency := o.now().Sub(start)
	if err != nil && retail.Classify(err) == retail.KindTimeout {
		var te *retail.TimeoutError
		if !errors.As(err, &te) {
			err = &retail.TimeoutError{Retailer: retailer, Cause: err}
		}
	}

	var candidates []retail.ProductCandidate
	if err == nil {
		candidates, err = o.parse(a, entry.Raw())
	}
	if err == nil {
		for i := range candidates {
			candidates[i] = o.prepare(candidates[i], t, entry.FetchedAt)
		}
	}

	// a request abandoned before it was sent says nothing about the retailer
	if errors.Is(err, retail.ErrNotSent) {
		network = false
	}
	if network {
		o.report(retailer, err, latency)
	}
	return scanResult{candidates: candidates, fromCache: fromCache, network: network, err: err}
}

// parse calls the adapter behind panic recovery.
func (o *Orchestrator) parse(a retail.Adapter, raw *retail.RawResponse) (out []retail.ProductCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			o.logger.Error("adapter parse panic",
				"correlation_id", correlationID,
				"retailer", a.ID(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			out = nil
			err = &retail.ParseError{Retailer: a.ID(), Cause: fmt.Errorf("parse panic (correlation_id: %s)", correlationID)}
		}
	}()

	out, err = a.Parse(raw)
	if err != nil {
		var pe *retail.ParseError
		if !errors.As(err, &pe) {
			err = &retail.ParseError{Retailer: a.ID(), Cause: err}
		}
		return nil, err
	}
	return out, nil
}

// prepare fills in the scan context of a candidate and verifies it.
func (o *Orchestrator) prepare(c retail.ProductCandidate, t retail.ScanTarget, fetchedAt time.Time) retail.ProductCandidate {
	if c.RetailerID == "" {
		c.RetailerID = t.RetailerID
	}
	if c.Query == "" {
		c.Query = t.Query
	}
	if c.ObservedAt.IsZero() {
		c.ObservedAt = fetchedAt
	}
	return o.deps.Verifier.Apply(c)
}

func (o *Orchestrator) report(retailer string, err error, latency time.Duration) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	switch retail.Classify(err) {
	case retail.KindNone:
		o.deps.Breakers.Report(retailer, breaker.Outcome{Result: breaker.Success, Latency: latency})
		o.deps.Backoff.Success(retailer, latency)
	case retail.KindParse:
		o.deps.Breakers.Report(retailer, breaker.Outcome{Result: breaker.Neutral, Latency: latency, Reason: reason})
		o.deps.Backoff.Success(retailer, latency)
	case retail.KindBlocked:
		o.deps.Breakers.Report(retailer, breaker.Outcome{Result: breaker.Blocked, Latency: latency, Reason: reason})
		o.deps.Backoff.Failure(retailer, latency)
	case retail.KindCancelled:
		o.deps.Breakers.Report(retailer, breaker.Outcome{Result: breaker.Neutral, Latency: latency, Reason: reason})
	default:
		o.deps.Breakers.Report(retailer, breaker.Outcome{Result: breaker.Failure, Latency: latency, Reason: reason})
		o.deps.Backoff.Failure(retailer, latency)
	}
}

// InFlight returns the number of requests currently holding a slot of the
// global bound.
func (o *Orchestrator) InFlight() int64 {
	return o.inflight.Load()
}
