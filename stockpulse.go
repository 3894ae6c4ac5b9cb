package stockpulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/stockpulse/internal/backoff"
	"github.com/jpalmerr/stockpulse/internal/breaker"
	"github.com/jpalmerr/stockpulse/internal/cache"
	"github.com/jpalmerr/stockpulse/internal/dedup"
	"github.com/jpalmerr/stockpulse/internal/orchestrator"
	"github.com/jpalmerr/stockpulse/internal/scheduler"
	"github.com/jpalmerr/stockpulse/internal/server"
	"github.com/jpalmerr/stockpulse/internal/sink"
	"github.com/jpalmerr/stockpulse/internal/stealth"
	"github.com/jpalmerr/stockpulse/internal/store"
	"github.com/jpalmerr/stockpulse/internal/verify"
	"github.com/jpalmerr/stockpulse/retail"
)

const (
	defaultPort       = 8080
	defaultMaxSignals = 1000

	// bounds connecting to storage during New
	openTimeout = 10 * time.Second

	sweepInterval = time.Minute

	// floor of the pause after a failed or skipped scheduled scan
	minRetryDelay = time.Minute
)

// Result and filter types shared with the internal packages.
type (
	ScanResult    = orchestrator.Result
	RetailerError = orchestrator.RetailerError
	RetailerSkip  = orchestrator.RetailerSkip
	TargetOutcome = orchestrator.TargetOutcome
	ProductFilter = store.ProductFilter
	SignalFilter  = store.SignalFilter
)

// Engine polls retailers for product availability and turns observed state
// changes into signals.
//
// Engine owns the resilience stack (circuit breakers, backoff, response
// cache, stealth sessions), the product store and the signal sinks. It is
// created using [New] with functional options. Scans run on demand with
// [Engine.Scan] or in the background with [Engine.Start].
//
// The typical lifecycle is:
//
//	engine, err := stockpulse.New(
//	    stockpulse.WithAdapter(adapter),
//	    stockpulse.WithTargets(stockpulse.NewTargetGrid(retailers, queries)...),
//	)
//	if err != nil {
//	    slog.Error("failed to create engine", "error", err)
//	    os.Exit(1)
//	}
//	defer engine.Close()
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	engine.Start(ctx) // blocks until context cancelled
//
// All methods are safe for concurrent use.
type Engine struct {
	port          int
	serverEnabled bool
	logger        *slog.Logger
	now           func() time.Time

	adapters  map[string]retail.Adapter
	retailers []string

	stealth   *stealth.Layer
	breakers  *breaker.Registry
	backoff   *backoff.Controller
	cache     *cache.Cache
	store     store.Store
	scheduler *scheduler.Scheduler
	orch      *orchestrator.Orchestrator
	sinks     *sink.Dispatcher

	closers   []func() error
	closeOnce sync.Once

	// retailer signals raised by breaker transitions, emitted with the
	// next cycle
	pendingMu sync.Mutex
	pending   []retail.Signal

	watchMu sync.Mutex
	watches map[string]watch

	startMu   sync.Mutex
	startedAt time.Time
}

// New creates a new [Engine] with the given options.
//
// At least one adapter must be configured via [WithAdapter] or
// [WithAdapters]. Other options have sensible defaults:
//   - Max in flight: 10 requests
//   - Circuit breaker: 5 failures, 300s cooldown
//   - Storage: in memory
//   - Port: 8080
//
// New connects to every configured backend (SQLite, Redis, Postgres). On
// failure, the ones already opened are closed again.
//
// Returns an error wrapping [retail.ErrMissingConfig] if no adapter is
// configured, or an error if any option is invalid.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.adapters) == 0 {
		return nil, fmt.Errorf("at least one adapter is required: %w", retail.ErrMissingConfig)
	}

	adapters := make(map[string]retail.Adapter, len(cfg.adapters))
	for _, a := range cfg.adapters {
		if a.ID() == "" {
			return nil, fmt.Errorf("adapter without id: %w", retail.ErrMissingConfig)
		}
		if _, dup := adapters[a.ID()]; dup {
			return nil, fmt.Errorf("duplicate adapter id: %q", a.ID())
		}
		adapters[a.ID()] = a
	}
	for _, t := range cfg.targets {
		if _, ok := adapters[t.RetailerID]; !ok {
			return nil, fmt.Errorf("target %q: unknown retailer: %w", t.Key(), retail.ErrMissingConfig)
		}
	}

	if cfg.port < 1 || cfg.port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", cfg.port)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		port:          cfg.port,
		serverEnabled: cfg.serverEnabled,
		logger:        logger,
		now:           time.Now,
		adapters:      adapters,
		watches:       make(map[string]watch),
	}
	for id := range adapters {
		e.retailers = append(e.retailers, id)
	}
	sort.Strings(e.retailers)

	if err := e.build(cfg); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// build wires the components together. Closers of opened backends are
// recorded as they succeed.
func (e *Engine) build(cfg *engineConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	e.backoff = backoff.New(cfg.backoff)

	layer, err := stealth.New(cfg.stealth,
		stealth.WithLogger(e.logger),
		stealth.WithPacer(e.backoff.Current),
	)
	if err != nil {
		return fmt.Errorf("stealth: %w", err)
	}
	e.stealth = layer
	e.closers = append(e.closers, func() error { layer.Close(); return nil })

	e.breakers = breaker.NewRegistry(cfg.breaker, breaker.WithTransitionHook(e.onTransition))

	cacheOpts := []cache.Option{cache.WithLogger(e.logger)}
	if cfg.redisAddr != "" {
		rb, err := cache.NewRedisBackend(ctx, cfg.redisAddr, cfg.redisPassword, cfg.redisDB)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, rb.Close)
		cacheOpts = append(cacheOpts, cache.WithBackend(rb))
	}
	if e.cache, err = cache.New(cfg.cache, cacheOpts...); err != nil {
		return err
	}

	if cfg.sqlitePath != "" {
		s, err := store.OpenSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return err
		}
		e.store = s
	} else {
		maxSignals := cfg.maxSignals
		if maxSignals <= 0 {
			maxSignals = defaultMaxSignals
		}
		e.store = store.NewMemoryStore(maxSignals)
	}
	e.closers = append(e.closers, e.store.Close)

	verifier, err := verify.New(cfg.verify)
	if err != nil {
		return err
	}

	e.orch, err = orchestrator.New(cfg.orchestrator, orchestrator.Deps{
		Adapters: e.adapters,
		Sessions: func(retailer string, prior retail.Validators) retail.Session {
			return e.stealth.Session(retailer).Conditional(prior)
		},
		Pace: func(ctx context.Context, retailer string) error {
			return e.stealth.Session(retailer).Wait(ctx)
		},
		Breakers: e.breakers,
		Backoff:  e.backoff,
		Cache:    e.cache,
		Verifier: verifier,
		Merger:   dedup.New(cfg.dedup, dedup.WithLogger(e.logger)),
		Store:    e.store,
	}, orchestrator.WithLogger(e.logger))
	if err != nil {
		return err
	}

	e.sinks = sink.NewDispatcher(e.logger)
	for i, fn := range cfg.callbacks {
		name := fmt.Sprintf("callback-%d", i+1)
		e.sinks.Add(name, sink.NewCallback(name, fn, e.logger))
	}
	for i, u := range cfg.webhooks {
		e.sinks.Add(fmt.Sprintf("webhook-%d", i+1), sink.NewWebhook(u))
	}
	if cfg.postgresDSN != "" {
		table := cfg.postgresTable
		if table == "" {
			table = "signals"
		}
		pg, err := sink.OpenPostgres(ctx, cfg.postgresDSN, table, 0)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() error { pg.Close(); return nil })
		e.sinks.Add("postgres", pg)
	}

	e.scheduler = scheduler.New(cfg.scheduler, scheduler.WithLogger(e.logger))
	for _, t := range cfg.targets {
		e.scheduler.Register(t)
	}
	return nil
}

// Start begins background scanning and serves the HTTP API.
//
// Start is a blocking call that runs until the provided context is
// cancelled. During execution:
//
//   - Due targets are scanned in priority order, watched targets first
//   - Expired cache entries are swept every minute
//   - The API is available at http://localhost:<port>/api (unless
//     [WithoutServer] is set)
//
// The caller controls the lifecycle via context cancellation. Start does
// not close the engine; call [Engine.Close] afterwards.
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server
// fails to start.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("stockpulse starting",
		"retailers", len(e.retailers),
		"targets", len(e.scheduler.Targets()),
	)

	if ctx.Err() != nil {
		return nil
	}

	e.startMu.Lock()
	e.startedAt = e.now()
	e.startMu.Unlock()

	e.scheduler.Start(ctx)

	// track the batch consumer and the sweeper to ensure clean shutdown
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for batch := range e.scheduler.Batches() {
			e.runScheduled(ctx, batch)
		}
	}()
	go func() {
		defer wg.Done()
		e.cache.RunSweeper(ctx, sweepInterval)
	}()

	cleanup := func() {
		e.scheduler.Stop() // closes the batch channel
		wg.Wait()
	}

	if e.serverEnabled {
		srv := server.New(e, e.port, e.logger)
		if err := srv.Start(ctx); err != nil {
			cleanup()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		e.logger.Info("api available", "url", fmt.Sprintf("http://localhost:%d/api", e.port))
	}

	<-ctx.Done()
	cleanup()
	e.logger.Info("stockpulse stopped")
	return nil
}

// Close releases every backend the engine opened. Close is idempotent.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Scan runs one cycle for req.Query across the requested retailers and
// returns the merged result. Retailers that fail or are skipped are
// reported in the result; they never fail the scan.
//
// Returns an error wrapping [retail.ErrInvalidRequest] for an empty query
// or an unknown retailer, before any network activity.
func (e *Engine) Scan(ctx context.Context, req retail.ScanRequest) (*ScanResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("scan: empty query: %w", retail.ErrInvalidRequest)
	}
	retailers := req.Retailers
	if len(retailers) == 0 {
		retailers = e.retailers
	}

	targets := make([]retail.ScanTarget, 0, len(retailers))
	seen := make(map[string]bool, len(retailers))
	for _, r := range retailers {
		if _, ok := e.adapters[r]; !ok {
			return nil, fmt.Errorf("scan: unknown retailer %q: %w", r, retail.ErrInvalidRequest)
		}
		if seen[r] {
			continue
		}
		seen[r] = true

		t, known := e.scheduler.Target(retail.TargetKey(r, query))
		if !known {
			t = retail.ScanTarget{RetailerID: r, Query: query, BasePriority: req.PriorityHint}
		} else if req.PriorityHint > 0 && t.Active {
			t.BasePriority = req.PriorityHint
			e.scheduler.Register(t)
		}
		targets = append(targets, t)
	}

	return e.runCycle(ctx, targets)
}

// runCycle runs one orchestrator cycle and emits its signals together with
// pending retailer signals.
func (e *Engine) runCycle(ctx context.Context, targets []retail.ScanTarget) (*ScanResult, error) {
	res, err := e.orch.Run(ctx, targets)
	if err != nil {
		return nil, err
	}
	if pending := e.drainPending(); len(pending) > 0 {
		res.Signals = append(pending, res.Signals...)
	}
	e.emit(ctx, res.Signals)
	return res, nil
}

// runScheduled runs a batch handed out by the scheduler and settles every
// target's bookkeeping.
func (e *Engine) runScheduled(ctx context.Context, batch []retail.ScanTarget) {
	res, err := e.runCycle(ctx, batch)
	now := e.now()
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("scheduled scan failed", "targets", len(batch), "error", err)
		}
		for _, t := range batch {
			e.scheduler.Release(t.Key(), now)
		}
		return
	}

	changed := make(map[string]bool)
	for _, s := range res.Signals {
		if s.IsProductSignal() {
			changed[retail.TargetKey(s.RetailerID, s.Query)] = true
		}
	}
	for _, o := range res.Targets {
		key := o.Target.Key()
		if o.Attempted && (o.Kind == retail.KindNone || o.Kind == retail.KindParse) {
			e.scheduler.Complete(key, now, changed[key])
			continue
		}
		delay := max(e.backoff.Current(o.Target.RetailerID), minRetryDelay)
		e.scheduler.Release(key, now.Add(delay))
	}
}

// emit persists signals and fans them out to the sinks. Delivery runs to
// completion even when ctx is cancelled; failures are logged.
func (e *Engine) emit(ctx context.Context, signals []retail.Signal) {
	if len(signals) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.store.AppendSignals(ctx, signals); err != nil {
		e.logger.Error("failed to store signals", "count", len(signals), "error", err)
	}
	if err := e.sinks.Dispatch(ctx, signals); err != nil {
		e.logger.Warn("signal delivery failed", "count", len(signals), "error", err)
	}
}

// onTransition turns circuit transitions into retailer signals.
func (e *Engine) onTransition(tr breaker.Transition) {
	var typ retail.SignalType
	switch {
	case breaker.IsBlockTransition(tr):
		typ = retail.SignalRetailerBlocked
	case breaker.IsUnblockTransition(tr):
		typ = retail.SignalRetailerUnblocked
	default:
		return
	}
	e.logger.Warn("retailer circuit changed",
		"retailer", tr.Retailer,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"reason", tr.Reason,
	)

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending = append(e.pending, retail.Signal{
		ID:         uuid.NewString(),
		Type:       typ,
		RetailerID: tr.Retailer,
		Reason:     tr.Reason,
		Timestamp:  tr.At,
	})
}

func (e *Engine) drainPending() []retail.Signal {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Retailers returns the ids of the configured adapters, sorted.
func (e *Engine) Retailers() []string {
	return append([]string(nil), e.retailers...)
}

// Targets returns a snapshot of every registered target, sorted by key.
func (e *Engine) Targets() []retail.ScanTarget {
	return e.scheduler.Targets()
}

// Port returns the configured HTTP port of the API server.
func (e *Engine) Port() int {
	return e.port
}

// Products returns the latest canonical products matching f.
func (e *Engine) Products(ctx context.Context, f ProductFilter) ([]retail.CanonicalProduct, error) {
	return e.store.Products(ctx, f)
}

// Signals returns logged signals matching f, newest first.
func (e *Engine) Signals(ctx context.Context, f SignalFilter) ([]retail.Signal, error) {
	return e.store.Signals(ctx, f)
}

// Subscribe returns a channel receiving every signal emitted from now on.
// Release it with [Engine.Unsubscribe].
func (e *Engine) Subscribe() <-chan retail.Signal {
	return e.store.Subscribe()
}

// Unsubscribe releases a channel returned by [Engine.Subscribe].
func (e *Engine) Unsubscribe(ch <-chan retail.Signal) {
	e.store.Unsubscribe(ch)
}
