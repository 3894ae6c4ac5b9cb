package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/stockpulse/internal/backoff"
	"github.com/jpalmerr/stockpulse/internal/breaker"
	"github.com/jpalmerr/stockpulse/internal/cache"
	"github.com/jpalmerr/stockpulse/internal/dedup"
	"github.com/jpalmerr/stockpulse/internal/stealth"
	"github.com/jpalmerr/stockpulse/internal/store"
	"github.com/jpalmerr/stockpulse/internal/verify"
	"github.com/jpalmerr/stockpulse/retail"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession answers with a fixed ETag and honours conditional requests.
type fakeSession struct {
	prior retail.Validators
}

func (s fakeSession) Get(_ context.Context, _ string) (*retail.RawResponse, error) {
	if s.prior.ETag == `"v1"` {
		return &retail.RawResponse{StatusCode: 304, NotModified: true, ETag: `"v1"`}, nil
	}
	return &retail.RawResponse{StatusCode: 200, Body: []byte(`ok`), ETag: `"v1"`}, nil
}

type fakeAdapter struct {
	id       string
	delay    time.Duration
	err      error
	parseErr error
	panics   bool
	inStock  bool
	url      string

	calls    atomic.Int32
	sessions atomic.Int32

	// ctxErr receives the fetch context error once the fetch finishes
	ctxErr chan error
}

func (a *fakeAdapter) ID() string              { return a.id }
func (a *fakeAdapter) Kind() retail.SourceKind { return retail.SourceAPI }

func (a *fakeAdapter) Fetch(ctx context.Context, t retail.ScanTarget, s retail.Session) (*retail.RawResponse, error) {
	a.calls.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			if a.ctxErr != nil {
				a.ctxErr <- ctx.Err()
			}
			return nil, ctx.Err()
		}
	}
	if a.ctxErr != nil {
		a.ctxErr <- ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	u := a.url
	if u == "" {
		u = "https://" + a.id + ".example/search?q=" + t.Query
	}
	raw, err := s.Get(ctx, u)
	if err == nil && raw.NotModified {
		a.sessions.Add(1)
	}
	return raw, err
}

func (a *fakeAdapter) Parse(raw *retail.RawResponse) ([]retail.ProductCandidate, error) {
	if a.panics {
		panic("adapter exploded")
	}
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return []retail.ProductCandidate{{
		ExternalID: a.id + "-1",
		Name:       "Elite Trainer Box",
		Price:      49.99,
		Indicators: []retail.Indicator{
			{Kind: retail.IndicatorAvailabilityField, InStock: a.inStock, Source: retail.SourceAPI},
			{Kind: retail.IndicatorPricePresent, InStock: true, Source: retail.SourceAPI},
		},
	}}, nil
}

type harness struct {
	orch     *Orchestrator
	store    *store.MemoryStore
	breakers *breaker.Registry
	backoff  *backoff.Controller
	cache    *cache.Cache
}

type harnessConfig struct {
	orch        Config
	backoff     backoff.Config
	backoffOpts []backoff.Option
	breaker     breaker.Config
	breakerOpts []breaker.Option
	cacheOpts   []cache.Option
	opts        []Option

	// paced replaces fakeSession with real stealth sessions paced by the
	// backoff controller
	paced bool
}

func newHarness(t *testing.T, hc harnessConfig, adapters ...*fakeAdapter) *harness {
	t.Helper()

	c, err := cache.New(cache.DefaultConfig(), append([]cache.Option{cache.WithLogger(discardLogger())}, hc.cacheOpts...)...)
	if err != nil {
		t.Fatal(err)
	}
	v, err := verify.New(verify.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store:    store.NewMemoryStore(0),
		breakers: breaker.NewRegistry(hc.breaker, hc.breakerOpts...),
		backoff:  backoff.New(hc.backoff, hc.backoffOpts...),
		cache:    c,
	}

	byID := make(map[string]retail.Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.id] = a
	}

	sessions := func(_ string, prior retail.Validators) retail.Session { return fakeSession{prior: prior} }
	var pace PaceFunc
	if hc.paced {
		layer, err := stealth.New(stealth.Config{}, stealth.WithLogger(discardLogger()), stealth.WithPacer(h.backoff.Current))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(layer.Close)
		sessions = func(retailer string, prior retail.Validators) retail.Session {
			return layer.Session(retailer).Conditional(prior)
		}
		pace = func(ctx context.Context, retailer string) error {
			return layer.Session(retailer).Wait(ctx)
		}
	}

	opts := append([]Option{WithLogger(discardLogger())}, hc.opts...)
	h.orch, err = New(hc.orch, Deps{
		Adapters: byID,
		Sessions: sessions,
		Pace:     pace,
		Breakers: h.breakers,
		Backoff:  h.backoff,
		Cache:    c,
		Verifier: v,
		Merger:   dedup.New(dedup.DefaultConfig(), dedup.WithLogger(discardLogger())),
		Store:    h.store,
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// manualClock is a settable clock shared by the components under test.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func targets(query string, retailers ...string) []retail.ScanTarget {
	out := make([]retail.ScanTarget, len(retailers))
	for i, r := range retailers {
		out[i] = retail.ScanTarget{RetailerID: r, Query: query, BasePriority: 1, Active: true}
	}
	return out
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	if !errors.Is(err, retail.ErrMissingConfig) {
		t.Errorf("New() error = %v, want ErrMissingConfig", err)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	a := &fakeAdapter{id: "target"}
	h := newHarness(t, harnessConfig{}, a)

	tests := []struct {
		name    string
		targets []retail.ScanTarget
	}{
		{"no targets", nil},
		{"unknown retailer", targets("etb", "walmart")},
		{"empty query", targets("", "target")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Run(context.Background(), tt.targets)
			if !errors.Is(err, retail.ErrInvalidRequest) {
				t.Errorf("Run() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if a.calls.Load() != 0 {
		t.Error("invalid requests must not reach the network")
	}
}

func TestRun_AllSucceed(t *testing.T) {
	adapters := []*fakeAdapter{{id: "target", inStock: true}, {id: "walmart", inStock: true}}
	var states []State
	var mu sync.Mutex
	h := newHarness(t, harnessConfig{opts: []Option{WithStateHook(func(_ string, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})}}, adapters...)

	res, err := h.orch.Run(context.Background(), targets("etb", "target", "walmart"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Partial || len(res.Errors) != 0 || len(res.Skipped) != 0 {
		t.Errorf("result = %+v, want complete", res)
	}
	if len(res.Products) != 2 {
		t.Errorf("products = %d, want 2", len(res.Products))
	}
	if len(res.Signals) != 2 {
		t.Errorf("signals = %d, want one stock_found per retailer", len(res.Signals))
	}
	if res.CycleID == "" {
		t.Error("cycle id missing")
	}
	for _, p := range res.Products {
		if p.Query != "etb" || p.Representative.ObservedAt.IsZero() || !p.Available {
			t.Errorf("product not prepared: %+v", p)
		}
	}

	want := []State{StatePending, StateDispatched, StateCollecting, StateMerging, StateComplete}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}

	stored, _ := h.store.Products(context.Background(), store.ProductFilter{})
	if len(stored) != 2 {
		t.Errorf("stored products = %d, want 2", len(stored))
	}
}

// Five retailers, two of which never answer within the retailer timeout:
// the cycle returns the other three and reports two timeouts.
func TestRun_PartialOnRetailerTimeouts(t *testing.T) {
	adapters := []*fakeAdapter{
		{id: "r1", inStock: true},
		{id: "r2", inStock: true},
		{id: "r3", inStock: true},
		{id: "slow1", delay: 2 * time.Second},
		{id: "slow2", delay: 2 * time.Second},
	}
	h := newHarness(t, harnessConfig{orch: Config{RetailerTimeout: 100 * time.Millisecond, RequestTimeout: time.Second}}, adapters...)

	start := time.Now()
	res, err := h.orch.Run(context.Background(), targets("etb", "r1", "r2", "r3", "slow1", "slow2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run() took %v, slow retailers should not hold the cycle", elapsed)
	}

	if !res.Partial {
		t.Error("Partial = false, want true")
	}
	if len(res.Products) != 3 {
		t.Errorf("products = %d, want 3", len(res.Products))
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %+v, want 2", res.Errors)
	}
	for _, e := range res.Errors {
		if e.Kind != retail.KindTimeout {
			t.Errorf("%s kind = %s, want timeout", e.RetailerID, e.Kind)
		}
		if e.RetailerID != "slow1" && e.RetailerID != "slow2" {
			t.Errorf("unexpected failed retailer %s", e.RetailerID)
		}
	}

	// the error message survives JSON encoding
	b, _ := json.Marshal(res.Errors[0])
	var decoded map[string]any
	_ = json.Unmarshal(b, &decoded)
	if decoded["error"] == "" || decoded["kind"] != "timeout" {
		t.Errorf("encoded error = %s", b)
	}
}

func TestRun_CancelledCycleDiscardsResults(t *testing.T) {
	slow := &fakeAdapter{id: "slow", delay: 200 * time.Millisecond, inStock: true, ctxErr: make(chan error, 1)}
	h := newHarness(t, harnessConfig{orch: Config{RequestTimeout: 5 * time.Second}}, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := h.orch.Run(ctx, targets("etb", "slow"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Error("cancelled cycle should not return a result")
	}

	// the dispatched request was not interrupted by the cancellation
	select {
	case ferr := <-slow.ctxErr:
		if ferr != nil {
			t.Errorf("fetch context error = %v, want nil", ferr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched fetch never finished")
	}

	stored, _ := h.store.Products(context.Background(), store.ProductFilter{})
	if len(stored) != 0 {
		t.Errorf("stored products = %d, want 0", len(stored))
	}
}

func TestRun_FailedRetailerDoesNotAbortCycle(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind retail.ErrorKind
	}{
		{"transient", &retail.TransientError{Retailer: "bad", StatusCode: 503}, retail.KindTransient},
		{"blocked", &retail.BlockedError{Retailer: "bad", StatusCode: 403, Reason: "captcha"}, retail.KindBlocked},
		{"untyped", errors.New("connection reset"), retail.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapters := []*fakeAdapter{{id: "good", inStock: true}, {id: "bad", err: tt.err}}
			h := newHarness(t, harnessConfig{}, adapters...)

			res, err := h.orch.Run(context.Background(), targets("etb", "good", "bad"))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(res.Products) != 1 || len(res.Errors) != 1 {
				t.Fatalf("products = %d errors = %d, want 1 each", len(res.Products), len(res.Errors))
			}
			if res.Errors[0].Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", res.Errors[0].Kind, tt.wantKind)
			}
			if h.backoff.Failures("bad") == 0 {
				t.Error("backoff should record the failure")
			}
			if h.backoff.Failures("good") != 0 {
				t.Error("backoff of a healthy retailer should be untouched")
			}
		})
	}
}

func TestRun_ChainStopsAfterNetworkFailure(t *testing.T) {
	bad := &fakeAdapter{id: "bad", err: &retail.TransientError{Retailer: "bad", StatusCode: 502}}
	h := newHarness(t, harnessConfig{}, bad)

	in := []retail.ScanTarget{
		{RetailerID: "bad", Query: "a"},
		{RetailerID: "bad", Query: "b"},
		{RetailerID: "bad", Query: "c"},
	}
	res, err := h.orch.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if bad.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", bad.calls.Load())
	}
	if len(res.Targets) != 3 || !res.Targets[0].Attempted || res.Targets[1].Attempted || res.Targets[2].Attempted {
		t.Errorf("targets = %+v", res.Targets)
	}
}

func TestRun_ParseErrorsAreNeutral(t *testing.T) {
	tests := []struct {
		name    string
		adapter *fakeAdapter
	}{
		{"parse error", &fakeAdapter{id: "r", parseErr: errors.New("unexpected markup")}},
		{"parse panic", &fakeAdapter{id: "r", panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{}, tt.adapter)

			// more parse failures than the breaker threshold
			for i := 0; i < 7; i++ {
				h.cache.Invalidate(retail.TargetKey("r", "etb"))
				res, err := h.orch.Run(context.Background(), targets("etb", "r"))
				if err != nil {
					t.Fatal(err)
				}
				if len(res.Errors) != 1 || res.Errors[0].Kind != retail.KindParse {
					t.Fatalf("errors = %+v, want one parse error", res.Errors)
				}
			}
			if h.breakers.State("r") != breaker.Closed {
				t.Errorf("breaker = %s, want closed", h.breakers.State("r"))
			}
		})
	}
}

func TestRun_OpenCircuitSkipsRetailer(t *testing.T) {
	a := &fakeAdapter{id: "r", inStock: true}
	h := newHarness(t, harnessConfig{}, a)
	for i := 0; i < 5; i++ {
		h.breakers.Report("r", breaker.Outcome{Result: breaker.Failure})
	}

	res, err := h.orch.Run(context.Background(), targets("etb", "r"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != ReasonCircuitOpen {
		t.Errorf("skipped = %+v, want circuit open", res.Skipped)
	}
	if !res.Partial {
		t.Error("Partial = false, want true")
	}
	if a.calls.Load() != 0 {
		t.Error("open circuit must not reach the network")
	}
}

func TestRun_MaintenanceSkipsRetailer(t *testing.T) {
	a := &fakeAdapter{id: "r", inStock: true}
	clock := newManualClock()
	h := newHarness(t, harnessConfig{
		backoff: backoff.Config{
			Schedules: map[string]backoff.Schedule{
				"r": {Maintenance: []backoff.Window{backoff.MustParseWindow("11:00-13:00")}},
			},
		},
		backoffOpts: []backoff.Option{backoff.WithClock(clock.Now)},
	}, a)

	res, err := h.orch.Run(context.Background(), targets("etb", "r"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != ReasonMaintenance {
		t.Errorf("skipped = %+v, want maintenance", res.Skipped)
	}
	if a.calls.Load() != 0 {
		t.Error("maintenance window must not reach the network")
	}

	clock.Advance(2 * time.Hour)
	res, err = h.orch.Run(context.Background(), targets("etb", "r"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 0 || a.calls.Load() != 1 {
		t.Errorf("after the window: skipped = %+v calls = %d", res.Skipped, a.calls.Load())
	}
}

func TestRun_FreshCacheSkipsNetwork(t *testing.T) {
	a := &fakeAdapter{id: "r", inStock: true}
	h := newHarness(t, harnessConfig{}, a)

	for i := 0; i < 3; i++ {
		res, err := h.orch.Run(context.Background(), targets("etb", "r"))
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Products) != 1 {
			t.Fatalf("products = %d, want 1", len(res.Products))
		}
		if i > 0 && !res.Targets[0].FromCache {
			t.Error("second scan should be served from cache")
		}
	}
	if a.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", a.calls.Load())
	}
}

func TestRun_StaleCacheSendsValidators(t *testing.T) {
	a := &fakeAdapter{id: "r", inStock: true}
	clock := newManualClock()
	h := newHarness(t, harnessConfig{cacheOpts: []cache.Option{cache.WithClock(clock.Now)}}, a)
	ctx := context.Background()

	if _, err := h.orch.Run(ctx, targets("etb", "r")); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	res, err := h.orch.Run(ctx, targets("etb", "r"))
	if err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", a.calls.Load())
	}
	if a.sessions.Load() != 1 {
		t.Errorf("304 answers = %d, want 1", a.sessions.Load())
	}
	if !res.Targets[0].FromCache || len(res.Products) != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Signals) != 0 {
		t.Errorf("signals = %d, want none for an unchanged product", len(res.Signals))
	}
}

func TestRun_GlobalBound(t *testing.T) {
	var adapters []*fakeAdapter
	var ids []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("r%d", i)
		adapters = append(adapters, &fakeAdapter{id: id, delay: 50 * time.Millisecond, inStock: true})
		ids = append(ids, id)
	}
	h := newHarness(t, harnessConfig{orch: Config{MaxInFlight: 2}}, adapters...)

	var peak atomic.Int64
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if n := h.orch.InFlight(); n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	res, err := h.orch.Run(context.Background(), targets("etb", ids...))
	close(stop)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Products) != 8 {
		t.Errorf("products = %d, want 8", len(res.Products))
	}
	if peak.Load() > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak.Load())
	}
}

func TestRun_HalfOpenTrialReleasedWithoutNetwork(t *testing.T) {
	a := &fakeAdapter{id: "r", inStock: true}
	clock := newManualClock()
	h := newHarness(t, harnessConfig{breakerOpts: []breaker.Option{breaker.WithClock(clock.Now)}}, a)

	// warm the cache, then open the circuit
	if _, err := h.orch.Run(context.Background(), targets("etb", "r")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		h.breakers.Report("r", breaker.Outcome{Result: breaker.Failure})
	}
	clock.Advance(301 * time.Second)

	// the trial is served from the fresh cache and must be released
	for i := 0; i < 2; i++ {
		res, err := h.orch.Run(context.Background(), targets("etb", "r"))
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Skipped) != 0 {
			t.Fatalf("run %d skipped: %+v", i, res.Skipped)
		}
	}
	if a.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", a.calls.Load())
	}
}

// A parse error on the half-open trial is neutral. The rest of the chain
// must wait for the next cycle instead of sending more trials.
func TestRun_HalfOpenTrialIsASingleRequest(t *testing.T) {
	a := &fakeAdapter{id: "r", parseErr: errors.New("unexpected markup")}
	clock := newManualClock()
	h := newHarness(t, harnessConfig{breakerOpts: []breaker.Option{breaker.WithClock(clock.Now)}}, a)
	for i := 0; i < 5; i++ {
		h.breakers.Report("r", breaker.Outcome{Result: breaker.Failure})
	}
	clock.Advance(301 * time.Second)

	in := []retail.ScanTarget{
		{RetailerID: "r", Query: "a"},
		{RetailerID: "r", Query: "b"},
		{RetailerID: "r", Query: "c"},
	}
	res, err := h.orch.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 1 {
		t.Errorf("requests while half-open = %d, want 1", a.calls.Load())
	}
	if len(res.Targets) != 3 || !res.Targets[0].Attempted || res.Targets[1].Attempted || res.Targets[2].Attempted {
		t.Errorf("targets = %+v", res.Targets)
	}
	if h.breakers.State("r") != breaker.HalfOpen {
		t.Errorf("breaker = %s, want half_open", h.breakers.State("r"))
	}

	// the released trial lets the next cycle send exactly one more
	if _, err := h.orch.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 2 {
		t.Errorf("requests after the second cycle = %d, want 2", a.calls.Load())
	}
}

func TestRun_ClosedCircuitRunsWholeChain(t *testing.T) {
	a := &fakeAdapter{id: "r", parseErr: errors.New("unexpected markup")}
	h := newHarness(t, harnessConfig{}, a)

	in := []retail.ScanTarget{
		{RetailerID: "r", Query: "a"},
		{RetailerID: "r", Query: "b"},
		{RetailerID: "r", Query: "c"},
	}
	if _, err := h.orch.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", a.calls.Load())
	}
}

// The backoff delay outgrows the request timeout after two failures. The
// pacing wait must run before the request clock starts and must never be
// reported as a retailer failure.
func TestRun_PacingWaitIsNotAFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := &fakeAdapter{id: "r", inStock: true, url: srv.URL}
	h := newHarness(t, harnessConfig{
		orch:    Config{RequestTimeout: 300 * time.Millisecond, RetailerTimeout: 5 * time.Second},
		backoff: backoff.Config{Base: 200 * time.Millisecond, Max: time.Minute},
		breaker: breaker.Config{Threshold: 3},
		paced:   true,
	}, a)

	var last *Result
	for i := 0; i < 3; i++ {
		res, err := h.orch.Run(context.Background(), targets("etb", "r"))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		for _, e := range res.Errors {
			if e.Kind != retail.KindTransient {
				t.Errorf("run %d: error kind = %s (%v), want transient", i, e.Kind, e.Err)
			}
		}
		last = res
	}

	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
	if len(last.Errors) != 0 || len(last.Products) != 1 {
		t.Errorf("last run = %+v, want the recovered retailer", last)
	}
	if h.breakers.State("r") != breaker.Closed {
		t.Errorf("breaker = %s, want closed", h.breakers.State("r"))
	}
	if h.backoff.Failures("r") != 0 {
		t.Errorf("backoff failures = %d, want 0", h.backoff.Failures("r"))
	}
}

func TestRun_PacingTimeoutIsNotReported(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := &fakeAdapter{id: "r", url: srv.URL}
	h := newHarness(t, harnessConfig{
		orch:    Config{RequestTimeout: time.Second, RetailerTimeout: 100 * time.Millisecond},
		backoff: backoff.Config{Base: time.Second, Max: time.Minute},
		paced:   true,
	}, a)

	if _, err := h.orch.Run(context.Background(), targets("etb", "r")); err != nil {
		t.Fatal(err)
	}
	failures := h.backoff.Failures("r")

	// the second request must wait 2s, longer than the retailer may take
	res, err := h.orch.Run(context.Background(), targets("etb", "r"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != retail.KindTimeout {
		t.Fatalf("errors = %+v, want one timeout", res.Errors)
	}
	if !errors.Is(res.Errors[0].Err, retail.ErrNotSent) {
		t.Errorf("error = %v, want ErrNotSent", res.Errors[0].Err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	if got := h.backoff.Failures("r"); got != failures {
		t.Errorf("backoff failures = %d, want %d", got, failures)
	}
	if snap := h.breakers.Get("r").Snapshot(); snap.ConsecutiveFailures != 1 {
		t.Errorf("breaker failures = %d, want 1", snap.ConsecutiveFailures)
	}
}
