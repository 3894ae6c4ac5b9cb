package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/stockpulse/retail"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config, opts ...Option) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, clock
}

// recorder is a FetchFunc that records the validators it was called with.
type recorder struct {
	mu     sync.Mutex
	calls  int
	priors []retail.Validators
	resp   func() (*retail.RawResponse, error)
}

func (r *recorder) fetch(_ context.Context, prior retail.Validators) (*retail.RawResponse, error) {
	r.mu.Lock()
	r.calls++
	r.priors = append(r.priors, prior)
	r.mu.Unlock()
	return r.resp()
}

func ok(body, etag string) func() (*retail.RawResponse, error) {
	return func() (*retail.RawResponse, error) {
		return &retail.RawResponse{StatusCode: 200, Body: []byte(body), ETag: etag}, nil
	}
}

func notModified() (*retail.RawResponse, error) {
	return &retail.RawResponse{StatusCode: http.StatusNotModified, NotModified: true}, nil
}

func TestGetOrFetch_FreshEntryNeverFetches(t *testing.T) {
	c, clock := newTestCache(t, Config{DefaultTTL: time.Minute, MaxTTL: time.Hour})
	rec := &recorder{resp: ok("v1", `"a"`)}
	ctx := context.Background()

	if _, fromCache, err := c.GetOrFetch(ctx, "acme|x", rec.fetch); err != nil || fromCache {
		t.Fatalf("first GetOrFetch() fromCache=%v err=%v, want false/nil", fromCache, err)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		e, fromCache, err := c.GetOrFetch(ctx, "acme|x", rec.fetch)
		if err != nil {
			t.Fatalf("GetOrFetch() error = %v", err)
		}
		if !fromCache {
			t.Error("fresh entry should be served from cache")
		}
		if string(e.Payload) != "v1" {
			t.Errorf("Payload = %q, want v1", e.Payload)
		}
	}

	if rec.calls != 1 {
		t.Errorf("fetch called %d times, want 1", rec.calls)
	}
	if !rec.priors[0].IsZero() {
		t.Errorf("first fetch got validators %+v, want none", rec.priors[0])
	}

	if !c.Fresh("acme|x") {
		t.Error("Fresh() = false before the TTL elapsed")
	}
	clock.Advance(20 * time.Second)
	if c.Fresh("acme|x") {
		t.Error("Fresh() = true after the TTL elapsed")
	}
	if c.Fresh("acme|missing") {
		t.Error("Fresh() = true for an unknown key")
	}
}

func TestGetOrFetch_ExpiredSendsValidatorsAnd304RefreshesTTL(t *testing.T) {
	c, clock := newTestCache(t, Config{DefaultTTL: 30 * time.Second, MaxTTL: time.Hour})
	ctx := context.Background()

	first := &recorder{resp: ok("payload", `"etag-1"`)}
	if _, _, err := c.GetOrFetch(ctx, "k", first.fetch); err != nil {
		t.Fatal(err)
	}

	clock.Advance(31 * time.Second)
	second := &recorder{resp: notModified}
	e, fromCache, err := c.GetOrFetch(ctx, "k", second.fetch)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if second.calls != 1 {
		t.Fatalf("expired entry should trigger a fetch")
	}
	if second.priors[0].ETag != `"etag-1"` {
		t.Errorf("conditional fetch ETag = %q, want %q", second.priors[0].ETag, `"etag-1"`)
	}
	if !fromCache {
		t.Error("304 should report fromCache = true")
	}
	if string(e.Payload) != "payload" {
		t.Errorf("Payload = %q, want the cached payload", e.Payload)
	}
	if !e.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want refreshed to %v", e.FetchedAt, clock.Now())
	}

	// refreshed TTL: no fetch within the next 30s
	clock.Advance(20 * time.Second)
	third := &recorder{resp: ok("unused", "")}
	if _, _, err := c.GetOrFetch(ctx, "k", third.fetch); err != nil {
		t.Fatal(err)
	}
	if third.calls != 0 {
		t.Error("entry refreshed by 304 should be fresh again")
	}
}

func TestGetOrFetch_ChangedPayloadReplacesEntry(t *testing.T) {
	c, clock := newTestCache(t, Config{DefaultTTL: time.Second})
	ctx := context.Background()

	if _, _, err := c.GetOrFetch(ctx, "k", (&recorder{resp: ok("v1", "e1")}).fetch); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)

	e, fromCache, err := c.GetOrFetch(ctx, "k", (&recorder{resp: ok("v2", "e2")}).fetch)
	if err != nil {
		t.Fatal(err)
	}
	if fromCache {
		t.Error("new payload should not be reported as cached")
	}
	if string(e.Payload) != "v2" || e.Validators.ETag != "e2" {
		t.Errorf("entry = %q/%q, want v2/e2", e.Payload, e.Validators.ETag)
	}
}

func TestGetOrFetch_TTLClampedToMax(t *testing.T) {
	c, _ := newTestCache(t, Config{DefaultTTL: time.Minute, MaxTTL: 2 * time.Minute})

	tests := []struct {
		name         string
		cacheControl string
		want         time.Duration
	}{
		{"no header", "", time.Minute},
		{"short max-age", "public, max-age=10", 10 * time.Second},
		{"long max-age is clamped", "max-age=86400", 2 * time.Minute},
		{"invalid max-age", "max-age=abc", time.Minute},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.cacheControl != "" {
				h.Set("Cache-Control", tt.cacheControl)
			}
			fetch := func(context.Context, retail.Validators) (*retail.RawResponse, error) {
				return &retail.RawResponse{StatusCode: 200, Header: h}, nil
			}
			e, _, err := c.GetOrFetch(context.Background(), string(rune('a'+i)), fetch)
			if err != nil {
				t.Fatal(err)
			}
			if e.TTL != tt.want {
				t.Errorf("TTL = %v, want %v", e.TTL, tt.want)
			}
		})
	}
}

func TestGetOrFetch_DefaultTTLNeverExceedsMax(t *testing.T) {
	c, _ := newTestCache(t, Config{DefaultTTL: time.Hour, MaxTTL: time.Minute})
	e, _, err := c.GetOrFetch(context.Background(), "k", (&recorder{resp: ok("x", "")}).fetch)
	if err != nil {
		t.Fatal(err)
	}
	if e.TTL != time.Minute {
		t.Errorf("TTL = %v, want %v", e.TTL, time.Minute)
	}
}

func TestGetOrFetch_ErrorIsNotCached(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	boom := errors.New("boom")
	rec := &recorder{resp: func() (*retail.RawResponse, error) { return nil, boom }}

	if _, _, err := c.GetOrFetch(context.Background(), "k", rec.fetch); !errors.Is(err, boom) {
		t.Fatalf("GetOrFetch() error = %v, want %v", err, boom)
	}
	if _, ok := c.Peek("k"); ok {
		t.Error("failed fetch should not create an entry")
	}
}

func TestGetOrFetch_304WithoutEntryIsError(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	rec := &recorder{resp: notModified}
	if _, _, err := c.GetOrFetch(context.Background(), "k", rec.fetch); err == nil {
		t.Error("304 without a prior entry should be an error")
	}
}

func TestGetOrFetch_ConcurrentCallersShareOneFetch(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context, retail.Validators) (*retail.RawResponse, error) {
		calls.Add(1)
		<-release
		return &retail.RawResponse{StatusCode: 200, Body: []byte("shared")}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := c.GetOrFetch(context.Background(), "k", fetch)
			if err != nil || string(e.Payload) != "shared" {
				t.Errorf("GetOrFetch() = %q, %v", e.Payload, err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
}

func TestGetOrFetch_UnrelatedKeysDoNotSerialize(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	block := make(chan struct{})
	defer close(block)

	go func() {
		_, _, _ = c.GetOrFetch(context.Background(), "slow", func(context.Context, retail.Validators) (*retail.RawResponse, error) {
			<-block
			return &retail.RawResponse{StatusCode: 200}, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_, _, _ = c.GetOrFetch(context.Background(), "fast", (&recorder{resp: ok("x", "")}).fetch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fetch of an unrelated key was blocked")
	}
}

func TestSweep_DropsRetiredEntries(t *testing.T) {
	c, clock := newTestCache(t, Config{DefaultTTL: time.Minute, StaleRetention: 10 * time.Minute})
	ctx := context.Background()

	_, _, _ = c.GetOrFetch(ctx, "old", (&recorder{resp: ok("x", "e")}).fetch)
	clock.Advance(5 * time.Minute)
	_, _, _ = c.GetOrFetch(ctx, "new", (&recorder{resp: ok("y", "e")}).fetch)

	// old is stale but retained
	if n := c.Sweep(); n != 0 {
		t.Fatalf("Sweep() = %d, want 0", n)
	}
	if _, ok := c.Peek("old"); !ok {
		t.Fatal("stale entry should still be kept as a validator")
	}

	clock.Advance(7 * time.Minute) // old: 12m since fetch, 11m stale
	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := c.Peek("old"); ok {
		t.Error("retired entry should be removed")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestGetOrFetch_RetiredEntrySendsNoValidators(t *testing.T) {
	c, clock := newTestCache(t, Config{DefaultTTL: time.Minute, StaleRetention: time.Minute})
	ctx := context.Background()

	_, _, _ = c.GetOrFetch(ctx, "k", (&recorder{resp: ok("x", "e1")}).fetch)
	clock.Advance(3 * time.Minute)

	rec := &recorder{resp: ok("y", "e2")}
	if _, _, err := c.GetOrFetch(ctx, "k", rec.fetch); err != nil {
		t.Fatal(err)
	}
	if !rec.priors[0].IsZero() {
		t.Errorf("validators = %+v, want none for a retired entry", rec.priors[0])
	}
}

func TestLRUBound(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxEntries: 2})
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, _, _ = c.GetOrFetch(ctx, k, (&recorder{resp: ok(k, "")}).fetch)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Peek("a"); ok {
		t.Error("least recently used entry should be evicted")
	}
}

// mapBackend is an in-memory Backend.
type mapBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
	saves   int
}

func (m *mapBackend) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *mapBackend) Save(_ context.Context, e Entry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	m.saves++
	return nil
}

func TestBackend_ValidatorsSurviveRestart(t *testing.T) {
	backend := &mapBackend{entries: map[string]Entry{}}
	ctx := context.Background()

	first, clock := newTestCache(t, Config{DefaultTTL: time.Minute}, WithBackend(backend))
	_, _, _ = first.GetOrFetch(ctx, "k", (&recorder{resp: ok("x", "persisted")}).fetch)
	if backend.saves != 1 {
		t.Fatalf("backend saves = %d, want 1", backend.saves)
	}

	clock.Advance(2 * time.Minute)
	restarted, err := New(Config{DefaultTTL: time.Minute}, WithClock(clock.Now), WithBackend(backend))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{resp: notModified}
	_, fromCache, err := restarted.GetOrFetch(ctx, "k", rec.fetch)
	if err != nil {
		t.Fatal(err)
	}
	if rec.priors[0].ETag != "persisted" {
		t.Errorf("ETag after restart = %q, want persisted", rec.priors[0].ETag)
	}
	if !fromCache {
		t.Error("304 after restart should report fromCache")
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("STOCKPULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKPULSE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	backend, err := NewRedisBackend(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisBackend() error = %v", err)
	}
	defer func() { _ = backend.Close() }()

	key := "test|" + time.Now().Format(time.RFC3339Nano)
	want := Entry{Key: key, Payload: []byte("x"), Validators: retail.Validators{ETag: "e"}, TTL: time.Minute}
	if err := backend.Save(ctx, want, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, ok, err := backend.Load(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if got.Validators.ETag != "e" || string(got.Payload) != "x" {
		t.Errorf("Load() = %+v", got)
	}
	if _, ok, _ := backend.Load(ctx, key+"-missing"); ok {
		t.Error("Load() of missing key should report ok = false")
	}
}
