package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jpalmerr/stockpulse/retail"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSignals(n int) []retail.Signal {
	out := make([]retail.Signal, n)
	for i := range out {
		out[i] = retail.Signal{
			ID:         "sig-" + string(rune('a'+i)),
			Type:       retail.SignalStockFound,
			RetailerID: "target",
			Query:      "etb",
			Product: &retail.CanonicalProduct{
				Fingerprint:    "fp",
				Representative: retail.ProductCandidate{RetailerID: "target", Price: 49.99},
			},
			Timestamp: t0,
		}
	}
	return out
}

type recordingSink struct {
	name string
	err  error

	mu  sync.Mutex
	got []retail.Signal
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, signals []retail.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, signals...)
	return r.err
}

func TestDispatcher_FansOut(t *testing.T) {
	d := NewDispatcher(discardLogger())
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d.Add("a", a)
	d.Add("b", b)

	if err := d.Dispatch(context.Background(), testSignals(2)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(a.got) != 2 || len(b.got) != 2 {
		t.Errorf("delivered a=%d b=%d, want 2 each", len(a.got), len(b.got))
	}
}

func TestDispatcher_FailureIsolated(t *testing.T) {
	d := NewDispatcher(discardLogger())
	boom := errors.New("boom")
	bad := &recordingSink{name: "bad", err: boom}
	good := &recordingSink{name: "good"}
	d.Add("bad", bad)
	d.Add("good", good)

	err := d.Dispatch(context.Background(), testSignals(1))
	if !errors.Is(err, boom) {
		t.Errorf("Dispatch() error = %v, want boom", err)
	}
	if len(good.got) != 1 {
		t.Error("healthy sink should still receive signals")
	}
}

func TestDispatcher_AddRemove(t *testing.T) {
	d := NewDispatcher(nil)
	d.Add("x", &recordingSink{name: "x"})
	d.Add("y", &recordingSink{name: "y"})

	if ids := d.IDs(); len(ids) != 2 || ids[0] != "x" {
		t.Errorf("IDs() = %v", ids)
	}
	if !d.Remove("x") {
		t.Error("Remove(x) = false, want true")
	}
	if d.Remove("x") {
		t.Error("second Remove(x) = true, want false")
	}
	if err := d.Dispatch(context.Background(), nil); err != nil {
		t.Errorf("Dispatch(nil) error = %v", err)
	}
}

func TestFiltered(t *testing.T) {
	inner := &recordingSink{name: "inner"}
	s := Filtered(inner, func(sig retail.Signal) bool { return sig.ID == "sig-b" })

	if err := s.Send(context.Background(), testSignals(3)); err != nil {
		t.Fatal(err)
	}
	if len(inner.got) != 1 || inner.got[0].ID != "sig-b" {
		t.Errorf("got %+v, want only sig-b", inner.got)
	}
	if s.Name() != "inner" {
		t.Errorf("Name() = %q, want inner", s.Name())
	}

	// nothing matching sends nothing
	inner.got = nil
	_ = Filtered(inner, func(retail.Signal) bool { return false }).Send(context.Background(), testSignals(3))
	if inner.got != nil {
		t.Error("empty batch should not be sent")
	}
}

func TestCallback_RecoversPanic(t *testing.T) {
	var calls int
	cb := NewCallback("watch", func(s retail.Signal) {
		calls++
		if s.ID == "sig-a" {
			panic("callback exploded")
		}
	}, discardLogger())

	err := cb.Send(context.Background(), testSignals(2))
	if err == nil || !strings.Contains(err.Error(), "correlation_id") {
		t.Errorf("Send() error = %v, want correlation id", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (delivery continues after a panic)", calls)
	}
}

func TestCallback_NilValuePanic(t *testing.T) {
	cb := NewCallback("nil", func(s retail.Signal) {
		_ = s.Product.Representative.Name // nil product
	}, discardLogger())

	if err := cb.Send(context.Background(), []retail.Signal{{ID: "x", Type: retail.SignalRetailerBlocked}}); err == nil {
		t.Error("Send() should report the recovered panic")
	}
}

func TestWebhook_Delivers(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Error("custom header missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookHeader("X-Token", "secret"))
	if err := w.Send(context.Background(), testSignals(2)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(got.Signals) != 2 || got.Signals[0].Type != retail.SignalStockFound {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhook_Retry(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"success first try", []int{200}, 1, false},
		{"5xx then success", []int{503, 200}, 2, false},
		{"429 then success", []int{429, 429, 202}, 3, false},
		{"persistent 5xx", []int{500, 500, 500}, 3, true},
		{"4xx is permanent", []int{400}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[min(int(n), len(tt.statuses))-1])
			}))
			defer srv.Close()

			w := NewWebhook(srv.URL, WithWebhookRetry(3, time.Millisecond))
			err := w.Send(context.Background(), testSignals(1))
			if (err != nil) != tt.wantErr {
				t.Errorf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestWebhook_CancelStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	w := NewWebhook(srv.URL, WithWebhookRetry(10, time.Second))
	start := time.Now()
	err := w.Send(ctx, testSignals(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Send() kept retrying after cancellation")
	}
}

type fakeBatchResults struct {
	n      int
	execs  *int
	err    error
	closed bool
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	*f.execs++
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (f *fakeBatchResults) Close() error             { f.closed = true; return nil }

type fakeSender struct {
	batches []*pgx.Batch
	execs   int
	err     error
}

func (f *fakeSender) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches = append(f.batches, b)
	return &fakeBatchResults{n: b.Len(), execs: &f.execs, err: f.err}
}

func TestPostgres_BatchesInserts(t *testing.T) {
	fake := &fakeSender{}
	p := newPostgres(fake, "")
	p.batch = 2

	signals := testSignals(5)
	signals[1].Type = retail.SignalPriceChanged
	signals[1].PreviousPrice = 54.99

	if err := p.Send(context.Background(), signals); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(fake.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(fake.batches))
	}
	if fake.execs != 5 {
		t.Errorf("execs = %d, want 5", fake.execs)
	}

	q := fake.batches[0].QueuedQueries[1]
	if !strings.Contains(q.SQL, `"signals"`) || !strings.Contains(q.SQL, "ON CONFLICT (id) DO NOTHING") {
		t.Errorf("SQL = %s", q.SQL)
	}
	if prev, ok := q.Arguments[6].(*float64); !ok || prev == nil || *prev != 54.99 {
		t.Errorf("previous_price argument = %v", q.Arguments[6])
	}
	if p.Name() != `postgres "signals"` {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestPostgres_ExecError(t *testing.T) {
	fake := &fakeSender{err: errors.New("unique violation")}
	p := newPostgres(fake, "events")
	if err := p.Send(context.Background(), testSignals(1)); err == nil {
		t.Error("Send() error = nil, want exec error")
	}
}

// TestPostgres_Live runs against a real database when
// STOCKPULSE_TEST_POSTGRES_DSN is set.
func TestPostgres_Live(t *testing.T) {
	dsn := os.Getenv("STOCKPULSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STOCKPULSE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn, "stockpulse_test_signals", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	signals := testSignals(3)
	for i := range signals {
		signals[i].ID = signals[i].ID + "-" + time.Now().Format("150405.000000")
	}
	if err := p.Send(ctx, signals); err != nil {
		t.Fatal(err)
	}
	// a replay is a no-op
	if err := p.Send(ctx, signals); err != nil {
		t.Fatal(err)
	}
}
