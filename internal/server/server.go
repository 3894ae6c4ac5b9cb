package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jpalmerr/stockpulse/internal/orchestrator"
	"github.com/jpalmerr/stockpulse/internal/store"
	"github.com/jpalmerr/stockpulse/retail"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// sseReplay is how many recent signals a new SSE client receives first.
	sseReplay = 20

	defaultSignalLimit = 100
	maxSignalLimit     = 1000

	maxBodySize = 1 << 20
)

// Backend is what the server exposes over HTTP.
type Backend interface {
	Health() retail.Health
	Products(ctx context.Context, f store.ProductFilter) ([]retail.CanonicalProduct, error)
	Signals(ctx context.Context, f store.SignalFilter) ([]retail.Signal, error)
	Subscribe() <-chan retail.Signal
	Unsubscribe(ch <-chan retail.Signal)
	Scan(ctx context.Context, req retail.ScanRequest) (*orchestrator.Result, error)
	Watch(reg retail.WatchRegistration) (string, error)
	Unwatch(id string) bool
}

// Server handles HTTP requests for the stockpulse API.
//
// Server provides these endpoints:
//   - GET /api/health: Engine and per-retailer health
//   - GET /api/products: Latest canonical products
//   - GET /api/signals: Signal log, newest first
//   - GET /api/sse: Server-Sent Events stream of new signals
//   - POST /api/scan: Immediate scan of one query
//   - POST /api/watch, DELETE /api/watch/{id}: Webhook watches
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	backend    Backend
	port       int
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new HTTP [Server]. The server is not started until
// [Server.Start] is called.
func New(b Backend, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: b,
		port:    port,
		logger:  logger,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/products", s.handleProducts)
		r.Get("/signals", s.handleSignals)
		r.Get("/sse", s.handleSSE)
		r.Post("/scan", s.handleScan)
		r.Post("/watch", s.handleWatch)
		r.Delete("/watch/{id}", s.handleUnwatch)
	})
	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Health())
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ProductFilter{
		RetailerID: q.Get("retailer"),
		Query:      q.Get("query"),
	}
	if v := q.Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid available: "+v)
			return
		}
		f.AvailableOnly = b
	}

	products, err := s.backend.Products(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list products", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []retail.CanonicalProduct{}
	}
	s.writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SignalFilter{
		Type:       retail.SignalType(q.Get("type")),
		RetailerID: q.Get("retailer"),
		Limit:      defaultSignalLimit,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since: want RFC 3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		f.Limit = min(n, maxSignalLimit)
	}

	signals, err := s.backend.Signals(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list signals", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}
	if signals == nil {
		signals = []retail.Signal{}
	}
	s.writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req retail.ScanRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.backend.Scan(r.Context(), req)
	switch {
	case errors.Is(err, retail.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "scan cancelled")
		return
	case err != nil:
		s.logger.Error("scan failed", "query", req.Query, "error", err)
		s.writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var reg retail.WatchRegistration
	if !s.decode(w, r, &reg) {
		return
	}
	if reg.WebhookURL == "" {
		s.writeError(w, http.StatusBadRequest, "webhook_url is required")
		return
	}

	id, err := s.backend.Watch(reg)
	if err != nil {
		if errors.Is(err, retail.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("watch failed", "retailer", reg.Retailer, "error", err)
		s.writeError(w, http.StatusInternalServerError, "watch failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Unwatch(chi.URLParam(r, "id")) {
		s.writeError(w, http.StatusNotFound, "unknown watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSSE streams new signals via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(sig retail.Signal) error {
		data, err := json.Marshal(sig)
		if err != nil {
			return nil
		}
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// subscribe before replaying so nothing emitted in between is lost
	ch := s.backend.Subscribe()
	defer s.backend.Unsubscribe(ch)

	recent, err := s.backend.Signals(r.Context(), store.SignalFilter{Limit: sseReplay})
	if err != nil {
		s.logger.Warn("failed to load recent signals", "error", err)
	}
	seen := make(map[string]bool, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		seen[recent[i].ID] = true
		if err := writeAndFlush(recent[i]); err != nil {
			return
		}
	}

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if seen[sig.ID] {
				continue
			}
			if err := writeAndFlush(sig); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
