package stealth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jpalmerr/stockpulse/retail"
)

// Session is the per-retailer request context: one cookie jar, one header
// profile and one sticky proxy. Requests through a session are strictly
// FIFO and paced, so a retailer never sees two requests from the same
// session at once.
//
// Session implements [retail.Session].
type Session struct {
	retailer string
	layer    *Layer
	client   *http.Client
	logger   *slog.Logger

	// fifo ticket lock
	qmu     sync.Mutex
	busy    bool
	waiters []chan struct{}

	// guarded by the ticket lock
	lastRequest time.Time

	// identity, guarded by imu
	imu          sync.Mutex
	profile      int
	proxy        *url.URL
	requestCount int
	blockCount   int
}

func newSession(l *Layer, retailer string) *Session {
	s := &Session{
		retailer: retailer,
		layer:    l,
		logger:   l.logger.With("retailer", retailer),
		profile:  profileIndex(retailer, len(l.cfg.Profiles)),
		proxy:    l.pool.Pick(),
	}

	transport := l.baseTransport.Clone()
	transport.Proxy = func(*http.Request) (*url.URL, error) {
		s.imu.Lock()
		defer s.imu.Unlock()
		return s.proxy, nil
	}
	s.client = &http.Client{
		// per-request timeouts come from the context
		Transport: transport,
		Jar:       l.newJar(),
	}
	return s
}

// Retailer returns the retailer id the session serves.
func (s *Session) Retailer() string {
	return s.retailer
}

// Get implements [retail.Session].
func (s *Session) Get(ctx context.Context, rawURL string) (*retail.RawResponse, error) {
	return s.do(ctx, rawURL, retail.Validators{})
}

// Conditional returns a view of the session that attaches If-None-Match
// and If-Modified-Since from v. A zero v yields a plain session view.
func (s *Session) Conditional(v retail.Validators) retail.Session {
	return conditional{s: s, v: v}
}

type conditional struct {
	s *Session
	v retail.Validators
}

func (c conditional) Get(ctx context.Context, rawURL string) (*retail.RawResponse, error) {
	return c.s.do(ctx, rawURL, c.v)
}

// Stats returns request and block counters.
func (s *Session) Stats() (requests, blocks int) {
	s.imu.Lock()
	defer s.imu.Unlock()
	return s.requestCount, s.blockCount
}

// Profile returns the name of the current header profile.
func (s *Session) Profile() string {
	s.imu.Lock()
	defer s.imu.Unlock()
	return s.layer.cfg.Profiles[s.profile].Name
}

func (s *Session) do(ctx context.Context, rawURL string, v retail.Validators) (*retail.RawResponse, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, s.notSent(err)
	}
	defer s.release()

	if err := s.pace(ctx); err != nil {
		return nil, s.notSent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.imu.Lock()
	for k, val := range s.layer.cfg.Profiles[s.profile].Headers {
		req.Header.Set(k, val)
	}
	s.requestCount++
	s.imu.Unlock()

	// conditional headers only when a prior validator exists
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	start := s.layer.now()
	resp, err := s.client.Do(req)
	s.lastRequest = s.layer.now()
	if err != nil {
		return nil, s.networkError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.layer.cfg.MaxBodySize))
	latency := s.layer.now().Sub(start)
	if err != nil {
		return nil, s.networkError(ctx, fmt.Errorf("failed to read response body: %w", err))
	}

	raw := &retail.RawResponse{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Latency:      latency,
	}

	if resp.StatusCode == http.StatusNotModified {
		raw.NotModified = true
		raw.Body = nil
		// a 304 does not always repeat the validators
		if raw.ETag == "" {
			raw.ETag = v.ETag
		}
		if raw.LastModified == "" {
			raw.LastModified = v.LastModified
		}
		return raw, nil
	}

	if reason, blocked := detectBlock(resp.StatusCode, body, s.layer.cfg.ChallengeMarkers); blocked {
		s.rotate(reason)
		return nil, &retail.BlockedError{Retailer: s.retailer, StatusCode: resp.StatusCode, Reason: reason}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return nil, &retail.TransientError{Retailer: s.retailer, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		// usually a moved or delisted product page, not a fault of the retailer
		return nil, &retail.ParseError{Retailer: s.retailer, Cause: fmt.Errorf("unexpected http status %d", resp.StatusCode)}
	}
	return raw, nil
}

// Wait blocks until the pacing delay since the session's last request has
// elapsed, without sending anything. Callers use it to wait out pacing
// before a request's own timeout starts. Errors wrap [retail.ErrNotSent].
func (s *Session) Wait(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return s.notSent(err)
	}
	defer s.release()

	if err := s.pace(ctx); err != nil {
		return s.notSent(err)
	}
	return nil
}

// rotate switches to the next header profile and proxy after a block.
// Cookies are dropped with the old identity.
func (s *Session) rotate(reason string) {
	s.imu.Lock()
	defer s.imu.Unlock()

	s.blockCount++
	s.layer.pool.Bench(s.proxy)
	s.proxy = s.layer.pool.Pick()
	s.profile = (s.profile + 1) % len(s.layer.cfg.Profiles)
	s.client.Jar = s.layer.newJar()

	s.logger.Warn("session blocked, rotating identity",
		"reason", reason,
		"profile", s.layer.cfg.Profiles[s.profile].Name,
	)
}

// acquire takes the session's FIFO ticket lock.
func (s *Session) acquire(ctx context.Context) error {
	s.qmu.Lock()
	if !s.busy {
		s.busy = true
		s.qmu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.qmu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.qmu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.qmu.Unlock()
				return ctx.Err()
			}
		}
		s.qmu.Unlock()
		// the lock was handed to us concurrently; pass it on
		s.release()
		return ctx.Err()
	}
}

// release hands the ticket lock to the longest waiter.
func (s *Session) release() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(next)
		return
	}
	s.busy = false
}

// pace waits until the retailer's delay since the previous request has
// elapsed. Must be called with the ticket lock held.
func (s *Session) pace(ctx context.Context) error {
	if s.lastRequest.IsZero() {
		return nil
	}
	delay := s.layer.cfg.MinDelay
	if s.layer.pacer != nil {
		if d := s.layer.pacer(s.retailer); d > delay {
			delay = d
		}
	}
	wait := s.lastRequest.Add(delay).Sub(s.layer.now())
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &retail.TimeoutError{Retailer: s.retailer, Cause: err}
	}
	return err
}

// notSent maps the end of a queueing or pacing wait.
func (s *Session) notSent(err error) error {
	return s.contextError(fmt.Errorf("%w: %w", retail.ErrNotSent, err))
}

func (s *Session) networkError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return s.contextError(ctx.Err())
	}
	return &retail.TransientError{Retailer: s.retailer, Cause: err}
}
