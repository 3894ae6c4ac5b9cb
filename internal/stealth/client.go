package stealth

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const defaultMaxBodySize = 2 << 20 // 2MB

// connection pooling limits; sessions clone one base transport
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 4
	defaultIdleConnTimeout     = 60 * time.Second
)

// Config holds stealth layer tuning.
type Config struct {
	// Profiles are the header profiles sessions rotate through. Empty uses
	// [DefaultProfiles].
	Profiles []Profile

	// Proxies are proxy URLs (http, https or socks5). Empty connects
	// directly.
	Proxies []string

	// ProxyCooldown is how long a proxy stays out of rotation after a block.
	ProxyCooldown time.Duration

	// MinDelay is the minimum spacing between two requests of one session.
	MinDelay time.Duration

	// MaxBodySize limits how much of a response body is read.
	MaxBodySize int64

	// ChallengeMarkers are lowercase body fragments of bot challenge pages.
	// Empty uses [DefaultChallengeMarkers].
	ChallengeMarkers []string
}

func (c *Config) defaults() {
	if len(c.Profiles) == 0 {
		c.Profiles = DefaultProfiles()
	}
	if c.ProxyCooldown <= 0 {
		c.ProxyCooldown = 10 * time.Minute
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	if len(c.ChallengeMarkers) == 0 {
		c.ChallengeMarkers = DefaultChallengeMarkers
	}
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the layer logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Layer) { s.logger = l }
}

// WithPacer sets a function returning the current delay a retailer's
// session must keep between requests. The larger of it and MinDelay wins.
func WithPacer(fn func(retailer string) time.Duration) Option {
	return func(s *Layer) { s.pacer = fn }
}

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Layer) { s.now = now }
}

// WithTransport replaces the base transport sessions are cloned from.
func WithTransport(t *http.Transport) Option {
	return func(s *Layer) { s.baseTransport = t }
}

// Layer owns one [Session] per retailer, created on first use.
//
// Sessions share a proxy pool and a base transport configuration but keep
// their own cookie jar, header profile and proxy, so retailers never see
// each other's identities.
type Layer struct {
	cfg           Config
	pool          *ProxyPool
	pacer         func(string) time.Duration
	logger        *slog.Logger
	now           func() time.Time
	baseTransport *http.Transport

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a stealth [Layer].
func New(cfg Config, opts ...Option) (*Layer, error) {
	cfg.defaults()
	pool, err := NewProxyPool(cfg.Proxies, cfg.ProxyCooldown)
	if err != nil {
		return nil, fmt.Errorf("stealth: %w", err)
	}

	l := &Layer{
		cfg:    cfg,
		pool:   pool,
		logger: slog.Default(),
		now:    time.Now,
		baseTransport: &http.Transport{
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			MaxConnsPerHost:     defaultMaxConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
		},
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(l)
	}
	pool.now = l.now
	return l, nil
}

// Session returns the session of a retailer, creating it on first use.
func (l *Layer) Session(retailer string) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.sessions[retailer]; ok {
		return s
	}
	s := newSession(l, retailer)
	l.sessions[retailer] = s
	return s
}

// SessionStats is a read-only view of one session.
type SessionStats struct {
	Retailer string
	Profile  string
	Requests int
	Blocks   int
}

// Stats returns a view of every session, sorted by retailer.
func (l *Layer) Stats() []SessionStats {
	l.mu.Lock()
	list := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		list = append(list, s)
	}
	l.mu.Unlock()

	out := make([]SessionStats, 0, len(list))
	for _, s := range list {
		req, blocks := s.Stats()
		out = append(out, SessionStats{Retailer: s.retailer, Profile: s.Profile(), Requests: req, Blocks: blocks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Retailer < out[j].Retailer })
	return out
}

// Close closes idle connections of every session. Sessions remain usable.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if t, ok := s.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (l *Layer) newJar() http.CookieJar {
	// cookiejar.New never returns a non-nil error
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}
