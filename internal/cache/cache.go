// Package cache implements the change-detection cache: the last response
// seen for every (retailer, query) key together with its conditional
// validators.
//
// A fresh entry is served without touching the network. An expired entry is
// kept as a stale validator: the next fetch is issued conditionally and a
// 304 answer only refreshes the entry's TTL. Entries are dropped once they
// have been stale for longer than the retention period, or when the LRU
// bound is reached.
//
// Concurrent callers for the same key share a single fetch; unrelated keys
// never wait on each other.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jpalmerr/stockpulse/retail"
)

// Entry is a cached response.
type Entry struct {
	Key        string            `json:"key"`
	Payload    []byte            `json:"payload"`
	StatusCode int               `json:"status_code"`
	Header     http.Header       `json:"header,omitempty"`
	Validators retail.Validators `json:"validators"`
	FetchedAt  time.Time         `json:"fetched_at"`
	TTL        time.Duration     `json:"ttl"`
}

// ExpiresAt returns the moment the entry stops being fresh.
func (e Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// Fresh reports whether the entry may be served without a fetch.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// Raw rebuilds the response the entry was created from.
func (e Entry) Raw() *retail.RawResponse {
	return &retail.RawResponse{
		StatusCode:   e.StatusCode,
		Header:       e.Header,
		Body:         e.Payload,
		ETag:         e.Validators.ETag,
		LastModified: e.Validators.LastModified,
	}
}

// FetchFunc performs the network request for a key. prior carries the
// validators of the stale entry, or the zero value when none is known; the
// fetch must only send conditional headers when prior is non-zero.
type FetchFunc func(ctx context.Context, prior retail.Validators) (*retail.RawResponse, error)

// Backend is an optional persistence tier consulted on LRU misses.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, e Entry, retain time.Duration) error
}

// Config holds cache tuning.
type Config struct {
	// DefaultTTL applies when the response carries no max-age.
	DefaultTTL time.Duration
	// MaxTTL caps every entry's TTL, including server-provided max-age.
	MaxTTL time.Duration
	// StaleRetention is how long an expired entry is kept as a validator.
	StaleRetention time.Duration
	// MaxEntries bounds the in-memory LRU.
	MaxEntries int
}

// DefaultConfig returns the default cache tuning.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:     30 * time.Second,
		MaxTTL:         5 * time.Minute,
		StaleRetention: time.Hour,
		MaxEntries:     4096,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = d.MaxTTL
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.StaleRetention <= 0 {
		c.StaleRetention = d.StaleRetention
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets a custom clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithBackend adds a persistence tier.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithLogger sets the logger used for backend errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is the change-detection cache. Safe for concurrent use.
type Cache struct {
	cfg     Config
	now     func() time.Time
	backend Backend
	logger  *slog.Logger

	entries *lru.Cache[string, Entry]
	group   singleflight.Group
}

// New creates a cache. Zero fields of cfg fall back to [DefaultConfig].
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg.defaults()
	entries, err := lru.New[string, Entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c := &Cache{
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		entries: entries,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type result struct {
	entry     Entry
	fromCache bool
}

// GetOrFetch returns the entry for key, calling fetch only when no fresh
// entry exists. fromCache is true when the returned payload was not
// transferred by this call: either the entry was fresh or the server
// answered 304.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (Entry, bool, error) {
	if e, ok := c.lookup(ctx, key); ok && e.Fresh(c.now()) {
		return e, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// another caller may have refreshed the key while we waited
		prior, ok := c.lookup(ctx, key)
		if ok && prior.Fresh(c.now()) {
			return result{entry: prior, fromCache: true}, nil
		}

		var validators retail.Validators
		if ok {
			validators = prior.Validators
		}

		raw, err := fetch(ctx, validators)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, fmt.Errorf("cache: fetch for %q returned no response", key)
		}

		now := c.now()
		if raw.NotModified {
			if !ok {
				return nil, fmt.Errorf("cache: 304 for %q without a cached entry", key)
			}
			prior.FetchedAt = now
			prior.TTL = c.ttl(raw.Header)
			c.store(ctx, prior)
			return result{entry: prior, fromCache: true}, nil
		}

		e := Entry{
			Key:        key,
			Payload:    raw.Body,
			StatusCode: raw.StatusCode,
			Header:     raw.Header,
			Validators: raw.Validators(),
			FetchedAt:  now,
			TTL:        c.ttl(raw.Header),
		}
		c.store(ctx, e)
		return result{entry: e}, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	r := v.(result)
	return r.entry, r.fromCache, nil
}

// Peek returns the entry for key without fetching, fresh or stale.
func (c *Cache) Peek(key string) (Entry, bool) {
	e, ok := c.entries.Peek(key)
	if !ok || c.retired(e) {
		return Entry{}, false
	}
	return e, true
}

// Fresh reports whether the in-memory entry for key may be served without
// a fetch.
func (c *Cache) Fresh(key string) bool {
	e, ok := c.Peek(key)
	return ok && e.Fresh(c.now())
}

// Invalidate drops the in-memory entry for key.
func (c *Cache) Invalidate(key string) {
	c.entries.Remove(key)
}

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Sweep removes entries that have been stale for longer than the
// retention period and returns how many were dropped.
func (c *Cache) Sweep() int {
	var n int
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && c.retired(e) {
			c.entries.Remove(key)
			n++
		}
	}
	return n
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache swept", "removed", n)
			}
		}
	}
}

func (c *Cache) retired(e Entry) bool {
	return c.now().After(e.ExpiresAt().Add(c.cfg.StaleRetention))
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	if e, ok := c.entries.Get(key); ok {
		if c.retired(e) {
			c.entries.Remove(key)
			return Entry{}, false
		}
		return e, true
	}
	if c.backend == nil {
		return Entry{}, false
	}

	e, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		c.logger.Warn("cache backend load failed", "key", key, "error", err)
		return Entry{}, false
	}
	if !ok || c.retired(e) {
		return Entry{}, false
	}
	if e.TTL > c.cfg.MaxTTL {
		e.TTL = c.cfg.MaxTTL
	}
	c.entries.Add(key, e)
	return e, true
}

func (c *Cache) store(ctx context.Context, e Entry) {
	c.entries.Add(e.Key, e)
	if c.backend == nil {
		return
	}
	if err := c.backend.Save(ctx, e, e.TTL+c.cfg.StaleRetention); err != nil {
		c.logger.Warn("cache backend save failed", "key", e.Key, "error", err)
	}
}

// ttl derives the entry TTL from Cache-Control max-age, clamped to MaxTTL.
func (c *Cache) ttl(h http.Header) time.Duration {
	ttl := c.cfg.DefaultTTL
	if age, ok := maxAge(h); ok {
		ttl = age
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

func maxAge(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
