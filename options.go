package stockpulse

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jpalmerr/stockpulse/internal/backoff"
	"github.com/jpalmerr/stockpulse/internal/breaker"
	"github.com/jpalmerr/stockpulse/internal/cache"
	"github.com/jpalmerr/stockpulse/internal/dedup"
	"github.com/jpalmerr/stockpulse/internal/orchestrator"
	"github.com/jpalmerr/stockpulse/internal/scheduler"
	"github.com/jpalmerr/stockpulse/internal/stealth"
	"github.com/jpalmerr/stockpulse/internal/verify"
	"github.com/jpalmerr/stockpulse/retail"
)

// engineConfig holds mutable state during Engine construction.
type engineConfig struct {
	adapters []retail.Adapter
	targets  []retail.ScanTarget
	logger   *slog.Logger

	port          int
	serverEnabled bool

	orchestrator orchestrator.Config
	breaker      breaker.Config
	backoff      backoff.Config
	cache        cache.Config
	verify       verify.Config
	dedup        dedup.Config
	scheduler    scheduler.Config
	stealth      stealth.Config

	maxSignals int
	sqlitePath string

	redisAddr     string
	redisPassword string
	redisDB       int

	postgresDSN   string
	postgresTable string

	webhooks  []string
	callbacks []func(retail.Signal)
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		port:          defaultPort,
		serverEnabled: true,
		orchestrator:  orchestrator.DefaultConfig(),
		breaker:       breaker.DefaultConfig(),
		backoff:       backoff.DefaultConfig(),
		cache:         cache.DefaultConfig(),
		verify:        verify.DefaultConfig(),
		dedup:         dedup.DefaultConfig(),
		scheduler:     scheduler.DefaultConfig(),
	}
}

// Option is a function that configures an [Engine] during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*engineConfig) error

// WithAdapter adds a retailer [retail.Adapter].
//
// Can be called multiple times. At least one adapter must be configured
// for [New] to succeed, and adapter ids must be unique.
//
// Example:
//
//	api, _ := adapters.NewJSONAPI(cfg)
//	engine, err := stockpulse.New(
//	    stockpulse.WithAdapter(api),
//	    stockpulse.WithAdapter(adapters.NewMock("demo", catalog)),
//	)
func WithAdapter(a retail.Adapter) Option {
	return func(cfg *engineConfig) error {
		if a == nil {
			return errors.New("adapter cannot be nil")
		}
		cfg.adapters = append(cfg.adapters, a)
		return nil
	}
}

// WithAdapters adds multiple adapters. Equivalent to calling [WithAdapter]
// for each.
func WithAdapters(adapters ...retail.Adapter) Option {
	return func(cfg *engineConfig) error {
		for _, a := range adapters {
			if err := WithAdapter(a)(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithTargets registers targets for background scanning. Every target
// must name a configured adapter; [NewTargetGrid] builds the usual
// retailers × queries set.
func WithTargets(targets ...retail.ScanTarget) Option {
	return func(cfg *engineConfig) error {
		for _, t := range targets {
			if t.RetailerID == "" || t.Query == "" {
				return fmt.Errorf("target %q needs a retailer and a query", t.Key())
			}
		}
		cfg.targets = append(cfg.targets, targets...)
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the engine and every
// component it creates. If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithPort sets the HTTP port of the API server started by
// [Engine.Start]. Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *engineConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithoutServer disables the HTTP API. [Engine.Start] then only runs the
// background scanner.
func WithoutServer() Option {
	return func(cfg *engineConfig) error {
		cfg.serverEnabled = false
		return nil
	}
}

// WithMaxInFlight bounds concurrent network requests across all
// retailers. Defaults to 10.
//
// Returns an error if the value is zero or negative.
func WithMaxInFlight(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return errors.New("max in-flight must be positive")
		}
		cfg.orchestrator.MaxInFlight = int64(n)
		return nil
	}
}

// WithTimeouts sets the per-request and per-retailer timeouts of a scan
// cycle. A retailer exceeding either fails alone; the cycle goes on.
// Defaults to 15s and 45s.
func WithTimeouts(request, retailer time.Duration) Option {
	return func(cfg *engineConfig) error {
		if request <= 0 || retailer <= 0 {
			return errors.New("timeouts must be positive")
		}
		cfg.orchestrator.RequestTimeout = request
		cfg.orchestrator.RetailerTimeout = retailer
		return nil
	}
}

// WithCircuitBreaker sets the consecutive failure count that opens a
// retailer's circuit and how long it stays open. Defaults to 5 and 300s.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(cfg *engineConfig) error {
		if threshold <= 0 || cooldown <= 0 {
			return errors.New("circuit threshold and cooldown must be positive")
		}
		cfg.breaker.Threshold = threshold
		cfg.breaker.Cooldown = cooldown
		return nil
	}
}

// WithBackoff sets the minimum and maximum delay between two requests to
// one retailer. The delay doubles with every consecutive failure.
func WithBackoff(base, max time.Duration) Option {
	return func(cfg *engineConfig) error {
		if base <= 0 || max < base {
			return fmt.Errorf("invalid backoff bounds %v..%v", base, max)
		}
		cfg.backoff.Base = base
		cfg.backoff.Max = max
		return nil
	}
}

// WithSchedule sets the time-of-day windows of a retailer ("HH:MM-HH:MM").
// An empty retailer sets the windows of every retailer without its own.
// Requests slow down in peak windows, speed up off-peak, and stop during
// maintenance.
//
// Example:
//
//	stockpulse.WithSchedule("target",
//	    []string{"17:00-21:00"},   // peak
//	    []string{"01:00-06:00"},   // off-peak
//	    []string{"03:00-03:30"},   // maintenance
//	)
func WithSchedule(retailer string, peak, offPeak, maintenance []string) Option {
	return func(cfg *engineConfig) error {
		var s backoff.Schedule
		for _, set := range []struct {
			raw []string
			dst *[]backoff.Window
		}{
			{peak, &s.Peak},
			{offPeak, &s.OffPeak},
			{maintenance, &s.Maintenance},
		} {
			for _, r := range set.raw {
				w, err := backoff.ParseWindow(r)
				if err != nil {
					return err
				}
				*set.dst = append(*set.dst, w)
			}
		}

		if retailer == "" {
			cfg.backoff.Schedule = s
			return nil
		}
		if cfg.backoff.Schedules == nil {
			cfg.backoff.Schedules = make(map[string]backoff.Schedule)
		}
		cfg.backoff.Schedules[retailer] = s
		return nil
	}
}

// WithTimezone sets the location time-of-day windows are evaluated in.
// Defaults to UTC.
func WithTimezone(loc *time.Location) Option {
	return func(cfg *engineConfig) error {
		if loc == nil {
			return errors.New("timezone cannot be nil")
		}
		cfg.backoff.Location = loc
		return nil
	}
}

// WithCacheTTL sets the freshness of cached responses when the retailer
// sends no max-age, and the cap applied to every TTL.
func WithCacheTTL(defaultTTL, maxTTL time.Duration) Option {
	return func(cfg *engineConfig) error {
		if defaultTTL <= 0 || maxTTL < defaultTTL {
			return fmt.Errorf("invalid cache ttl %v (max %v)", defaultTTL, maxTTL)
		}
		cfg.cache.DefaultTTL = defaultTTL
		cfg.cache.MaxTTL = maxTTL
		return nil
	}
}

// WithVerifierThreshold sets the minimum confidence for a product to count
// as verified. Unverified products never trigger stock_found.
func WithVerifierThreshold(threshold float64) Option {
	return func(cfg *engineConfig) error {
		if threshold <= 0 || threshold > 1 {
			return errors.New("verifier threshold must be in (0, 1]")
		}
		cfg.verify.Threshold = threshold
		cfg.dedup.Threshold = threshold
		return nil
	}
}

// WithIndicatorWeight overrides the vote weight of one indicator kind.
func WithIndicatorWeight(kind retail.IndicatorKind, weight float64) Option {
	return func(cfg *engineConfig) error {
		if weight < 0 {
			return errors.New("indicator weight cannot be negative")
		}
		if cfg.verify.Weights == nil {
			cfg.verify.Weights = verify.DefaultWeights()
		}
		cfg.verify.Weights[kind] = weight
		return nil
	}
}

// WithScanInterval sets the re-scan interval of a priority-1 target and
// the floor applied to every target. Watched and volatile targets are
// scanned more often.
func WithScanInterval(base, min time.Duration) Option {
	return func(cfg *engineConfig) error {
		if min <= 0 || base < min {
			return fmt.Errorf("invalid scan interval %v (min %v)", base, min)
		}
		cfg.scheduler.BaseInterval = base
		cfg.scheduler.MinInterval = min
		return nil
	}
}

// WithProxies sets the proxy pool (http, https or socks5 URLs).
func WithProxies(proxies ...string) Option {
	return func(cfg *engineConfig) error {
		for _, p := range proxies {
			if _, err := url.Parse(p); err != nil {
				return fmt.Errorf("invalid proxy %q: %w", p, err)
			}
		}
		cfg.stealth.Proxies = append(cfg.stealth.Proxies, proxies...)
		return nil
	}
}

// WithMinDelay sets the minimum spacing between two requests of one
// retailer session, regardless of backoff.
func WithMinDelay(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("min delay cannot be negative")
		}
		cfg.stealth.MinDelay = d
		return nil
	}
}

// WithSQLite persists products and signals in a SQLite database at path.
// Without it the engine keeps state in memory.
func WithSQLite(path string) Option {
	return func(cfg *engineConfig) error {
		if path == "" {
			return errors.New("sqlite path cannot be empty")
		}
		cfg.sqlitePath = path
		return nil
	}
}

// WithSignalHistory bounds the in-memory signal log. Defaults to 1000.
func WithSignalHistory(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return errors.New("signal history must be positive")
		}
		cfg.maxSignals = n
		return nil
	}
}

// WithRedisCache persists cached responses and their validators in Redis,
// so conditional requests survive restarts.
func WithRedisCache(addr, password string, db int) Option {
	return func(cfg *engineConfig) error {
		if addr == "" {
			return errors.New("redis address cannot be empty")
		}
		cfg.redisAddr = addr
		cfg.redisPassword = password
		cfg.redisDB = db
		return nil
	}
}

// WithPostgresSink writes every signal to a Postgres table (created if
// missing). An empty table name uses "signals".
func WithPostgresSink(dsn, table string) Option {
	return func(cfg *engineConfig) error {
		if dsn == "" {
			return errors.New("postgres dsn cannot be empty")
		}
		cfg.postgresDSN = dsn
		cfg.postgresTable = table
		return nil
	}
}

// WithWebhook posts every signal batch as JSON to rawURL.
func WithWebhook(rawURL string) Option {
	return func(cfg *engineConfig) error {
		if err := validateWebhook(rawURL); err != nil {
			return err
		}
		cfg.webhooks = append(cfg.webhooks, rawURL)
		return nil
	}
}

// WithSignalCallback registers a function called for every signal.
//
// Callbacks run on the engine's delivery path: they must be non-blocking.
// Panics within callbacks are recovered and logged with a correlation id;
// they do not stop delivery to other sinks.
//
// Nil callbacks are silently ignored.
func WithSignalCallback(fn func(retail.Signal)) Option {
	return func(cfg *engineConfig) error {
		if fn == nil {
			return nil
		}
		cfg.callbacks = append(cfg.callbacks, fn)
		return nil
	}
}

func validateWebhook(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", rawURL)
	}
	return nil
}
