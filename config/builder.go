package config

import (
	"fmt"
	"sort"

	"github.com/jpalmerr/stockpulse"
	"github.com/jpalmerr/stockpulse/adapters"
	"github.com/jpalmerr/stockpulse/retail"
)

// BuildOptions converts parsed configuration into engine options.
//
// The result holds one adapter per retailer, the expanded targets and
// every engine, storage and sink setting. Callers append their own options
// (logger, port overrides) before passing the slice to [stockpulse.New].
func BuildOptions(cfg *Config) ([]stockpulse.Option, error) {
	ads, err := BuildAdapters(cfg)
	if err != nil {
		return nil, err
	}
	targets, err := BuildTargets(cfg)
	if err != nil {
		return nil, err
	}

	opts := []stockpulse.Option{
		stockpulse.WithAdapters(ads...),
		stockpulse.WithPort(cfg.Port),
	}
	if len(targets) > 0 {
		opts = append(opts, stockpulse.WithTargets(targets...))
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	opts = append(opts, stockpulse.WithTimezone(loc))
	opts = append(opts, buildEngineOptions(cfg.Engine)...)

	for _, r := range cfg.Retailers {
		if r.Schedule != nil {
			opts = append(opts, scheduleOption(r.ID, r.Schedule))
		}
	}

	opts = append(opts, buildStorageOptions(cfg.Storage)...)
	for _, hook := range cfg.Webhooks {
		opts = append(opts, stockpulse.WithWebhook(hook))
	}

	return opts, nil
}

// BuildAdapters creates one adapter per configured retailer, in file order.
func BuildAdapters(cfg *Config) ([]retail.Adapter, error) {
	ads := make([]retail.Adapter, 0, len(cfg.Retailers))
	for i, rc := range cfg.Retailers {
		a, err := buildAdapter(rc)
		if err != nil {
			return nil, fmt.Errorf("retailers[%d] (%s): %w", i, rc.ID, err)
		}
		ads = append(ads, a)
	}
	return ads, nil
}

func buildAdapter(rc RetailerConfig) (retail.Adapter, error) {
	switch rc.Type {
	case TypeJSONAPI:
		if rc.JSON == nil {
			return nil, fmt.Errorf("json fields are required: %w", retail.ErrMissingConfig)
		}
		return adapters.NewJSONAPI(adapters.JSONAPIConfig{
			Retailer:         rc.ID,
			URLTemplate:      rc.URL,
			ItemsPath:        rc.JSON.Items,
			IDPath:           rc.JSON.ID,
			NamePath:         rc.JSON.Name,
			PricePath:        rc.JSON.Price,
			AvailabilityPath: rc.JSON.Availability,
			URLPath:          rc.JSON.URL,
			Currency:         rc.Currency,
		})
	case TypeHTMLScrape:
		if rc.HTML == nil {
			return nil, fmt.Errorf("html selectors are required: %w", retail.ErrMissingConfig)
		}
		return adapters.NewHTMLScrape(adapters.HTMLScrapeConfig{
			Retailer:          rc.ID,
			URLTemplate:       rc.URL,
			ProductSelector:   rc.HTML.Product,
			NameSelector:      rc.HTML.Name,
			PriceSelector:     rc.HTML.Price,
			LinkSelector:      rc.HTML.Link,
			IDAttr:            rc.HTML.IDAttr,
			CartSelector:      rc.HTML.Cart,
			OutOfStockMarkers: rc.HTML.OutOfStockMarkers,
			Currency:          rc.Currency,
		})
	case TypeMock:
		return adapters.NewMock(rc.ID, buildCatalog(rc.Catalog)), nil
	default:
		return nil, fmt.Errorf("unknown type %q: %w", rc.Type, retail.ErrMissingConfig)
	}
}

func buildCatalog(in map[string][]MockProductConfig) map[string][]adapters.MockProduct {
	catalog := make(map[string][]adapters.MockProduct, len(in))
	for q, products := range in {
		for _, p := range products {
			catalog[q] = append(catalog[q], adapters.MockProduct{
				SKU:     p.SKU,
				Name:    p.Name,
				Price:   p.Price,
				InStock: p.InStock,
			})
		}
	}
	return catalog
}

// BuildTargets expands every target grid. A grid without retailers covers
// every configured retailer.
func BuildTargets(cfg *Config) ([]retail.ScanTarget, error) {
	var targets []retail.ScanTarget
	for i, tc := range cfg.Targets {
		retailers := tc.Retailers
		if len(retailers) == 0 {
			retailers = cfg.RetailerIDs()
		}

		opts := []stockpulse.GridOption{
			stockpulse.WithGridRetailers(retailers...),
			stockpulse.WithGridPriority(tc.Priority),
		}
		if len(tc.Queries) > 0 {
			opts = append(opts, stockpulse.WithGridQueries(tc.Queries...))
		}
		if tc.QueryTemplate != "" {
			opts = append(opts,
				stockpulse.WithQueryTemplate(tc.QueryTemplate),
				stockpulse.WithDimensions(tc.Dimensions),
			)
		}
		if tc.Watch {
			opts = append(opts, stockpulse.WithGridWatch())
		}

		grid, err := stockpulse.NewTargetGrid(opts...)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		targets = append(targets, grid...)
	}
	return targets, nil
}

func buildEngineOptions(e EngineConfig) []stockpulse.Option {
	opts := []stockpulse.Option{
		stockpulse.WithTimeouts(e.RequestTimeout.Duration(), e.RetailerTimeout.Duration()),
		stockpulse.WithCircuitBreaker(e.CircuitThreshold, e.CircuitCooldown.Duration()),
		stockpulse.WithBackoff(e.BackoffBase.Duration(), e.BackoffMax.Duration()),
		stockpulse.WithCacheTTL(e.CacheTTL.Duration(), e.CacheMaxTTL.Duration()),
		stockpulse.WithScanInterval(e.ScanInterval.Duration(), e.MinScanInterval.Duration()),
	}

	if e.MaxInFlight > 0 {
		opts = append(opts, stockpulse.WithMaxInFlight(e.MaxInFlight))
	}
	if e.VerifierThreshold > 0 {
		opts = append(opts, stockpulse.WithVerifierThreshold(e.VerifierThreshold))
	}

	// sort for deterministic option order
	kinds := make([]string, 0, len(e.Weights))
	for k := range e.Weights {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		opts = append(opts, stockpulse.WithIndicatorWeight(retail.IndicatorKind(k), e.Weights[k]))
	}

	if e.MinDelay > 0 {
		opts = append(opts, stockpulse.WithMinDelay(e.MinDelay.Duration()))
	}
	if len(e.Proxies) > 0 {
		opts = append(opts, stockpulse.WithProxies(e.Proxies...))
	}
	if e.Schedule != nil {
		opts = append(opts, scheduleOption("", e.Schedule))
	}
	return opts
}

func buildStorageOptions(s StorageConfig) []stockpulse.Option {
	var opts []stockpulse.Option
	if s.SQLite != "" {
		opts = append(opts, stockpulse.WithSQLite(s.SQLite))
	}
	if s.SignalHistory > 0 {
		opts = append(opts, stockpulse.WithSignalHistory(s.SignalHistory))
	}
	if s.Redis != nil {
		opts = append(opts, stockpulse.WithRedisCache(s.Redis.Addr, s.Redis.Password, s.Redis.DB))
	}
	if s.Postgres != nil {
		opts = append(opts, stockpulse.WithPostgresSink(s.Postgres.DSN, s.Postgres.Table))
	}
	return opts
}

func scheduleOption(retailer string, s *ScheduleConfig) stockpulse.Option {
	return stockpulse.WithSchedule(retailer, s.Peak, s.OffPeak, s.Maintenance)
}
