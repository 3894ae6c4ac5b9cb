// Package stockpulse provides an embeddable engine that polls retailers
// for product availability and emits signals when stock or prices change.
//
// Stockpulse is designed as an SDK-first library: retailers are plugged in
// as [retail.Adapter] implementations, and the engine is configured
// programmatically via the functional options pattern. A YAML config file
// and a CLI are provided on top (packages config and cmd/stockpulse).
//
// # Quick Start
//
// Create an adapter and start scanning with graceful shutdown:
//
//	api, _ := adapters.NewJSONAPI(adapters.JSONAPIConfig{
//	    Retailer:         "target",
//	    URLTemplate:      "https://api.example.com/search?q={query}",
//	    ItemsPath:        "data.products",
//	    NamePath:         "title",
//	    AvailabilityPath: "fulfillment.availability",
//	})
//	targets, _ := stockpulse.NewTargetGrid(
//	    stockpulse.WithGridRetailers("target"),
//	    stockpulse.WithGridQueries("elite trainer box"),
//	)
//	engine, _ := stockpulse.New(stockpulse.WithAdapter(api), stockpulse.WithTargets(targets...))
//	defer engine.Close()
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	engine.Start(ctx) // blocks until context is cancelled
//
// # Scanning
//
// Every scan runs as a cycle: one task chain per retailer, fanned out
// under a global in-flight bound. A failing retailer fails alone; the
// result lists failed and skipped retailers with the reason. Each retailer
// is guarded by a circuit breaker, an adaptive backoff honouring
// time-of-day windows, and a response cache issuing conditional requests.
//
// Observations are verified by weighted indicator voting, merged into
// canonical products and diffed against the store. Only verified changes
// become signals:
//
//   - stock_found, stock_lost, price_changed for products
//   - retailer_blocked, retailer_unblocked for circuit transitions
//
// # Delivery
//
// Signals are logged in the store (memory or SQLite), streamed over SSE,
// and delivered to callbacks ([WithSignalCallback]), webhooks
// ([WithWebhook]) and Postgres ([WithPostgresSink]). [Engine.Watch]
// registers per-product subscriptions at runtime.
//
// # Architecture
//
// Stockpulse consists of several internal packages (under internal/):
//
//   - internal/scheduler: Priority scheduling of scan targets
//   - internal/orchestrator: Scan cycles with bounded fan-out
//   - internal/breaker, internal/backoff: Per-retailer resilience
//   - internal/cache: Response cache with Redis persistence
//   - internal/stealth: Browser-like HTTP sessions and proxy rotation
//   - internal/verify, internal/dedup: Stock verification and merging
//   - internal/store: Product and signal storage with pub/sub
//   - internal/sink: Signal delivery
//   - internal/server: HTTP API with Server-Sent Events
//
// The internal packages are not part of the public API and may change
// without notice.
package stockpulse
