package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/stockpulse"
	"github.com/jpalmerr/stockpulse/adapters"
	"github.com/jpalmerr/stockpulse/example/mockretail"
	"github.com/jpalmerr/stockpulse/retail"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// fake retailer serving a JSON API and an HTML shop
	shop := mockretail.New(logger.With("component", "mockretail"))
	go func() {
		if err := shop.ListenAndServe(":9999"); err != nil {
			logger.Error("mock retailer error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	api, err := adapters.NewJSONAPI(adapters.JSONAPIConfig{
		Retailer:         "mockapi",
		URLTemplate:      "http://localhost:9999/api/search?q={query}",
		ItemsPath:        "data.products",
		IDPath:           "tcin",
		NamePath:         "title",
		PricePath:        "price.current",
		AvailabilityPath: "fulfillment.available",
		URLPath:          "url",
		Currency:         "USD",
	})
	if err != nil {
		logger.Error("failed to create json adapter", "error", err)
		os.Exit(1)
	}

	scrape, err := adapters.NewHTMLScrape(adapters.HTMLScrapeConfig{
		Retailer:        "mockshop",
		URLTemplate:     "http://localhost:9999/shop/search?q={query}",
		ProductSelector: "div.product",
		NameSelector:    "h2.name",
		PriceSelector:   "span.price",
		LinkSelector:    "a.link",
		IDAttr:          "data-sku",
		CartSelector:    "button.add-to-cart",
		Currency:        "USD",
	})
	if err != nil {
		logger.Error("failed to create scrape adapter", "error", err)
		os.Exit(1)
	}

	// grid: 2 retailers × 2 queries = 4 targets from one declaration
	targets, err := stockpulse.NewTargetGrid(
		stockpulse.WithGridRetailers("mockapi", "mockshop"),
		stockpulse.WithQueryTemplate("{{.product}}"),
		stockpulse.WithDimensions(map[string][]string{
			"product": {"elite trainer box", "booster bundle"},
		}),
		stockpulse.WithGridWatch(),
	)
	if err != nil {
		logger.Error("failed to create target grid", "error", err)
		os.Exit(1)
	}

	e, err := stockpulse.New(
		stockpulse.WithAdapters(api, scrape),
		stockpulse.WithTargets(targets...),
		stockpulse.WithScanInterval(30*time.Second, 10*time.Second),
		stockpulse.WithCacheTTL(5*time.Second, 30*time.Second),
		stockpulse.WithPort(8080),
		stockpulse.WithLogger(logger),
		stockpulse.WithSignalCallback(func(s retail.Signal) {
			if s.Product == nil {
				fmt.Printf("  %-20s %s (%s)\n", s.Type, s.RetailerID, s.Reason)
				return
			}
			p := s.Product.Representative
			fmt.Printf("  %-20s %-10s %-40s $%.2f\n", s.Type, s.RetailerID, p.Name, p.Price)
		}),
	)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = e.Close() }()

	fmt.Println()
	fmt.Println("  stockpulse demo")
	fmt.Println()
	fmt.Println("  Targets: 2 fake retailers × 2 queries (JSON API + HTML shop)")
	fmt.Println("  Stock flips every 20-60s; signals print below.")
	fmt.Println()
	fmt.Println("  curl http://localhost:8080/api/health")
	fmt.Println("  curl -N http://localhost:8080/api/sse")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		logger.Error("engine error", "error", err)
		os.Exit(1)
	}
}
