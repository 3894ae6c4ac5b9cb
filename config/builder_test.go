package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jpalmerr/stockpulse"
	"github.com/jpalmerr/stockpulse/adapters"
	"github.com/jpalmerr/stockpulse/retail"
)

func mustParse(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestBuildAdapters_Types(t *testing.T) {
	cfg := mustParse(t, `
retailers:
  - id: target
    type: json_api
    url: "https://api.example.com/search?q={query}"
    json: {name: title, availability: available}
  - id: shop
    type: html_scrape
    url: "https://shop.example.com/search?q={query}"
    html: {product: div.product, name: h2}
  - id: demo
    type: mock
`)

	ads, err := BuildAdapters(cfg)
	if err != nil {
		t.Fatalf("BuildAdapters() error = %v", err)
	}
	if len(ads) != 3 {
		t.Fatalf("len(adapters) = %d, want 3", len(ads))
	}

	tests := []struct {
		id   string
		kind retail.SourceKind
	}{
		{"target", retail.SourceAPI},
		{"shop", retail.SourceScrape},
		{"demo", retail.SourceAPI},
	}
	for i, tt := range tests {
		if ads[i].ID() != tt.id {
			t.Errorf("adapters[%d].ID() = %q, want %q", i, ads[i].ID(), tt.id)
		}
		if ads[i].Kind() != tt.kind {
			t.Errorf("adapters[%d].Kind() = %v, want %v", i, ads[i].Kind(), tt.kind)
		}
	}
	if _, ok := ads[2].(*adapters.Mock); !ok {
		t.Errorf("adapters[2] = %T, want *adapters.Mock", ads[2])
	}
}

func TestBuildAdapters_InvalidSelector(t *testing.T) {
	cfg := mustParse(t, `
retailers:
  - id: shop
    type: html_scrape
    url: "https://shop.example.com/search?q={query}"
    html: {product: "div[", name: h2}
`)

	_, err := BuildAdapters(cfg)
	if err == nil {
		t.Fatal("BuildAdapters() should return error for an invalid selector")
	}
	if !errors.Is(err, retail.ErrMissingConfig) {
		t.Errorf("error = %v, want ErrMissingConfig", err)
	}
	if !strings.Contains(err.Error(), "retailers[0] (shop)") {
		t.Errorf("error should carry the retailer index, got: %v", err)
	}
}

func TestBuildTargets_Grid(t *testing.T) {
	cfg := mustParse(t, `
retailers:
  - id: target
    type: mock
  - id: walmart
    type: mock
targets:
  - "target:elite trainer box"
  - query_template: "pokemon {{.set}} etb"
    dimensions:
      set: ["151", "surging sparks"]
    priority: 3
    watch: true
`)

	targets, err := BuildTargets(cfg)
	if err != nil {
		t.Fatalf("BuildTargets() error = %v", err)
	}

	want := []string{
		"target|elite trainer box",
		"target|pokemon 151 etb",
		"target|pokemon surging sparks etb",
		"walmart|pokemon 151 etb",
		"walmart|pokemon surging sparks etb",
	}
	if len(targets) != len(want) {
		t.Fatalf("len(targets) = %d, want %d: %v", len(targets), len(want), targets)
	}
	for i, key := range want {
		if targets[i].Key() != key {
			t.Errorf("targets[%d] = %q, want %q", i, targets[i].Key(), key)
		}
	}
	if targets[0].Watch {
		t.Error("shorthand target should not be watched")
	}
	for _, tg := range targets[1:] {
		if !tg.Watch || tg.BasePriority != 3 {
			t.Errorf("grid target %s = %+v, want watched with priority 3", tg.Key(), tg)
		}
	}
}

func TestBuildTargets_Empty(t *testing.T) {
	targets, err := BuildTargets(mustParse(t, minimalYAML))
	if err != nil {
		t.Fatalf("BuildTargets() error = %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("len(targets) = %d, want 0", len(targets))
	}
}

func TestBuildTargets_TemplateExecutionError(t *testing.T) {
	cfg := mustParse(t, minimalYAML+`
targets:
  - query_template: "{{.missing}}"
    dimensions:
      set: ["151"]
`)

	_, err := BuildTargets(cfg)
	if err == nil {
		t.Fatal("BuildTargets() should return error for a missing template key")
	}
	if !strings.Contains(err.Error(), "targets[0]") {
		t.Errorf("error should carry the target index, got: %v", err)
	}
}

func TestBuildOptions_CreatesEngine(t *testing.T) {
	cfg := mustParse(t, `
engine:
  max_in_flight: 2
  weights: {price_present: 0.5}
  schedule:
    off_peak: ["01:00-06:00"]
storage:
  signal_history: 50
retailers:
  - id: demo
    type: mock
    catalog:
      etb:
        - {sku: sku-1, name: Elite Trainer Box, price: 49.99, in_stock: true}
    schedule:
      maintenance: ["03:00-03:30"]
targets:
  - "demo:etb"
`)

	opts, err := BuildOptions(cfg)
	if err != nil {
		t.Fatalf("BuildOptions() error = %v", err)
	}
	opts = append(opts,
		stockpulse.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		stockpulse.WithoutServer(),
	)

	e, err := stockpulse.New(opts...)
	if err != nil {
		t.Fatalf("stockpulse.New() error = %v", err)
	}
	defer func() { _ = e.Close() }()

	if got := e.Targets(); len(got) != 1 || got[0].Key() != "demo|etb" {
		t.Errorf("Targets() = %+v, want demo|etb", got)
	}

	res, err := e.Scan(context.Background(), retail.ScanRequest{Query: "etb"})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(res.Products) != 1 {
		t.Fatalf("len(Products) = %d, want 1", len(res.Products))
	}
	if !res.Products[0].Available {
		t.Error("product should be available")
	}
}

func TestBuildOptions_Port(t *testing.T) {
	cfg := mustParse(t, "port: 9191\n"+minimalYAML)

	opts, err := BuildOptions(cfg)
	if err != nil {
		t.Fatalf("BuildOptions() error = %v", err)
	}
	e, err := stockpulse.New(append(opts, stockpulse.WithoutServer())...)
	if err != nil {
		t.Fatalf("stockpulse.New() error = %v", err)
	}
	defer func() { _ = e.Close() }()

	if e.Port() != 9191 {
		t.Errorf("Port() = %d, want 9191", e.Port())
	}
}
