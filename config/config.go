// Package config provides YAML configuration parsing for stockpulse.
//
// This package enables running stockpulse as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	timezone: America/New_York
//
//	engine:
//	  max_in_flight: 8
//	  circuit_threshold: 5
//	  circuit_cooldown: 5m
//	  schedule:
//	    peak: ["17:00-21:00"]
//
//	storage:
//	  sqlite: ./stockpulse.db
//
//	retailers:
//	  - id: target
//	    type: json_api
//	    url: "https://api.example.com/search?q={query}"
//	    json:
//	      items: data.products
//	      name: title
//	      availability: fulfillment.available
//
//	targets:
//	  - "target:pokemon elite trainer box"
//	  - retailers: [target]
//	    query_template: "pokemon {{.set}} booster bundle"
//	    dimensions:
//	      set: ["151", "surging sparks"]
//	    watch: true
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/stockpulse/retail"
)

// Adapter types accepted in [RetailerConfig.Type].
const (
	TypeJSONAPI    = "json_api"
	TypeHTMLScrape = "html_scrape"
	TypeMock       = "mock"
)

// Config is the root configuration structure for stockpulse.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// Timezone is the IANA location time-of-day windows are evaluated in.
	// Defaults to UTC.
	Timezone string `yaml:"timezone"`

	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`

	// Webhooks receive every signal batch as a JSON POST.
	Webhooks []string `yaml:"webhooks"`

	// Retailers defines one adapter per retailer.
	Retailers []RetailerConfig `yaml:"retailers"`

	// Targets defines the scheduled (retailer, query) pairs.
	Targets []TargetConfig `yaml:"targets"`
}

// EngineConfig tunes scanning. Zero values keep the engine defaults.
type EngineConfig struct {
	MaxInFlight     int      `yaml:"max_in_flight"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	RetailerTimeout Duration `yaml:"retailer_timeout"`

	CircuitThreshold int      `yaml:"circuit_threshold"`
	CircuitCooldown  Duration `yaml:"circuit_cooldown"`

	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`

	CacheTTL    Duration `yaml:"cache_ttl"`
	CacheMaxTTL Duration `yaml:"cache_max_ttl"`

	// VerifierThreshold is the confidence a product needs to count as
	// verified, in (0, 1].
	VerifierThreshold float64 `yaml:"verifier_threshold"`

	// Weights overrides indicator vote weights, keyed by indicator kind
	// (availability_field, purchase_affordance, out_of_stock_marker,
	// price_present).
	Weights map[string]float64 `yaml:"weights"`

	ScanInterval    Duration `yaml:"scan_interval"`
	MinScanInterval Duration `yaml:"min_scan_interval"`

	MinDelay Duration `yaml:"min_delay"`
	Proxies  []string `yaml:"proxies"`

	// Schedule applies to every retailer without its own schedule.
	Schedule *ScheduleConfig `yaml:"schedule"`
}

// ScheduleConfig lists time-of-day windows as "HH:MM-HH:MM".
type ScheduleConfig struct {
	Peak        []string `yaml:"peak"`
	OffPeak     []string `yaml:"off_peak"`
	Maintenance []string `yaml:"maintenance"`
}

// StorageConfig selects where products and signals are kept.
type StorageConfig struct {
	// SQLite is a database path. Empty keeps state in memory.
	SQLite string `yaml:"sqlite"`

	// SignalHistory bounds the in-memory signal log.
	SignalHistory int `yaml:"signal_history"`

	Redis    *RedisConfig    `yaml:"redis"`
	Postgres *PostgresConfig `yaml:"postgres"`
}

// RedisConfig enables the Redis tier of the response cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig enables the Postgres signal sink.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// RetailerConfig defines one retailer adapter.
type RetailerConfig struct {
	// ID identifies the retailer in targets, signals and the API.
	ID string `yaml:"id"`

	// Type is json_api, html_scrape or mock.
	Type string `yaml:"type"`

	// URL is the search URL; "{query}" is replaced with the escaped query.
	// Required for json_api and html_scrape.
	URL string `yaml:"url"`

	Currency string `yaml:"currency"`

	JSON    *JSONFields                    `yaml:"json"`
	HTML    *HTMLSelectors                 `yaml:"html"`
	Catalog map[string][]MockProductConfig `yaml:"catalog"`

	// Schedule overrides the engine schedule for this retailer.
	Schedule *ScheduleConfig `yaml:"schedule"`
}

// JSONFields maps a JSON search response onto products. Paths use dot
// notation.
type JSONFields struct {
	Items        string `yaml:"items"`
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Price        string `yaml:"price"`
	Availability string `yaml:"availability"`
	URL          string `yaml:"url"`
}

// HTMLSelectors locates products on a listing page.
type HTMLSelectors struct {
	Product           string   `yaml:"product"`
	Name              string   `yaml:"name"`
	Price             string   `yaml:"price"`
	Link              string   `yaml:"link"`
	IDAttr            string   `yaml:"id_attr"`
	Cart              string   `yaml:"cart"`
	OutOfStockMarkers []string `yaml:"out_of_stock_markers"`
}

// MockProductConfig is one product of a mock catalog.
type MockProductConfig struct {
	SKU     string  `yaml:"sku"`
	Name    string  `yaml:"name"`
	Price   float64 `yaml:"price"`
	InStock bool    `yaml:"in_stock"`
}

// TargetConfig defines scheduled targets as a retailers × queries grid.
//
// A target may also be written as a string: "retailer:query" targets one
// retailer, a bare "query" targets every retailer.
type TargetConfig struct {
	// Retailers restricts the grid. Empty means every configured retailer.
	Retailers []string `yaml:"retailers"`

	Queries []string `yaml:"queries"`

	// QueryTemplate is a Go template expanded over Dimensions.
	QueryTemplate string              `yaml:"query_template"`
	Dimensions    map[string][]string `yaml:"dimensions"`

	Priority float64 `yaml:"priority"`
	Watch    bool    `yaml:"watch"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler for TargetConfig.
func (t *TargetConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return t.parseShorthand(s)
	}

	if node.Kind == yaml.MappingNode {
		// plain alias to avoid infinite recursion
		type raw TargetConfig
		var r raw
		if err := node.Decode(&r); err != nil {
			return err
		}
		*t = TargetConfig(r)
		return nil
	}

	return fmt.Errorf("target must be a string or object, got %v", node.Kind)
}

// parseShorthand parses "retailer:query" or "query".
func (t *TargetConfig) parseShorthand(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("target shorthand cannot be empty")
	}

	if retailer, query, ok := strings.Cut(s, ":"); ok {
		retailer, query = strings.TrimSpace(retailer), strings.TrimSpace(query)
		if retailer == "" || query == "" {
			return fmt.Errorf("invalid target %q (expected 'retailer:query' or 'query')", s)
		}
		t.Retailers = []string{retailer}
		t.Queries = []string{query}
		return nil
	}

	t.Queries = []string{s}
	return nil
}

// Location resolves Timezone. An empty timezone is UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// RetailerIDs returns the configured retailer ids in file order.
func (c *Config) RetailerIDs() []string {
	ids := make([]string, 0, len(c.Retailers))
	for _, r := range c.Retailers {
		ids = append(ids, r.ID)
	}
	return ids
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// Returns an error if a variable without a default is not set.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		// submatches[2] is ":-..." when the default syntax is used
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults, expands
// environment variables and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills the half of each paired setting left unset, so the
// builder always has complete pairs.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}

	e := &c.Engine
	defaults := []struct {
		dst *Duration
		val time.Duration
	}{
		{&e.RequestTimeout, 15 * time.Second},
		{&e.RetailerTimeout, 45 * time.Second},
		{&e.CircuitCooldown, 5 * time.Minute},
		{&e.BackoffBase, 2 * time.Second},
		{&e.BackoffMax, 5 * time.Minute},
		{&e.CacheTTL, 30 * time.Second},
		{&e.CacheMaxTTL, 5 * time.Minute},
		{&e.ScanInterval, 5 * time.Minute},
		{&e.MinScanInterval, 30 * time.Second},
	}
	for _, d := range defaults {
		if *d.dst == 0 {
			*d.dst = Duration(d.val)
		}
	}
	if e.CircuitThreshold == 0 {
		e.CircuitThreshold = 5
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Storage.expandAndValidate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	for i := range c.Webhooks {
		expanded, err := expandEnvVars(c.Webhooks[i])
		if err != nil {
			return fmt.Errorf("webhooks[%d]: %w", i, err)
		}
		if err := validateHTTPURL(expanded); err != nil {
			return fmt.Errorf("webhooks[%d]: %w", i, err)
		}
		c.Webhooks[i] = expanded
	}

	if len(c.Retailers) == 0 {
		return errors.New("at least one retailer must be defined")
	}
	known := make(map[string]struct{}, len(c.Retailers))
	for i := range c.Retailers {
		r := &c.Retailers[i]
		if r.ID == "" {
			return fmt.Errorf("retailers[%d]: id is required", i)
		}
		if _, dup := known[r.ID]; dup {
			return fmt.Errorf("retailers[%d] (%s): duplicate id", i, r.ID)
		}
		known[r.ID] = struct{}{}

		if err := r.expandAndValidate(); err != nil {
			return fmt.Errorf("retailers[%d] (%s): %w", i, r.ID, err)
		}
	}

	for i := range c.Targets {
		if err := c.Targets[i].expandAndValidate(known); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}

	return nil
}

func (e *EngineConfig) validate() error {
	if e.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight cannot be negative, got %d", e.MaxInFlight)
	}
	if e.CircuitThreshold < 0 {
		return fmt.Errorf("circuit_threshold cannot be negative, got %d", e.CircuitThreshold)
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"request_timeout", e.RequestTimeout},
		{"retailer_timeout", e.RetailerTimeout},
		{"circuit_cooldown", e.CircuitCooldown},
		{"backoff_base", e.BackoffBase},
		{"backoff_max", e.BackoffMax},
		{"cache_ttl", e.CacheTTL},
		{"cache_max_ttl", e.CacheMaxTTL},
		{"scan_interval", e.ScanInterval},
		{"min_scan_interval", e.MinScanInterval},
	}
	for _, p := range positive {
		if p.d.Duration() <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d.Duration())
		}
	}
	if e.MinDelay.Duration() < 0 {
		return fmt.Errorf("min_delay cannot be negative, got %s", e.MinDelay.Duration())
	}

	ordered := []struct {
		low, high       string
		lowVal, highVal Duration
	}{
		{"backoff_base", "backoff_max", e.BackoffBase, e.BackoffMax},
		{"cache_ttl", "cache_max_ttl", e.CacheTTL, e.CacheMaxTTL},
		{"min_scan_interval", "scan_interval", e.MinScanInterval, e.ScanInterval},
	}
	for _, o := range ordered {
		if o.highVal < o.lowVal {
			return fmt.Errorf("%s (%s) must not be below %s (%s)",
				o.high, o.highVal.Duration(), o.low, o.lowVal.Duration())
		}
	}

	if e.VerifierThreshold < 0 || e.VerifierThreshold > 1 {
		return fmt.Errorf("verifier_threshold must be in (0, 1], got %v", e.VerifierThreshold)
	}
	for kind, w := range e.Weights {
		if !knownIndicator(kind) {
			return fmt.Errorf("weights: unknown indicator %q", kind)
		}
		if w < 0 {
			return fmt.Errorf("weights[%s] cannot be negative, got %v", kind, w)
		}
	}

	for i := range e.Proxies {
		expanded, err := expandEnvVars(e.Proxies[i])
		if err != nil {
			return fmt.Errorf("proxies[%d]: %w", i, err)
		}
		u, err := url.Parse(expanded)
		if err != nil {
			return fmt.Errorf("proxies[%d]: invalid url: %w", i, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("proxies[%d]: scheme must be http, https or socks5, got %q", i, u.Scheme)
		}
		e.Proxies[i] = expanded
	}

	if e.Schedule != nil {
		if err := e.Schedule.validate(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	return nil
}

func (s *StorageConfig) expandAndValidate() error {
	if s.SignalHistory < 0 {
		return fmt.Errorf("signal_history cannot be negative, got %d", s.SignalHistory)
	}

	expanded, err := expandEnvVars(s.SQLite)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	s.SQLite = expanded

	if s.Redis != nil {
		if s.Redis.Addr, err = expandEnvVars(s.Redis.Addr); err != nil {
			return fmt.Errorf("redis.addr: %w", err)
		}
		if s.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
		if s.Redis.Password, err = expandEnvVars(s.Redis.Password); err != nil {
			return fmt.Errorf("redis.password: %w", err)
		}
		if s.Redis.DB < 0 {
			return fmt.Errorf("redis.db cannot be negative, got %d", s.Redis.DB)
		}
	}

	if s.Postgres != nil {
		if s.Postgres.DSN, err = expandEnvVars(s.Postgres.DSN); err != nil {
			return fmt.Errorf("postgres.dsn: %w", err)
		}
		if s.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
	}
	return nil
}

func (r *RetailerConfig) expandAndValidate() error {
	switch r.Type {
	case TypeMock:
		for q, products := range r.Catalog {
			for j, p := range products {
				if p.SKU == "" {
					return fmt.Errorf("catalog[%s][%d]: sku is required", q, j)
				}
				if p.Price < 0 {
					return fmt.Errorf("catalog[%s][%d]: price cannot be negative", q, j)
				}
			}
		}
	case TypeJSONAPI:
		if err := r.expandURL(); err != nil {
			return err
		}
		if r.JSON == nil || r.JSON.Name == "" || r.JSON.Availability == "" {
			return errors.New("json_api requires json.name and json.availability")
		}
	case TypeHTMLScrape:
		if err := r.expandURL(); err != nil {
			return err
		}
		if r.HTML == nil || r.HTML.Product == "" || r.HTML.Name == "" {
			return errors.New("html_scrape requires html.product and html.name")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown type %q (expected %s, %s or %s)", r.Type, TypeJSONAPI, TypeHTMLScrape, TypeMock)
	}

	if r.Schedule != nil {
		if err := r.Schedule.validate(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	return nil
}

func (r *RetailerConfig) expandURL() error {
	if r.URL == "" {
		return errors.New("url is required")
	}
	expanded, err := expandEnvVars(r.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if !strings.Contains(expanded, "{query}") {
		return errors.New("url must contain {query}")
	}
	if err := validateHTTPURL(strings.ReplaceAll(expanded, "{query}", "q")); err != nil {
		return fmt.Errorf("url: %w", err)
	}
	r.URL = expanded
	return nil
}

func (t *TargetConfig) expandAndValidate(known map[string]struct{}) error {
	for _, id := range t.Retailers {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("unknown retailer %q", id)
		}
	}
	for j, q := range t.Queries {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("queries[%d] is empty", j)
		}
	}
	if t.Priority < 0 {
		return fmt.Errorf("priority cannot be negative, got %v", t.Priority)
	}

	if t.QueryTemplate != "" {
		expanded, err := expandEnvVars(t.QueryTemplate)
		if err != nil {
			return fmt.Errorf("query_template: %w", err)
		}
		t.QueryTemplate = expanded

		if _, err := template.New("").Parse(t.QueryTemplate); err != nil {
			return fmt.Errorf("invalid query_template: %w", err)
		}
		if len(t.Dimensions) == 0 {
			return errors.New("query_template requires at least one dimension")
		}
	} else if len(t.Dimensions) > 0 {
		return errors.New("dimensions require a query_template")
	}

	for dimName, dimValues := range t.Dimensions {
		if len(dimValues) == 0 {
			return fmt.Errorf("dimension %q has no values", dimName)
		}
		seen := make(map[string]struct{}, len(dimValues))
		for _, v := range dimValues {
			if _, exists := seen[v]; exists {
				return fmt.Errorf("dimension %q has duplicate value %q", dimName, v)
			}
			seen[v] = struct{}{}
		}
	}

	if len(t.Queries) == 0 && t.QueryTemplate == "" {
		return errors.New("queries or query_template is required")
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	for _, set := range []struct {
		name    string
		windows []string
	}{
		{"peak", s.Peak},
		{"off_peak", s.OffPeak},
		{"maintenance", s.Maintenance},
	} {
		for j, w := range set.windows {
			if !windowPattern.MatchString(w) {
				return fmt.Errorf("%s[%d]: invalid window %q (expected HH:MM-HH:MM)", set.name, j, w)
			}
		}
	}
	return nil
}

// windowPattern matches "HH:MM-HH:MM". Range checks happen when the engine
// parses the window.
var windowPattern = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" {
		return errors.New("url must have a scheme (http:// or https://)")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must have a host")
	}
	return nil
}

func knownIndicator(kind string) bool {
	switch retail.IndicatorKind(kind) {
	case retail.IndicatorAvailabilityField,
		retail.IndicatorPurchaseAffordance,
		retail.IndicatorOutOfStockMarker,
		retail.IndicatorPricePresent:
		return true
	}
	return false
}
