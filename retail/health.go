package retail

import "time"

// RetailerHealth is a read-only snapshot of one retailer's resilience
// state.
type RetailerHealth struct {
	RetailerID          string        `json:"retailer_id"`
	CircuitState        string        `json:"circuit_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	SuccessRate         float64       `json:"success_rate"`
	AvgLatency          time.Duration `json:"avg_latency_ns"`
	Samples             int           `json:"samples"`
	BackoffDelay        time.Duration `json:"backoff_delay_ns"`
	BackoffFailures     int           `json:"backoff_failures"`

	// Stealth session counters. Zero for adapters that never used a
	// session.
	Requests int    `json:"requests"`
	Blocks   int    `json:"blocks"`
	Profile  string `json:"profile,omitempty"`
}

// Health is the engine-wide health report.
type Health struct {
	// Status is "ok" when every retailer's circuit is closed, "degraded"
	// otherwise.
	Status    string           `json:"status"`
	StartedAt time.Time        `json:"started_at,omitzero"`
	InFlight  int64            `json:"in_flight"`
	Targets   int              `json:"targets"`
	Watches   int              `json:"watches"`
	CacheSize int              `json:"cache_entries"`
	Retailers []RetailerHealth `json:"retailers"`
}

// ScanRequest asks for an immediate scan of one query.
type ScanRequest struct {
	Query string `json:"query"`

	// Retailers restricts the scan; empty scans every configured retailer.
	Retailers []string `json:"retailers,omitempty"`

	// PriorityHint becomes the base priority of the matching scheduled
	// targets. Zero keeps the existing priority.
	PriorityHint float64 `json:"priority_hint,omitempty"`
}

// WatchRegistration subscribes to signals of one SKU or query at one
// retailer. At least one of Callback and WebhookURL must be set.
type WatchRegistration struct {
	SKU        string       `json:"sku"`
	Retailer   string       `json:"retailer"`
	Callback   func(Signal) `json:"-"`
	WebhookURL string       `json:"webhook_url,omitempty"`
}
