package stockpulse

import (
	"github.com/jpalmerr/stockpulse/internal/breaker"
	"github.com/jpalmerr/stockpulse/retail"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// Health returns a snapshot of the engine and of every retailer's
// resilience state. Status is "degraded" while any circuit is not closed.
func (e *Engine) Health() retail.Health {
	snaps := make(map[string]breaker.Snapshot)
	for _, s := range e.breakers.Snapshots() {
		snaps[s.Retailer] = s
	}
	sessions := make(map[string]int)
	stats := e.stealth.Stats()
	for i, s := range stats {
		sessions[s.Retailer] = i
	}

	h := retail.Health{
		Status:    healthOK,
		InFlight:  e.orch.InFlight(),
		Watches:   e.Watches(),
		CacheSize: e.cache.Len(),
		Retailers: make([]retail.RetailerHealth, 0, len(e.retailers)),
	}
	e.startMu.Lock()
	h.StartedAt = e.startedAt
	e.startMu.Unlock()

	for _, t := range e.scheduler.Targets() {
		if t.Active {
			h.Targets++
		}
	}

	for _, id := range e.retailers {
		rh := retail.RetailerHealth{
			RetailerID:      id,
			CircuitState:    breaker.Closed.String(),
			SuccessRate:     1,
			BackoffDelay:    e.backoff.Current(id),
			BackoffFailures: e.backoff.Failures(id),
		}
		if s, ok := snaps[id]; ok {
			rh.CircuitState = s.State.String()
			rh.ConsecutiveFailures = s.ConsecutiveFailures
			rh.OpenedAt = s.OpenedAt
			rh.SuccessRate = s.SuccessRate
			rh.AvgLatency = s.AvgLatency
			rh.Samples = s.Samples
			if s.State != breaker.Closed {
				h.Status = healthDegraded
			}
		}
		if i, ok := sessions[id]; ok {
			rh.Requests = stats[i].Requests
			rh.Blocks = stats[i].Blocks
			rh.Profile = stats[i].Profile
		}
		h.Retailers = append(h.Retailers, rh)
	}
	return h
}
