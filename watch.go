package stockpulse

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jpalmerr/stockpulse/internal/sink"
	"github.com/jpalmerr/stockpulse/retail"
)

// watch is one registration made through [Engine.Watch].
type watch struct {
	key     string
	created bool // the target did not exist before the watch
	sinkIDs []string
}

// Watch subscribes to the signals of one SKU (or query) at one retailer
// and boosts the matching target in the scan schedule. The target is
// created if it does not exist yet.
//
// Matching signals are product signals of the retailer whose query or
// product id equals reg.SKU, plus the retailer's blocked and unblocked
// signals. They are delivered to reg.Callback and/or posted to
// reg.WebhookURL.
//
// Returns the watch id, or an error wrapping [retail.ErrInvalidRequest].
func (e *Engine) Watch(reg retail.WatchRegistration) (string, error) {
	sku := strings.TrimSpace(reg.SKU)
	if sku == "" {
		return "", fmt.Errorf("watch: empty sku: %w", retail.ErrInvalidRequest)
	}
	if _, ok := e.adapters[reg.Retailer]; !ok {
		return "", fmt.Errorf("watch: unknown retailer %q: %w", reg.Retailer, retail.ErrInvalidRequest)
	}
	if reg.Callback == nil && reg.WebhookURL == "" {
		return "", fmt.Errorf("watch: callback or webhook url required: %w", retail.ErrInvalidRequest)
	}
	if reg.WebhookURL != "" {
		if err := validateWebhook(reg.WebhookURL); err != nil {
			return "", fmt.Errorf("watch: %w: %w", err, retail.ErrInvalidRequest)
		}
	}

	id := uuid.NewString()
	match := watchMatch(reg.Retailer, sku)
	w := watch{key: retail.TargetKey(reg.Retailer, sku)}

	if reg.Callback != nil {
		sid := "watch-" + id + "-callback"
		e.sinks.Add(sid, sink.Filtered(sink.NewCallback(sid, reg.Callback, e.logger), match))
		w.sinkIDs = append(w.sinkIDs, sid)
	}
	if reg.WebhookURL != "" {
		sid := "watch-" + id + "-webhook"
		e.sinks.Add(sid, sink.Filtered(sink.NewWebhook(reg.WebhookURL), match))
		w.sinkIDs = append(w.sinkIDs, sid)
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	t, known := e.scheduler.Target(w.key)
	if !known || !t.Active {
		w.created = !e.watchedLocked(w.key)
	}
	if !known {
		t = retail.ScanTarget{RetailerID: reg.Retailer, Query: sku}
	}
	t.Watch = true
	e.scheduler.Register(t)
	e.watches[id] = w

	e.logger.Info("watch registered", "watch_id", id, "retailer", reg.Retailer, "query", sku)
	return id, nil
}

// Unwatch removes a watch. The target stops being boosted once no other
// watch covers it, and is deactivated if the watch created it. Returns
// false for unknown ids.
func (e *Engine) Unwatch(id string) bool {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	w, ok := e.watches[id]
	if !ok {
		return false
	}
	delete(e.watches, id)
	for _, sid := range w.sinkIDs {
		e.sinks.Remove(sid)
	}

	if e.watchedLocked(w.key) {
		if w.created {
			// hand ownership to a remaining watch
			for oid, other := range e.watches {
				if other.key == w.key {
					other.created = true
					e.watches[oid] = other
					break
				}
			}
		}
		return true
	}

	if w.created {
		e.scheduler.Deactivate(w.key)
	} else if t, ok := e.scheduler.Target(w.key); ok {
		t.Watch = false
		e.scheduler.Register(t)
	}
	e.logger.Info("watch removed", "watch_id", id, "target", w.key)
	return true
}

// Watches returns the number of registered watches.
func (e *Engine) Watches() int {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	return len(e.watches)
}

// watchedLocked must be called with watchMu held.
func (e *Engine) watchedLocked(key string) bool {
	for _, w := range e.watches {
		if w.key == key {
			return true
		}
	}
	return false
}

func watchMatch(retailer, sku string) sink.Match {
	return func(s retail.Signal) bool {
		if s.RetailerID != retailer {
			return false
		}
		if !s.IsProductSignal() {
			return true
		}
		if s.Query == sku {
			return true
		}
		return s.Product != nil && s.Product.Representative.ExternalID == sku
	}
}
