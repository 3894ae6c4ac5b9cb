package store

import (
	"sync"

	"github.com/jpalmerr/stockpulse/retail"
)

const subscriberBuffer = 100

// hub is the publish-subscribe mechanism shared by store implementations.
//
// Subscribers receive signals via buffered channels. Sends are non-blocking;
// if a subscriber's buffer is full, the signal is dropped for that
// subscriber to prevent blocking the scan path.
type hub struct {
	mu          sync.RWMutex
	subscribers map[chan retail.Signal]struct{}
}

func newHub() *hub {
	return &hub{subscribers: make(map[chan retail.Signal]struct{})}
}

func (h *hub) subscribe() <-chan retail.Signal {
	ch := make(chan retail.Signal, subscriberBuffer)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *hub) unsubscribe(ch <-chan retail.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// find and delete the channel (need to convert to the right type)
	for subCh := range h.subscribers {
		if subCh == ch {
			delete(h.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (h *hub) publish(signals []retail.Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range signals {
		for ch := range h.subscribers {
			select {
			case ch <- s:
			default:
				// subscriber is slow, drop the signal
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}
