package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jpalmerr/stockpulse/retail"
)

// Sink delivers batches of signals to one destination.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Send delivers signals. Implementations must be safe for concurrent use.
	Send(ctx context.Context, signals []retail.Signal) error
}

// Match selects the signals a sink receives.
type Match func(retail.Signal) bool

// Filtered wraps s so it only receives signals accepted by match. Batches
// left empty by the filter are not sent.
func Filtered(s Sink, match Match) Sink {
	return &filtered{Sink: s, match: match}
}

type filtered struct {
	Sink
	match Match
}

func (f *filtered) Send(ctx context.Context, signals []retail.Signal) error {
	var keep []retail.Signal
	for _, s := range signals {
		if f.match(s) {
			keep = append(keep, s)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	return f.Sink.Send(ctx, keep)
}

// Dispatcher owns the registered sinks and fans signals out to them.
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewDispatcher creates an empty [Dispatcher].
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, sinks: make(map[string]Sink)}
}

// Add registers s under id, replacing any sink with the same id.
func (d *Dispatcher) Add(id string, s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[id] = s
}

// Remove unregisters the sink with the given id. Reports whether it existed.
func (d *Dispatcher) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sinks[id]
	delete(d.sinks, id)
	return ok
}

// IDs returns the ids of the registered sinks, sorted.
func (d *Dispatcher) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.sinks))
	for id := range d.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch sends signals to every sink concurrently and waits for all of
// them. Failures are logged and returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, signals []retail.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	d.mu.RLock()
	sinks := make(map[string]Sink, len(d.sinks))
	for id, s := range d.sinks {
		sinks[id] = s
	}
	d.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id, s := range sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(ctx, signals); err != nil {
				d.logger.Warn("signal delivery failed",
					"sink", s.Name(),
					"sink_id", id,
					"signals", len(signals),
					"error", err,
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
