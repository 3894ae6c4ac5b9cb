package sink

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/jpalmerr/stockpulse/retail"
)

// Callback is a [Sink] invoking a user function once per signal.
//
// Callbacks are called synchronously and should return quickly. Panics are
// recovered, logged with a correlation id and reported as errors; they
// never crash the engine.
type Callback struct {
	name   string
	fn     func(retail.Signal)
	logger *slog.Logger
}

// NewCallback creates a callback sink.
func NewCallback(name string, fn func(retail.Signal), logger *slog.Logger) *Callback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Callback{name: name, fn: fn, logger: logger}
}

// Name implements [Sink].
func (c *Callback) Name() string { return c.name }

// Send implements [Sink]. Every signal is delivered even if an earlier one
// panicked; the first panic is returned.
func (c *Callback) Send(_ context.Context, signals []retail.Signal) error {
	var first error
	for _, s := range signals {
		if err := c.invoke(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Callback) invoke(s retail.Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()

			// log full context server-side for debugging
			c.logger.Error("signal callback panic",
				"correlation_id", correlationID,
				"callback", c.name,
				"signal_type", s.Type,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("callback panic (correlation_id: %s)", correlationID)
		}
	}()
	c.fn(s)
	return nil
}
