package shift

import (
	"github.com/rs/zerolog"
	"github.com/wolfeidau/shiftrunner/internal/clock"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/telemetry"
)

// HistoryObserver is notified after a closed session has been appended to history.
// It is called from the controller's event loop and must not block.
type HistoryObserver interface {
	HistoryAppended(closed models.ClosedSession)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithConfig sets timing and retry configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

// WithLogger sets the base logger; worker fields are added to it.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = logger
	}
}

// WithHistoryObserver registers an observer for appended history records.
func WithHistoryObserver(observer HistoryObserver) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, observer)
	}
}

// WithMetrics replaces the global metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		c.newID = fn
	}
}
