package telemetry

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/shiftrunner"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session lifecycle metrics
	ClockInsTotal             metric.Int64Counter
	ClockInFailuresTotal      metric.Int64Counter
	ClockOutsTotal            metric.Int64Counter
	ExternalTerminationsTotal metric.Int64Counter
	OpenSessions              metric.Int64UpDownCounter
	SessionDuration           metric.Float64Histogram

	// Push loop metrics
	PushesTotal        metric.Int64Counter
	PushErrorsTotal    metric.Int64Counter
	PushesSkippedTotal metric.Int64Counter
	PushDuration       metric.Float64Histogram

	// Remote store retry metrics
	WriteRetriesTotal metric.Int64Counter

	// Location metrics
	SamplesReceivedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		var err error
		metrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// instrument creation only fails on invalid names
			panic(err)
		}
	})
	return metrics
}

// NewMetrics creates all metric instruments from provider. Tests use it with a
// manual reader; everything else goes through GetMetrics.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
	}
	histogram := func(dst *metric.Float64Histogram, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
	}

	// Session lifecycle metrics
	counter(&m.ClockInsTotal, "shiftrunner.sessions.clock_ins.total",
		"Total number of sessions opened or adopted", "{session}")
	counter(&m.ClockInFailuresTotal, "shiftrunner.sessions.clock_in_failures.total",
		"Total number of clock-ins that ended in a failed state", "{session}")
	counter(&m.ClockOutsTotal, "shiftrunner.sessions.clock_outs.total",
		"Total number of sessions closed and recorded in history", "{session}")
	counter(&m.ExternalTerminationsTotal, "shiftrunner.sessions.external_terminations.total",
		"Total number of sessions closed because the active record was removed remotely", "{session}")
	histogram(&m.SessionDuration, "shiftrunner.sessions.duration",
		"Duration of closed sessions", "s")

	if err == nil {
		m.OpenSessions, err = meter.Int64UpDownCounter(
			"shiftrunner.sessions.open",
			metric.WithDescription("Number of sessions currently open in this process"),
			metric.WithUnit("{session}"),
		)
	}

	// Push loop metrics
	counter(&m.PushesTotal, "shiftrunner.pushes.total",
		"Total number of successful location pushes", "{push}")
	counter(&m.PushErrorsTotal, "shiftrunner.pushes.errors.total",
		"Total number of failed location pushes", "{error}")
	counter(&m.PushesSkippedTotal, "shiftrunner.pushes.skipped.total",
		"Total number of ticks skipped because a push was still in flight", "{tick}")
	histogram(&m.PushDuration, "shiftrunner.pushes.duration",
		"Duration of location push writes", "ms")

	// Remote store retry metrics
	counter(&m.WriteRetriesTotal, "shiftrunner.store.write_retries.total",
		"Total number of retried session store writes", "{retry}")

	// Location metrics
	counter(&m.SamplesReceivedTotal, "shiftrunner.location.samples.total",
		"Total number of location samples received while a session is open", "{sample}")

	if err != nil {
		return nil, err
	}
	return m, nil
}
