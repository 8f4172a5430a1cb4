package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/shiftrunner/internal/clock"
	"github.com/wolfeidau/shiftrunner/internal/history"
	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/logger"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/shift"
	"github.com/wolfeidau/shiftrunner/internal/telemetry"
)

type SimulateCmd struct {
	ConfigFlags `embed:""`

	Route    string        `help:"route id recorded on the session" default:""`
	Duration time.Duration `help:"how long the shift stays open before clocking out" default:"2m"`
	Deny     bool          `help:"answer the location permission prompt with deny" default:"false"`
	Tracing  bool          `help:"enable tracing" default:"false" env:"SHIFT_TRACING"`
}

func (c *SimulateCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := c.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Str("worker_id", cfg.Worker.ID).Msg("Starting simulated shift")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "shiftctl", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	provider := location.NewSimulated(cfg.Location, location.AuthorizationNotDetermined)
	if c.Deny {
		provider.SetRequestResponse(location.AuthorizationDenied)
	} else {
		provider.SetRequestResponse(location.AuthorizationWhenInUse)
	}

	start := cfg.Route.Waypoints[0]
	provider.Seed(models.LocationSample{Lat: start.Lat, Lng: start.Lng, Timestamp: time.Now()})

	agg := history.NewAggregator(st, history.WithLocation(cfg.Zone()), history.WithLogger(log))

	ctrl, err := shift.New(cfg.Worker.ID, cfg.Worker.CompanyID, st, provider,
		shift.WithConfig(cfg.Tracker),
		shift.WithLogger(log),
		shift.WithHistoryObserver(agg),
	)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close controller")
		}
	}()
	agg.Track(cfg.Worker.ID, ctrl)

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	go logTransitions(ctx, ctrl, log)

	if !ctrl.Snapshot().IsOpen() {
		if err := ctrl.ClockIn(ctx, shift.ClockInOptions{RouteID: c.Route}); err != nil {
			return fmt.Errorf("failed to clock in: %w", err)
		}
	}

	snap, err := ctrl.WaitFor(ctx, settled)
	if err != nil {
		return fmt.Errorf("waiting for clock in: %w", err)
	}
	if failed, ok := snap.State.(shift.Failed); ok {
		return fmt.Errorf("clock in failed (%s): %w", failed.Reason, failed.Err)
	}

	walker, err := location.NewRouteWalker(provider, clock.Real{}, cfg.Route.Waypoints, cfg.Route.SpeedMetersPerSecond, cfg.Route.SampleInterval)
	if err != nil {
		return fmt.Errorf("invalid route: %w", err)
	}
	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()
	go func() {
		if err := walker.Run(walkCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Route walk stopped")
		}
	}()

	// the session may also be closed by another actor while we wait
	endedCh := make(chan struct{})
	go func() {
		defer close(endedCh)
		_, _ = ctrl.WaitFor(walkCtx, func(s shift.Snapshot) bool { return !s.IsOpen() })
	}()

	timer := time.NewTimer(c.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		log.Info().Dur("duration", c.Duration).Msg("Shift duration reached")
	case <-ctx.Done():
		log.Info().Msg("Interrupted")
	case <-endedCh:
	}
	cancelWalk()

	// clocking out must finish even after an interrupt
	outCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if ctrl.Snapshot().IsOpen() {
		if err := ctrl.ClockOut(outCtx); err != nil {
			return fmt.Errorf("failed to clock out: %w", err)
		}
	}

	snap, err = ctrl.WaitFor(outCtx, func(s shift.Snapshot) bool { return settled(s) && !s.IsOpen() })
	if err != nil {
		return fmt.Errorf("waiting for clock out: %w", err)
	}
	if failed, ok := snap.State.(shift.Failed); ok && failed.Reason != shift.ReasonPermissionDenied {
		return fmt.Errorf("clock out failed (%s): %w", failed.Reason, failed.Err)
	}

	total, err := agg.TotalToday(outCtx, cfg.Worker.ID)
	if err != nil {
		return fmt.Errorf("failed to compute today's total: %w", err)
	}
	fmt.Printf("Worked today: %s\n", total.Round(time.Second))

	return nil
}

// settled reports whether the controller has left every transient state.
func settled(s shift.Snapshot) bool {
	switch s.State.(type) {
	case shift.Open, shift.ClosedIdle, shift.Failed:
		return true
	}
	return false
}

// logTransitions logs every state change until ctx is done.
func logTransitions(ctx context.Context, ctrl *shift.Controller, log zerolog.Logger) {
	last := ""
	for snap := range ctrl.Watch(ctx) {
		name := snap.State.Name()
		if name == last {
			continue
		}
		last = name

		ev := log.Info().Str("state", name).Str("authorization", snap.Authorization.String())
		if id := snap.SessionID(); id != "" {
			ev = ev.Str("session_id", id)
		}
		if failed, ok := snap.State.(shift.Failed); ok {
			ev = ev.Str("reason", string(failed.Reason)).Bool("retryable", failed.Retryable).AnErr("cause", failed.Err)
		}
		ev.Msg("Shift state changed")
	}
}
