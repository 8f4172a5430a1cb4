// Package shift owns a worker's session state machine. A Controller
// serialises clock ticks, location samples, authorization changes and the
// remote change feed through a single event loop, so every transition is
// atomic with respect to the others.
package shift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/clock"
	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/logger"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
	"github.com/wolfeidau/shiftrunner/internal/telemetry"
)

// ClockInOptions carries optional data for a new session.
type ClockInOptions struct {
	RouteID string
}

// Controller is the session state machine for one worker.
type Controller struct {
	workerID  string
	companyID string

	store     store.SessionStore
	provider  location.Provider
	clock     clock.Clock
	cfg       Config
	log       zerolog.Logger
	metrics   *telemetry.Metrics
	observers []HistoryObserver
	newID     func() string

	events chan event

	startOnce sync.Once
	started   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	// runCtx outlives individual sessions and is cancelled by Close.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	snapMu      sync.RWMutex
	snap        Snapshot
	snapPending *models.ClosedSession // copy of the pending close record, if any
	watchers    map[chan Snapshot]struct{}

	// Everything below is owned by the event loop goroutine.
	state    State
	auth     location.Authorization
	gen      uint64
	sampling bool

	samples *subscription // location samples, from Opening until the session stops
	feeds   *subscription // ticker and remote feed while Open

	op   *operation // clock-in write or close
	push *operation

	active         *models.ActiveSession // record as last written or adopted
	latest         *models.LocationSample
	pushedSampleAt time.Time
	routeID        string
	elapsed        time.Duration
	lastTick       time.Time
	pending        *pendingClose
	compensating   chan struct{} // closed when the last compensating delete finishes
}

// New creates a controller for workerID. Start must be called before ClockIn.
func New(workerID, companyID string, st store.SessionStore, provider location.Provider, opts ...Option) (*Controller, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if st == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("location provider is required")
	}

	c := &Controller{
		workerID:  workerID,
		companyID: companyID,
		store:     st,
		provider:  provider,
		clock:     clock.Real{},
		log:       log.Logger,
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
		events:   make(chan event, 64),
		started:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		watchers: make(map[chan Snapshot]struct{}),
		state:    ClosedIdle{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.cfg.ApplyDefaults()
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if c.metrics == nil {
		c.metrics = telemetry.GetMetrics()
	}

	c.log = logger.ForWorker(c.log, workerID, companyID)
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.auth = provider.Authorization()
	c.snap = Snapshot{WorkerID: workerID, State: ClosedIdle{}, Authorization: c.auth}

	return c, nil
}

// Start reconciles against the remote store and starts the event loop. An
// active record already owned by this worker is adopted as an open session.
func (c *Controller) Start(ctx context.Context) error {
	select {
	case <-c.started:
		return fmt.Errorf("%w: controller already started", ErrInvariantViolation)
	case <-c.stopCh:
		return ErrClosed
	default:
	}

	existing, err := c.readActive(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	first := false
	c.startOnce.Do(func() {
		first = true

		// authorization changes are followed for the controller's lifetime
		authCh := c.provider.AuthorizationChanges(c.runCtx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.forwardAuthorization(authCh)
		}()

		close(c.started)
		go c.run(existing)
	})
	if !first {
		return fmt.Errorf("%w: controller already started", ErrInvariantViolation)
	}

	if existing != nil {
		c.log.Info().
			Str("session_id", existing.SessionID).
			Time("opened_at", existing.OpenedAt).
			Msg("Adopted existing active session")
	} else {
		c.log.Info().Msg("Reconciled, no active session")
	}

	return nil
}

// Close stops the event loop and every subscription. An open session is left
// in the remote store and is adopted by the next Start.
func (c *Controller) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-c.started:
		<-c.doneCh
	default:
	}

	c.runCancel()
	c.wg.Wait()

	c.snapMu.Lock()
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
	}
	c.snapMu.Unlock()

	return nil
}

// ClockIn starts opening a new session. The outcome is reported through the snapshot.
func (c *Controller) ClockIn(ctx context.Context, opts ClockInOptions) error {
	return c.command(ctx, commandEvent{kind: cmdClockIn, opts: opts})
}

// ClockOut closes the open session, or resumes a close that previously failed.
// The tick and location subscriptions are stopped before it returns.
func (c *Controller) ClockOut(ctx context.Context) error {
	return c.command(ctx, commandEvent{kind: cmdClockOut})
}

// Cancel aborts a clock-in that has not reached Open.
func (c *Controller) Cancel(ctx context.Context) error {
	return c.command(ctx, commandEvent{kind: cmdCancel})
}

func (c *Controller) command(ctx context.Context, cmd commandEvent) error {
	select {
	case <-c.started:
	default:
		return fmt.Errorf("%w: controller not started", ErrInvariantViolation)
	}

	cmd.reply = make(chan error, 1)

	select {
	case c.events <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrClosed
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-c.doneCh:
		return ErrClosed
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// OpenSince returns when the current session opened, if one is open.
func (c *Controller) OpenSince() (time.Time, bool) {
	snap := c.Snapshot()
	if open, ok := snap.State.(Open); ok {
		return open.OpenedAt, true
	}
	return time.Time{}, false
}

// PendingClose returns the record of a session whose close has been decided
// but has not completed, as when Closing or Failed with a pending close.
func (c *Controller) PendingClose() (models.ClosedSession, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	if c.snapPending == nil {
		return models.ClosedSession{}, false
	}
	return *c.snapPending, true
}

// Watch returns a channel that receives the current snapshot and then every
// change. Slow readers only see the latest snapshot. The channel is closed
// when ctx is done or the controller is closed.
func (c *Controller) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	c.snapMu.Lock()
	select {
	case <-c.stopCh:
		ch <- c.snap
		c.snapMu.Unlock()
		close(ch)
		return ch
	default:
	}
	c.watchers[ch] = struct{}{}
	ch <- c.snap
	c.snapMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		}
		c.snapMu.Lock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
		c.snapMu.Unlock()
	}()

	return ch
}

// WaitFor blocks until a snapshot satisfies cond or ctx is done.
func (c *Controller) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var last Snapshot
	for snap := range c.Watch(ctx) {
		last = snap
		if cond(snap) {
			return snap, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, ErrClosed
}

// publish builds a snapshot from loop state and notifies watchers.
func (c *Controller) publish() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	c.snap = Snapshot{
		WorkerID:      c.workerID,
		State:         cloneState(c.state),
		Elapsed:       c.elapsed,
		LastTick:      c.lastTick,
		Authorization: c.auth,
		Version:       c.snap.Version + 1,
	}

	c.snapPending = nil
	if c.pending != nil {
		record := *c.pending.record
		c.snapPending = &record
	}

	for ch := range c.watchers {
		select {
		case ch <- c.snap:
			continue
		default:
		}
		// latest wins
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c.snap:
		default:
		}
	}
}

// readActive fetches the worker's active record with bounded retry.
func (c *Controller) readActive(ctx context.Context) (*models.ActiveSession, error) {
	active, err := retry(ctx, c, "get_active", c.cfg.ReadMaxAttempts, func(ctx context.Context) (*models.ActiveSession, error) {
		return c.store.GetActive(ctx, c.workerID)
	})
	if err != nil {
		if errors.Is(err, store.ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrRemoteReadFailed, err)
	}
	return active, nil
}
