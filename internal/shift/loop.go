package shift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type event any

type cmdKind int

const (
	cmdClockIn cmdKind = iota
	cmdClockOut
	cmdCancel
)

type commandEvent struct {
	kind  cmdKind
	opts  ClockInOptions
	reply chan error
}

// Events from subscriptions carry the generation they were started in; the
// loop drops any whose generation has been superseded.
type tickEvent struct {
	gen uint64
	at  time.Time
}

type sampleEvent struct {
	gen    uint64
	sample models.LocationSample
}

type remoteEvent struct {
	gen    uint64
	active *models.ActiveSession
}

type authEvent struct {
	auth location.Authorization
}

type opDoneEvent struct {
	op *operation
}

// subscription groups the forwarder goroutines of one generation.
type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// stop cancels the forwarders and waits for them to exit.
func (s *subscription) stop() {
	s.cancel()
	s.wg.Wait()
}

func (c *Controller) run(existing *models.ActiveSession) {
	defer close(c.doneCh)

	if existing != nil {
		c.adopt(existing)
	}
	c.publish()

	for {
		select {
		case <-c.stopCh:
			c.shutdown()
			c.publish()
			return
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

// post delivers ev to the loop unless ctx is done or the controller stopped.
func (c *Controller) post(ctx context.Context, ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case commandEvent:
		ev.reply <- c.handleCommand(ev)
	case tickEvent:
		c.handleTick(ev)
	case sampleEvent:
		c.handleSample(ev)
	case remoteEvent:
		c.handleRemote(ev)
	case authEvent:
		c.handleAuthorization(ev.auth)
	case opDoneEvent:
		c.handleOpDone(ev.op)
	}
}

func (c *Controller) handleCommand(cmd commandEvent) error {
	switch cmd.kind {
	case cmdClockIn:
		return c.clockIn(cmd.opts)
	case cmdClockOut:
		return c.clockOut()
	case cmdCancel:
		return c.cancel()
	}
	return fmt.Errorf("%w: unknown command %d", ErrInvariantViolation, cmd.kind)
}

func (c *Controller) clockIn(opts ClockInOptions) error {
	switch st := c.state.(type) {
	case ClosedIdle:
	case Failed:
		if c.pending != nil {
			return fmt.Errorf("%w: session %s has a pending close, clock out first", ErrInvariantViolation, st.PendingClose)
		}
	default:
		return fmt.Errorf("%w: clock in while %s", ErrInvariantViolation, c.state.Name())
	}

	c.routeID = opts.RouteID
	c.latest = nil
	c.elapsed = 0
	c.lastTick = time.Time{}
	c.auth = c.provider.Authorization()

	c.log.Info().Str("authorization", c.auth.String()).Str("route_id", opts.RouteID).Msg("Clocking in")

	switch {
	case c.auth == location.AuthorizationDenied:
		c.failClockIn(ReasonPermissionDenied, fmt.Errorf("%w: location access denied", ErrPermissionDenied), false)
	case c.auth.Granted():
		c.beginSampling()
	default:
		c.state = Opening{Stage: StageAwaitingAuthorization}
		c.provider.RequestAuthorization(c.requestLevel())
	}

	return nil
}

func (c *Controller) clockOut() error {
	switch c.state.(type) {
	case Open:
		c.beginClose(models.CloseReasonClockOut, true)
		return nil
	case Failed:
		if c.pending != nil {
			c.log.Info().Str("session_id", c.pending.record.SessionID).Msg("Resuming pending close")
			c.state = Closing{SessionID: c.pending.record.SessionID, OpenedAt: c.pending.record.OpenedAt}
			c.beginCloseOp()
			return nil
		}
	}
	return fmt.Errorf("%w: clock out while %s", ErrInvariantViolation, c.state.Name())
}

func (c *Controller) cancel() error {
	if _, ok := c.state.(Opening); !ok {
		return fmt.Errorf("%w: cancel while %s", ErrInvariantViolation, c.state.Name())
	}
	c.abortOpening()
	c.state = ClosedIdle{}
	c.log.Info().Msg("Clock in cancelled")
	return nil
}

func (c *Controller) requestLevel() location.Level {
	if c.cfg.RequestAlways {
		return location.LevelAlways
	}
	return location.LevelWhenInUse
}

// beginSampling switches the provider on and waits for the first sample.
func (c *Controller) beginSampling() {
	if err := c.startProvider(); err != nil {
		c.stopSession()
		if errors.Is(err, location.ErrNotAuthorized) {
			c.failClockIn(ReasonPermissionDenied, fmt.Errorf("%w: %w", ErrPermissionDenied, err), false)
			return
		}
		c.failClockIn(ReasonLocationUnavailable, fmt.Errorf("%w: %w", ErrLocationUnavailable, err), true)
		return
	}
	c.subscribeSamples()
	c.state = Opening{Stage: StageAwaitingSample}
}

func (c *Controller) startProvider() error {
	if c.sampling {
		return nil
	}
	if err := c.provider.Start(); err != nil {
		return err
	}
	c.sampling = true
	return nil
}

func (c *Controller) stopProvider() {
	if !c.sampling {
		return
	}
	c.sampling = false
	if err := c.provider.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to stop location provider")
	}
}

func (c *Controller) subscribeSamples() {
	ctx, cancel := context.WithCancel(c.runCtx)
	sub := &subscription{cancel: cancel}
	gen := c.gen
	ch := c.provider.Samples(ctx)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-ch:
				if !ok {
					return
				}
				if !c.post(ctx, sampleEvent{gen: gen, sample: sample}) {
					return
				}
			}
		}
	}()

	c.samples = sub
}

// subscribeFeeds starts the tick subscription and the remote change feed.
func (c *Controller) subscribeFeeds() {
	ctx, cancel := context.WithCancel(c.runCtx)
	sub := &subscription{cancel: cancel}
	gen := c.gen
	ticker := c.clock.NewTicker(c.cfg.TickInterval)

	sub.wg.Add(2)
	go func() {
		defer sub.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C():
				if !c.post(ctx, tickEvent{gen: gen, at: at}) {
					return
				}
			}
		}
	}()
	go func() {
		defer sub.wg.Done()
		c.forwardRemote(ctx, gen)
	}()

	c.feeds = sub
}

// forwardRemote follows the store's change feed, resubscribing with backoff
// when the feed ends before ctx is done.
func (c *Controller) forwardRemote(ctx context.Context, gen uint64) {
	b := c.cfg.newBackOff()
	for {
		ch, err := c.store.SubscribeActive(ctx, c.workerID)
		if err == nil {
			b.Reset()
			for active := range ch {
				if !c.post(ctx, remoteEvent{gen: gen, active: active}) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("Active session feed ended, resubscribing")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Controller) forwardAuthorization(ch <-chan location.Authorization) {
	for auth := range ch {
		if !c.post(c.runCtx, authEvent{auth: auth}) {
			return
		}
	}
}

// stopSession stops every subscription and the provider, then moves to a new
// generation so events already queued from them are ignored.
func (c *Controller) stopSession() {
	if c.feeds != nil {
		c.feeds.stop()
		c.feeds = nil
	}
	if c.samples != nil {
		c.samples.stop()
		c.samples = nil
	}
	c.stopProvider()
	c.gen++
}

// cancelPush cancels an in-flight push and waits for it to settle.
func (c *Controller) cancelPush() {
	if c.push == nil {
		return
	}
	c.push.cancel()
	<-c.push.done
	c.push = nil
}

func (c *Controller) handleSample(ev sampleEvent) {
	if ev.gen != c.gen || c.samples == nil {
		return
	}
	if c.latest != nil && ev.sample.Timestamp.Before(c.latest.Timestamp) {
		return
	}

	sample := ev.sample
	c.latest = &sample

	switch st := c.state.(type) {
	case Opening:
		if st.Stage == StageAwaitingSample {
			c.beginWrite()
		}
	case Open:
		st.LastSample = &sample
		c.state = st
		c.metrics.SamplesReceivedTotal.Add(c.runCtx, 1)
	}
}

func (c *Controller) handleTick(ev tickEvent) {
	if ev.gen != c.gen {
		return
	}
	st, ok := c.state.(Open)
	if !ok {
		return
	}

	c.lastTick = ev.at
	c.elapsed = ev.at.Sub(st.OpenedAt)

	if c.latest == nil || !c.latest.Timestamp.After(c.pushedSampleAt) {
		return
	}
	if c.push != nil {
		c.metrics.PushesSkippedTotal.Add(c.runCtx, 1)
		c.log.Debug().Str("session_id", st.SessionID).Msg("Push still in flight, skipping tick")
		return
	}
	c.beginPush(ev.at)
}

func (c *Controller) handleRemote(ev remoteEvent) {
	if ev.gen != c.gen {
		return
	}
	st, ok := c.state.(Open)
	if !ok {
		return
	}

	switch {
	case ev.active == nil:
		c.terminateExternally(st, "Active session removed remotely, closing")
	case ev.active.SessionID != st.SessionID:
		// another session owns the record, so ours is gone
		c.log.Warn().Str("remote_session_id", ev.active.SessionID).Msg("Active session replaced remotely")
		c.terminateExternally(st, "Active session replaced remotely, closing")
	}
}

// terminateExternally closes a session whose record another actor removed.
// The record is never written again.
func (c *Controller) terminateExternally(st Open, msg string) {
	c.log.Warn().Str("session_id", st.SessionID).Msg(msg)
	c.metrics.ExternalTerminationsTotal.Add(c.runCtx, 1)
	c.beginClose(models.CloseReasonExternal, false)
}

func (c *Controller) handleAuthorization(auth location.Authorization) {
	c.auth = auth

	switch st := c.state.(type) {
	case Opening:
		switch {
		case st.Stage == StageAwaitingAuthorization && auth.Granted():
			c.log.Info().Str("authorization", auth.String()).Msg("Location access granted")
			c.beginSampling()
		case auth == location.AuthorizationDenied:
			c.abortOpening()
			c.failClockIn(ReasonPermissionDenied, fmt.Errorf("%w: location access denied", ErrPermissionDenied), false)
		case st.Stage != StageAwaitingAuthorization && !auth.Granted():
			c.abortOpening()
			c.failClockIn(ReasonPermissionDenied, fmt.Errorf("%w: location access withdrawn", ErrPermissionDenied), false)
		}
	case Open:
		switch {
		case auth.Granted() && !c.sampling:
			if err := c.startProvider(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to start location provider")
				return
			}
			c.subscribeSamples()
		case auth == location.AuthorizationDenied:
			c.log.Warn().Str("session_id", st.SessionID).Msg("Location access revoked, closing session")
			c.beginClose(models.CloseReasonPermissionRevoked, true)
		}
	}
}

// adopt takes over a record found during reconciliation.
func (c *Controller) adopt(active *models.ActiveSession) {
	c.open(active, true)

	switch {
	case c.auth.Granted():
		if err := c.startProvider(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to start location provider for adopted session")
			return
		}
		c.subscribeSamples()
	case c.auth == location.AuthorizationDenied:
		c.log.Warn().Str("session_id", active.SessionID).Msg("Location access denied for adopted session, closing")
		c.beginClose(models.CloseReasonPermissionRevoked, true)
	default:
		c.provider.RequestAuthorization(c.requestLevel())
	}
}

// open enters Open with active as the current record.
func (c *Controller) open(active *models.ActiveSession, adopted bool) {
	c.active = active.Clone()
	c.pushedSampleAt = active.CurrentLocation.Timestamp
	c.elapsed = c.clock.Now().Sub(active.OpenedAt)

	st := Open{
		SessionID: active.SessionID,
		OpenedAt:  active.OpenedAt,
	}
	if c.latest != nil {
		sample := *c.latest
		st.LastSample = &sample
	}
	if !adopted {
		st.LastPushedAt = active.LastUpdated
	}
	c.state = st

	c.subscribeFeeds()

	c.metrics.ClockInsTotal.Add(c.runCtx, 1, metric.WithAttributes(attribute.Bool("adopted", adopted)))
	c.metrics.OpenSessions.Add(c.runCtx, 1)

	c.log.Info().
		Str("session_id", active.SessionID).
		Time("opened_at", active.OpenedAt).
		Bool("adopted", adopted).
		Msg("Session open")
}

// abortOpening undoes a clock-in in progress. A write that may have landed is
// compensated by deleting the record it created.
func (c *Controller) abortOpening() {
	c.stopSession()
	c.latest = nil

	op := c.op
	if op == nil {
		return
	}
	c.op = nil
	op.cancel()
	<-op.done

	if op.attempted && !op.adopted {
		c.compensate(op.record.SessionID)
	}
}

func (c *Controller) failClockIn(reason FailureReason, err error, retryable bool) {
	c.metrics.ClockInFailuresTotal.Add(c.runCtx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	c.fail(reason, err, retryable)
}

func (c *Controller) fail(reason FailureReason, err error, retryable bool) {
	st := Failed{Reason: reason, Err: err, Retryable: retryable}
	if c.pending != nil {
		st.PendingClose = c.pending.record.SessionID
	}
	c.state = st

	c.log.Error().
		Err(err).
		Str("reason", string(reason)).
		Bool("retryable", retryable).
		Msg("Session failed")
}

func (c *Controller) handleOpDone(op *operation) {
	switch {
	case op == c.push:
		c.push = nil
		c.finishPush(op)
	case op == c.op && op.kind == opWrite:
		c.op = nil
		c.finishWrite(op)
	case op == c.op && op.kind == opClose:
		c.op = nil
		c.finishClose(op)
	}
}

func (c *Controller) finishWrite(op *operation) {
	if op.err != nil {
		c.stopSession()
		c.latest = nil
		if op.attempted {
			c.compensate(op.record.SessionID)
		}

		switch {
		case errors.Is(op.err, ErrPermissionDenied):
			c.failClockIn(ReasonPermissionDenied, op.err, false)
		case errors.Is(op.err, ErrRemoteReadFailed):
			c.failClockIn(ReasonRemoteReadFailed, op.err, true)
		default:
			c.failClockIn(ReasonRemoteWriteFailed, op.err, true)
		}
		return
	}

	c.open(op.active, op.adopted)
}

func (c *Controller) finishPush(op *operation) {
	st, ok := c.state.(Open)
	if !ok {
		return
	}

	if errors.Is(op.err, store.ErrActiveNotFound) || errors.Is(op.err, store.ErrSessionMismatch) {
		c.terminateExternally(st, "Active session gone when pushing, closing")
		return
	}

	if op.err != nil {
		st.ConsecutivePushFailures++
		c.state = st
		c.metrics.PushErrorsTotal.Add(c.runCtx, 1)
		c.log.Warn().
			Err(op.err).
			Str("session_id", st.SessionID).
			Int("consecutive_failures", st.ConsecutivePushFailures).
			Msg("Location push failed, retrying on next tick")
		return
	}

	c.active = op.active
	c.pushedSampleAt = op.active.CurrentLocation.Timestamp
	st.LastPushedAt = op.tickAt
	st.ConsecutivePushFailures = 0
	c.state = st
	c.metrics.PushesTotal.Add(c.runCtx, 1)
}

// beginClose stops the session loops, settles any push and starts the close.
func (c *Controller) beginClose(reason models.CloseReason, deleteActive bool) {
	detectedAt := c.clock.Now()

	c.stopSession()
	c.cancelPush()

	var closeLocation *models.LocationSample
	if c.latest != nil {
		sample := *c.latest
		closeLocation = &sample
	}

	record := models.NewClosedSession(c.active, detectedAt, closeLocation, reason)
	if record.CompanyID == "" {
		record.CompanyID = c.companyID
	}
	c.pending = &pendingClose{record: record, deleteActive: deleteActive}

	c.metrics.OpenSessions.Add(c.runCtx, -1)
	c.state = Closing{SessionID: record.SessionID, OpenedAt: record.OpenedAt}

	c.log.Info().
		Str("session_id", record.SessionID).
		Str("reason", string(reason)).
		Int64("duration_seconds", record.DurationSeconds).
		Msg("Closing session")

	c.beginCloseOp()
}

func (c *Controller) finishClose(op *operation) {
	p := op.close
	if p.appended && !p.notified {
		p.notified = true
		c.metrics.SessionDuration.Record(c.runCtx, float64(p.record.DurationSeconds),
			metric.WithAttributes(attribute.String("reason", string(p.record.Reason))))
		for _, observer := range c.observers {
			observer.HistoryAppended(*p.record)
		}
	}

	if op.err != nil {
		if errors.Is(op.err, ErrPermissionDenied) {
			c.fail(ReasonPermissionDenied, op.err, false)
			return
		}
		c.fail(ReasonRemoteWriteFailed, op.err, true)
		return
	}

	c.pending = nil
	c.active = nil
	c.latest = nil
	c.metrics.ClockOutsTotal.Add(c.runCtx, 1, metric.WithAttributes(attribute.String("reason", string(p.record.Reason))))

	c.log.Info().
		Str("session_id", p.record.SessionID).
		Str("reason", string(p.record.Reason)).
		Msg("Session closed")

	if p.record.Reason == models.CloseReasonPermissionRevoked {
		c.fail(ReasonPermissionDenied, fmt.Errorf("%w: location access revoked", ErrPermissionDenied), false)
		return
	}
	c.state = ClosedIdle{}
}

// shutdown runs when the controller is closed.
func (c *Controller) shutdown() {
	c.stopSession()
	c.cancelPush()
	if c.op != nil {
		c.op.cancel()
		<-c.op.done
		c.op = nil
	}
	if _, ok := c.state.(Open); ok {
		c.metrics.OpenSessions.Add(c.runCtx, -1)
	}
	c.log.Info().Str("state", c.state.Name()).Msg("Controller stopped")
}
