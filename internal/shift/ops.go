package shift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wolfeidau/shiftrunner/internal/geo"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
	"github.com/wolfeidau/shiftrunner/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type opKind int

const (
	opWrite opKind = iota
	opPush
	opClose
)

// operation is a remote call running off the event loop. Result fields are
// written by the operation goroutine and may only be read by the loop after
// done is closed.
type operation struct {
	kind   opKind
	cancel context.CancelFunc
	done   chan struct{}

	// inputs
	record *models.ActiveSession // write: record to create; push: record to upsert
	tickAt time.Time
	close  *pendingClose

	// results
	active    *models.ActiveSession
	adopted   bool
	attempted bool
	err       error
}

// pendingClose is a session whose close has not completed. It survives a
// failed close so ClockOut can resume it without repeating the append.
type pendingClose struct {
	record       *models.ClosedSession
	deleteActive bool

	appended bool // written by the close operation
	notified bool
}

// launch runs fn on its own goroutine and reports completion to the loop.
func (c *Controller) launch(op *operation, fn func(ctx context.Context, op *operation)) *operation {
	ctx, cancel := context.WithCancel(c.runCtx)
	op.cancel = cancel
	op.done = make(chan struct{})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		fn(ctx, op)
		close(op.done)
		c.post(c.runCtx, opDoneEvent{op: op})
	}()

	return op
}

// beginWrite creates the active record from the freshest sample, or adopts
// one that already exists.
func (c *Controller) beginWrite() {
	now := c.clock.Now()
	sample := *c.latest
	openLocation := sample

	record := &models.ActiveSession{
		SessionID:       c.newID(),
		WorkerID:        c.workerID,
		CompanyID:       c.companyID,
		RouteID:         c.routeID,
		OpenedAt:        now,
		OpenLocation:    &openLocation,
		CurrentLocation: sample,
		LastUpdated:     now,
	}

	compensating := c.compensating
	c.state = Opening{Stage: StageWriting}
	c.op = c.launch(&operation{kind: opWrite, record: record}, func(ctx context.Context, op *operation) {
		c.runWrite(ctx, op, compensating)
	})
}

func (c *Controller) runWrite(ctx context.Context, op *operation, compensating <-chan struct{}) {
	ctx, span := telemetry.Tracer().Start(ctx, "shift.clock_in", trace.WithAttributes(
		attribute.String("worker_id", c.workerID),
		attribute.String("session_id", op.record.SessionID),
	))
	defer span.End()

	// a previous aborted clock-in may still be deleting its record
	if compensating != nil {
		select {
		case <-compensating:
		case <-ctx.Done():
			op.err = ctx.Err()
			return
		}
	}

	existing, err := c.readActive(ctx)
	if err != nil {
		op.err = err
		recordSpanError(span, err)
		return
	}
	if existing != nil {
		op.active = existing
		op.adopted = true
		span.SetAttributes(attribute.Bool("adopted", true))
		return
	}

	op.attempted = true
	_, err = retry(ctx, c, "upsert_active", c.cfg.WriteMaxAttempts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.UpsertActive(ctx, op.record)
	})
	if errors.Is(err, store.ErrSessionMismatch) {
		// another device opened a session after the read; the store kept theirs
		op.attempted = false
		existing, err = c.readActive(ctx)
		if err == nil && existing != nil {
			op.active = existing
			op.adopted = true
			span.SetAttributes(attribute.Bool("adopted", true))
			return
		}
		if err == nil {
			err = fmt.Errorf("%w: active session changed during clock in", store.ErrUnavailable)
		}
	}
	if err != nil {
		op.err = classify(ErrRemoteWriteFailed, err)
		recordSpanError(span, err)
		return
	}

	op.active = op.record
}

// beginPush writes the freshest sample to the session's record. The update is
// conditional on the record still holding this session, so a push that lands
// after another actor deleted the record cannot re-create it. Pushes are not
// retried; the next tick with a fresh sample tries again.
func (c *Controller) beginPush(at time.Time) {
	sample := *c.latest

	record := c.active.Clone()
	prev := record.CurrentLocation
	record.Progress.DistanceMeters += geo.DistanceMeters(prev.Lat, prev.Lng, sample.Lat, sample.Lng)
	record.Progress.Pushes++
	record.CurrentLocation = sample
	record.LastUpdated = at

	c.push = c.launch(&operation{kind: opPush, record: record, tickAt: at}, func(ctx context.Context, op *operation) {
		started := time.Now()
		op.err = c.store.UpdateActive(ctx, op.record)
		c.metrics.PushDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
		if op.err == nil {
			op.active = op.record
		}
	})
}

func (c *Controller) beginCloseOp() {
	c.op = c.launch(&operation{kind: opClose, close: c.pending}, func(ctx context.Context, op *operation) {
		op.err = c.runClose(ctx, op.close)
	})
}

// runClose appends the history record, then deletes the active record.
// An append that has already succeeded is never repeated.
func (c *Controller) runClose(ctx context.Context, p *pendingClose) error {
	ctx, span := telemetry.Tracer().Start(ctx, "shift.close", trace.WithAttributes(
		attribute.String("worker_id", c.workerID),
		attribute.String("session_id", p.record.SessionID),
		attribute.String("reason", string(p.record.Reason)),
	))
	defer span.End()

	if !p.appended {
		_, err := retry(ctx, c, "append_history", c.cfg.CloseMaxAttempts, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.store.AppendHistory(ctx, p.record)
		})
		if err != nil {
			recordSpanError(span, err)
			return classify(ErrRemoteWriteFailed, err)
		}
		p.appended = true
	}

	// an externally removed record must not be touched again
	if !p.deleteActive {
		return nil
	}

	if err := c.deleteActive(ctx, p.record.SessionID); err != nil {
		recordSpanError(span, err)
		return classify(ErrRemoteWriteFailed, err)
	}
	return nil
}

// deleteActive removes this worker's record for sessionID. A record that is
// already gone or has been replaced by another session counts as deleted.
func (c *Controller) deleteActive(ctx context.Context, sessionID string) error {
	_, err := retry(ctx, c, "delete_active", c.cfg.CloseMaxAttempts, func(ctx context.Context) (struct{}, error) {
		err := c.store.DeleteActive(ctx, c.workerID, sessionID)
		if errors.Is(err, store.ErrActiveNotFound) || errors.Is(err, store.ErrSessionMismatch) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

// compensate deletes a record written by an aborted clock-in. The next
// clock-in waits for it so it cannot adopt the record being removed.
func (c *Controller) compensate(sessionID string) {
	done := make(chan struct{})
	c.compensating = done

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)

		if err := c.deleteActive(c.runCtx, sessionID); err != nil {
			c.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to remove record of aborted clock in")
			return
		}
		c.log.Info().Str("session_id", sessionID).Msg("Removed record of aborted clock in")
	}()
}

// retry calls fn with bounded exponential backoff. Errors the store marks
// as fatal stop the retries immediately.
func retry[T any](ctx context.Context, c *Controller, op string, attempts int, fn func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !store.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(c.cfg.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.WriteRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			c.log.Warn().Err(err).Str("op", op).Dur("retry_in", next).Msg("Session store call failed, retrying")
		}),
	)
}

// classify wraps a store error in the controller taxonomy.
func classify(kind, err error) error {
	if errors.Is(err, store.ErrPermissionDenied) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
