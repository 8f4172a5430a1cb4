// Package redisfeed fans active session changes out over Redis pub/sub so
// every device and dashboard watching a worker sees them, whichever process
// made the write.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
)

const nullPayload = "null"

// Feed decorates a SessionStore. Writes go to the wrapped store and are then
// published on shift:{worker}:active as the JSON record, or "null" on delete.
// SubscribeActive is served from Redis instead of the wrapped store.
type Feed struct {
	store.SessionStore

	client *redis.Client
	prefix string
}

var _ store.SessionStore = (*Feed)(nil)

// Option configures a Feed.
type Option func(*Feed)

// WithPrefix changes the channel prefix from "shift".
func WithPrefix(prefix string) Option {
	return func(f *Feed) {
		f.prefix = prefix
	}
}

// New wraps inner with a Redis change feed.
func New(inner store.SessionStore, client *redis.Client, opts ...Option) *Feed {
	f := &Feed{
		SessionStore: inner,
		client:       client,
		prefix:       "shift",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Channel returns the pub/sub channel for the worker.
func (f *Feed) Channel(workerID string) string {
	return f.prefix + ":" + workerID + ":active"
}

// UpsertActive writes through to the wrapped store and publishes the record.
func (f *Feed) UpsertActive(ctx context.Context, active *models.ActiveSession) error {
	if err := f.SessionStore.UpsertActive(ctx, active); err != nil {
		return err
	}
	return f.publishRecord(ctx, active)
}

// UpdateActive writes through to the wrapped store and publishes the record.
// Nothing is published when the wrapped store rejects the update.
func (f *Feed) UpdateActive(ctx context.Context, active *models.ActiveSession) error {
	if err := f.SessionStore.UpdateActive(ctx, active); err != nil {
		return err
	}
	return f.publishRecord(ctx, active)
}

func (f *Feed) publishRecord(ctx context.Context, active *models.ActiveSession) error {
	payload, err := json.Marshal(active)
	if err != nil {
		return fmt.Errorf("failed to marshal active session: %w", err)
	}
	f.publish(ctx, active.WorkerID, string(payload))
	return nil
}

// DeleteActive deletes from the wrapped store and publishes the absence.
func (f *Feed) DeleteActive(ctx context.Context, workerID, sessionID string) error {
	if err := f.SessionStore.DeleteActive(ctx, workerID, sessionID); err != nil {
		return err
	}
	f.publish(ctx, workerID, nullPayload)
	return nil
}

// publish failures are logged only; the write has already landed and
// subscribers re-read the current value when they resubscribe.
func (f *Feed) publish(ctx context.Context, workerID, payload string) {
	if err := f.client.Publish(ctx, f.Channel(workerID), payload).Err(); err != nil {
		log.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to publish active session change")
	}
}

// SubscribeActive subscribes to the worker's channel, then emits the wrapped
// store's current value followed by every published change.
func (f *Feed) SubscribeActive(ctx context.Context, workerID string) (<-chan *models.ActiveSession, error) {
	pubsub := f.client.Subscribe(ctx, f.Channel(workerID))

	// wait for the subscription to be confirmed so no publish is missed
	// between here and reading the current value
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe: %w", store.ErrUnavailable, err)
	}

	current, err := f.SessionStore.GetActive(ctx, workerID)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ch := make(chan *models.ActiveSession, 1)

	go func() {
		defer close(ch)
		defer pubsub.Close()

		var filter store.PresenceFilter
		send := func(active *models.ActiveSession) bool {
			if !filter.Admit(active) {
				return true
			}
			select {
			case ch <- active:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(current) {
			return
		}

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				active, err := decode(msg.Payload)
				if err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("Discarding malformed active session message")
					continue
				}
				if !send(active) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func decode(payload string) (*models.ActiveSession, error) {
	if payload == nullPayload {
		return nil, nil
	}
	var active models.ActiveSession
	if err := json.Unmarshal([]byte(payload), &active); err != nil {
		return nil, err
	}
	return &active, nil
}
