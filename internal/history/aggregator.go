// Package history answers "how long has this worker worked today".
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/clock"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"golang.org/x/sync/singleflight"
)

// Lister is the part of the session store the aggregator reads.
type Lister interface {
	ListHistory(ctx context.Context, workerID string, from, to time.Time) ([]*models.ClosedSession, error)
}

// LiveSession reports the session a running controller holds: the open one,
// or one whose close has been decided but may not be in history yet.
type LiveSession interface {
	OpenSince() (time.Time, bool)
	PendingClose() (models.ClosedSession, bool)
}

type cacheKey struct {
	workerID string
	day      time.Time
}

// dayTotal is the closed time of one worker and day, with the sessions it covers.
type dayTotal struct {
	total    time.Duration
	sessions map[string]struct{}
}

// Aggregator sums a worker's closed sessions for the current day plus the
// elapsed time of a live open session. Closed totals are cached per worker
// and day until a new history record is appended.
type Aggregator struct {
	lister Lister
	clock  clock.Clock
	loc    *time.Location
	log    zerolog.Logger

	group singleflight.Group

	mu    sync.Mutex
	live  map[string]LiveSession
	cache map[cacheKey]dayTotal
	gen   map[string]uint64 // bumped on every invalidation of a worker
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clk
	}
}

// WithLocation sets the timezone that defines day boundaries. Default: UTC.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		a.loc = loc
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.log = logger
	}
}

// NewAggregator creates an aggregator reading history from lister.
func NewAggregator(lister Lister, opts ...Option) *Aggregator {
	a := &Aggregator{
		lister: lister,
		clock:  clock.Real{},
		loc:    time.UTC,
		log:    log.Logger,
		live:   make(map[string]LiveSession),
		cache:  make(map[cacheKey]dayTotal),
		gen:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Track attaches the live controller of workerID. Passing nil detaches it.
func (a *Aggregator) Track(workerID string, live LiveSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if live == nil {
		delete(a.live, workerID)
		return
	}
	a.live[workerID] = live
}

// HistoryAppended drops the cached totals of the record's worker. It is safe
// to call from a controller's event loop.
func (a *Aggregator) HistoryAppended(closed models.ClosedSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidate(closed.WorkerID)
}

// TotalToday returns the time worked today: closed sessions whose ClosedAt
// falls on the current day plus the elapsed time of an open session. A
// session that is closing but not yet in history counts with its recorded
// duration.
func (a *Aggregator) TotalToday(ctx context.Context, workerID string) (time.Duration, error) {
	now := a.clock.Now().In(a.loc)
	day := startOfDay(now)

	closed, err := a.closedTotal(ctx, workerID, day)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	live := a.live[workerID]
	a.mu.Unlock()

	total := closed.total
	if live == nil {
		return total, nil
	}

	if openedAt, ok := live.OpenSince(); ok && now.After(openedAt) {
		total += now.Sub(openedAt)
	}
	if pending, ok := live.PendingClose(); ok {
		_, listed := closed.sessions[pending.SessionID]
		if !listed && !pending.ClosedAt.Before(day) && pending.ClosedAt.Before(day.AddDate(0, 0, 1)) {
			total += pending.Duration()
		}
	}

	return total, nil
}

func (a *Aggregator) closedTotal(ctx context.Context, workerID string, day time.Time) (dayTotal, error) {
	key := cacheKey{workerID: workerID, day: day}

	a.mu.Lock()
	if cached, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	gen := a.gen[workerID]
	a.mu.Unlock()

	v, err, _ := a.group.Do(fmt.Sprintf("%s/%d/%d", workerID, day.Unix(), gen), func() (any, error) {
		recs, err := a.lister.ListHistory(ctx, workerID, day, day.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		result := dayTotal{sessions: make(map[string]struct{}, len(recs))}
		for _, rec := range recs {
			result.total += rec.Duration()
			result.sessions[rec.SessionID] = struct{}{}
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		// a record appended while listing makes this total stale
		if a.gen[workerID] == gen {
			a.pruneDays(workerID, day)
			a.cache[key] = result
		}

		a.log.Debug().
			Str("worker_id", workerID).
			Time("day", day).
			Int("sessions", len(recs)).
			Dur("total", result.total).
			Msg("Computed closed session total")

		return result, nil
	})
	if err != nil {
		return dayTotal{}, err
	}

	return v.(dayTotal), nil
}

// invalidate must be called with mu held.
func (a *Aggregator) invalidate(workerID string) {
	a.gen[workerID]++
	for key := range a.cache {
		if key.workerID == workerID {
			delete(a.cache, key)
		}
	}
}

// pruneDays drops totals cached for other days. Must be called with mu held.
func (a *Aggregator) pruneDays(workerID string, day time.Time) {
	for key := range a.cache {
		if key.workerID == workerID && !key.day.Equal(day) {
			delete(a.cache, key)
		}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
