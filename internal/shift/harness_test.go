package shift

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/shiftrunner/internal/clock"
	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
	"github.com/wolfeidau/shiftrunner/internal/store/memory"
)

const (
	testWorker   = "worker-1"
	testCompany  = "company-1"
	tickInterval = 10 * time.Second
	waitTimeout  = 2 * time.Second
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu      sync.Mutex
	records []models.ClosedSession
}

func (r *recordingObserver) HistoryAppended(closed models.ClosedSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, closed)
}

func (r *recordingObserver) Records() []models.ClosedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ClosedSession(nil), r.records...)
}

type harness struct {
	t        *testing.T
	clock    *clock.Fake
	mem      *memory.SessionStore
	provider *location.Simulated
	observer *recordingObserver
	ctrl     *Controller

	lat, lng float64
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	auth  location.Authorization
	store store.SessionStore
}

func withAuthorization(auth location.Authorization) harnessOption {
	return func(c *harnessConfig) { c.auth = auth }
}

func withStore(st store.SessionStore) harnessOption {
	return func(c *harnessConfig) { c.store = st }
}

// newHarness builds a controller over a fake clock, a simulated provider
// and an in-memory store. The controller is not started.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := &harnessConfig{auth: location.AuthorizationWhenInUse}
	for _, opt := range opts {
		opt(hc)
	}

	h := &harness{
		t:        t,
		clock:    clock.NewFake(epoch),
		mem:      memory.NewSessionStore(),
		provider: location.NewSimulated(location.Config{}, hc.auth),
		observer: &recordingObserver{},
		lat:      30.0,
		lng:      -97.0,
	}

	st := hc.store
	if st == nil {
		st = h.mem
	}

	ctrl, err := New(testWorker, testCompany, st, h.provider,
		WithClock(h.clock),
		WithLogger(zerolog.Nop()),
		WithHistoryObserver(h.observer),
		WithConfig(Config{
			TickInterval:   tickInterval,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		}),
	)
	require.NoError(t, err)
	h.ctrl = ctrl

	t.Cleanup(func() {
		require.NoError(t, ctrl.Close())
	})

	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background()))
}

// seed makes the initial sample available as the provider's cached fix.
func (h *harness) seed() models.LocationSample {
	sample := models.LocationSample{Lat: h.lat, Lng: h.lng, Timestamp: h.clock.Now()}
	h.provider.Seed(sample)
	return sample
}

// open starts the controller and clocks in from the seeded location.
func (h *harness) open() Open {
	h.t.Helper()
	h.seed()
	h.start()
	require.NoError(h.t, h.ctrl.ClockIn(context.Background(), ClockInOptions{}))
	snap := h.waitFor(func(s Snapshot) bool { return s.IsOpen() })
	return snap.State.(Open)
}

// move emits a sample about 110m north and waits for the controller to see it.
func (h *harness) move() models.LocationSample {
	h.t.Helper()
	h.lat += 0.001
	sample := models.LocationSample{Lat: h.lat, Lng: h.lng, Timestamp: h.clock.Now()}
	require.True(h.t, h.provider.Emit(sample), "sample dropped")
	h.waitFor(func(s Snapshot) bool {
		open, ok := s.State.(Open)
		return ok && open.LastSample != nil && open.LastSample.Timestamp.Equal(sample.Timestamp) && open.LastSample.Lat == sample.Lat
	})
	return sample
}

// tick advances the clock by one interval and waits for the tick to be processed.
func (h *harness) tick() time.Time {
	h.t.Helper()
	h.clock.Advance(tickInterval)
	at := h.clock.Now()
	h.waitFor(func(s Snapshot) bool { return s.LastTick.Equal(at) })
	return at
}

func (h *harness) waitFor(cond func(Snapshot) bool) Snapshot {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := h.ctrl.WaitFor(ctx, cond)
	require.NoError(h.t, err, "last snapshot: %+v", snap)
	return snap
}

func (h *harness) waitState(name string) Snapshot {
	h.t.Helper()
	return h.waitFor(func(s Snapshot) bool { return s.State.Name() == name })
}

func (h *harness) history() []*models.ClosedSession {
	h.t.Helper()
	recs, err := h.mem.ListHistory(context.Background(), testWorker, time.Time{}, epoch.Add(365*24*time.Hour))
	require.NoError(h.t, err)
	return recs
}

func (h *harness) active() *models.ActiveSession {
	h.t.Helper()
	active, err := h.mem.GetActive(context.Background(), testWorker)
	require.NoError(h.t, err)
	return active
}
