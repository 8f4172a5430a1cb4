package location

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/geo"
	"github.com/wolfeidau/shiftrunner/internal/models"
)

// Simulated is an in-process Provider driven by tests and the CLI.
// Samples are only delivered while the provider is started.
type Simulated struct {
	mu sync.RWMutex

	cfg  Config
	auth Authorization

	// requestResponse is applied asynchronously when RequestAuthorization is
	// called; nil leaves the request unanswered.
	requestResponse *Authorization
	requests        []Level

	running    bool
	startCount int
	stopCount  int
	latest     *models.LocationSample

	sampleStreams map[chan models.LocationSample]struct{}
	authStreams   map[chan Authorization]struct{}
}

var _ Provider = (*Simulated)(nil)

// NewSimulated creates a simulated provider with the given initial authorization.
func NewSimulated(cfg Config, auth Authorization) *Simulated {
	cfg.ApplyDefaults()
	return &Simulated{
		cfg:           cfg,
		auth:          auth,
		sampleStreams: make(map[chan models.LocationSample]struct{}),
		authStreams:   make(map[chan Authorization]struct{}),
	}
}

// Config returns the effective configuration.
func (s *Simulated) Config() Config {
	return s.cfg
}

func (s *Simulated) Authorization() Authorization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

func (s *Simulated) RequestAuthorization(level Level) {
	s.mu.Lock()
	s.requests = append(s.requests, level)
	resp := s.requestResponse
	current := s.auth
	s.mu.Unlock()

	log.Debug().Str("level", level.String()).Str("current", current.String()).Msg("Authorization requested")

	if resp == nil {
		return
	}
	go s.SetAuthorization(*resp)
}

// SetRequestResponse makes future authorization requests resolve to auth.
func (s *Simulated) SetRequestResponse(auth Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestResponse = &auth
}

// Requests returns the authorization levels requested so far.
func (s *Simulated) Requests() []Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Level(nil), s.requests...)
}

// SetAuthorization changes the permission state and notifies subscribers.
func (s *Simulated) SetAuthorization(auth Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auth == auth {
		return
	}
	s.auth = auth
	if !auth.Granted() {
		s.running = false
	}

	for ch := range s.authStreams {
		if !sendLatest(ch, auth) {
			log.Warn().Str("authorization", auth.String()).Msg("Authorization channel full, dropped oldest change")
		}
	}
}

func (s *Simulated) AuthorizationChanges(ctx context.Context) <-chan Authorization {
	ch := make(chan Authorization, 4)

	s.mu.Lock()
	s.authStreams[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.authStreams, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *Simulated) Samples(ctx context.Context) <-chan models.LocationSample {
	ch := make(chan models.LocationSample, 16)

	s.mu.Lock()
	s.sampleStreams[ch] = struct{}{}
	if s.latest != nil {
		ch <- *s.latest
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.sampleStreams, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *Simulated) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.auth.Granted() {
		return ErrNotAuthorized
	}
	s.running = true
	s.startCount++
	return nil
}

func (s *Simulated) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.stopCount++
	return nil
}

// Running reports whether hardware sampling is switched on.
func (s *Simulated) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Counts returns how many times Start and Stop were called.
func (s *Simulated) Counts() (starts, stops int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startCount, s.stopCount
}

// Subscribers returns the number of open sample streams.
func (s *Simulated) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sampleStreams)
}

// Emit publishes a sample as if it came from the hardware. It returns false when
// the sample was dropped because sampling is stopped or the device has not moved
// past the distance filter.
func (s *Simulated) Emit(sample models.LocationSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}

	if s.latest != nil {
		moved := geo.DistanceMeters(s.latest.Lat, s.latest.Lng, sample.Lat, sample.Lng)
		if moved < s.cfg.DistanceFilterMeters {
			return false
		}
	}

	if sample.Accuracy <= 0 {
		sample.Accuracy = s.cfg.DesiredAccuracyMeters
	}
	s.latest = &sample

	for ch := range s.sampleStreams {
		if !sendLatest(ch, sample) {
			log.Debug().Time("timestamp", sample.Timestamp).Msg("Sample channel full, dropped oldest sample")
		}
	}

	return true
}

// sendLatest sends v without blocking. When ch is full the oldest pending
// value is discarded to make room, so the newest value always arrives. It
// reports whether v went in without discarding anything.
// Must be called with the lock held so no other sender competes for the slot.
func sendLatest[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- v:
	default:
	}
	return false
}

// Seed sets the freshest known sample without applying the distance filter or
// requiring the provider to be running, like a cached last fix.
func (s *Simulated) Seed(sample models.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.Accuracy <= 0 {
		sample.Accuracy = s.cfg.DesiredAccuracyMeters
	}
	s.latest = &sample
}
