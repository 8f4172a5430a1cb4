package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
)

// Hooks run before the matching operation touches state. A non-nil error
// aborts the operation and is returned to the caller. Hooks may block.
// BeforeUpsert runs for both UpsertActive and UpdateActive.
type Hooks struct {
	BeforeUpsert func(ctx context.Context, active *models.ActiveSession) error
	BeforeDelete func(ctx context.Context, workerID, sessionID string) error
	BeforeAppend func(ctx context.Context, closed *models.ClosedSession) error
	BeforeGet    func(ctx context.Context, workerID string) error
}

// SessionStore implements store.SessionStore using in-memory storage.
// This implementation is for testing and local simulation - data is lost on restart.
type SessionStore struct {
	mu sync.RWMutex

	active  map[string]*models.ActiveSession   // worker_id -> active session
	history map[string][]*models.ClosedSession // worker_id -> closed sessions
	closed  map[string]struct{}                // session_id set for idempotent appends

	streams map[string]map[chan *models.ActiveSession]struct{} // worker_id -> subscribers

	hooks Hooks
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		active:  make(map[string]*models.ActiveSession),
		history: make(map[string][]*models.ClosedSession),
		closed:  make(map[string]struct{}),
		streams: make(map[string]map[chan *models.ActiveSession]struct{}),
	}
}

// SetHooks replaces the operation hooks.
func (s *SessionStore) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

func (s *SessionStore) currentHooks() Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks
}

// UpsertActive creates the worker's active session or replaces it when it
// belongs to the same session.
func (s *SessionStore) UpsertActive(ctx context.Context, active *models.ActiveSession) error {
	return s.write(ctx, active, true)
}

// UpdateActive replaces the worker's active session only while it still holds
// active.SessionID.
func (s *SessionStore) UpdateActive(ctx context.Context, active *models.ActiveSession) error {
	return s.write(ctx, active, false)
}

func (s *SessionStore) write(ctx context.Context, active *models.ActiveSession, create bool) error {
	if h := s.currentHooks().BeforeUpsert; h != nil {
		if err := h(ctx, active); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.active[active.WorkerID]
	switch {
	case !exists && !create:
		return store.ErrActiveNotFound
	case exists && current.SessionID != active.SessionID:
		return fmt.Errorf("%w: worker %s has %s", store.ErrSessionMismatch, active.WorkerID, current.SessionID)
	}

	// Clone to avoid external modifications
	clone := active.Clone()
	s.active[active.WorkerID] = clone
	s.fanout(active.WorkerID, clone)

	return nil
}

// DeleteActive removes the worker's active session.
func (s *SessionStore) DeleteActive(ctx context.Context, workerID, sessionID string) error {
	if h := s.currentHooks().BeforeDelete; h != nil {
		if err := h(ctx, workerID, sessionID); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.active[workerID]
	if !exists {
		return store.ErrActiveNotFound
	}
	if current.SessionID != sessionID {
		return fmt.Errorf("%w: worker %s has %s", store.ErrSessionMismatch, workerID, current.SessionID)
	}

	delete(s.active, workerID)
	s.fanout(workerID, nil)

	return nil
}

// GetActive retrieves the worker's active session.
func (s *SessionStore) GetActive(ctx context.Context, workerID string) (*models.ActiveSession, error) {
	if h := s.currentHooks().BeforeGet; h != nil {
		if err := h(ctx, workerID); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.active[workerID].Clone(), nil
}

// SubscribeActive streams the worker's active session.
func (s *SessionStore) SubscribeActive(ctx context.Context, workerID string) (<-chan *models.ActiveSession, error) {
	ch := make(chan *models.ActiveSession, 16)

	s.mu.Lock()
	if s.streams[workerID] == nil {
		s.streams[workerID] = make(map[chan *models.ActiveSession]struct{})
	}
	s.streams[workerID][ch] = struct{}{}
	ch <- s.active[workerID].Clone()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		// Remove from active streams when done
		s.mu.Lock()
		delete(s.streams[workerID], ch)
		if len(s.streams[workerID]) == 0 {
			delete(s.streams, workerID)
		}
		close(ch)
		s.mu.Unlock()
	}()

	return ch, nil
}

// AppendHistory stores a closed session once.
func (s *SessionStore) AppendHistory(ctx context.Context, closed *models.ClosedSession) error {
	if h := s.currentHooks().BeforeAppend; h != nil {
		if err := h(ctx, closed); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.closed[closed.SessionID]; exists {
		log.Debug().Str("session_id", closed.SessionID).Msg("History already recorded, skipping")
		return nil
	}

	clone := *closed
	s.closed[closed.SessionID] = struct{}{}
	s.history[closed.WorkerID] = append(s.history[closed.WorkerID], &clone)

	return nil
}

// ListHistory returns closed sessions with from <= ClosedAt < to.
func (s *SessionStore) ListHistory(ctx context.Context, workerID string, from, to time.Time) ([]*models.ClosedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ClosedSession
	for _, rec := range s.history[workerID] {
		if rec.ClosedAt.Before(from) || !rec.ClosedAt.Before(to) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ClosedAt.Before(out[j].ClosedAt)
	})

	return out, nil
}

// ActiveCount returns the number of active records across all workers.
func (s *SessionStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// HistoryCount returns the number of closed sessions recorded for the worker.
func (s *SessionStore) HistoryCount(workerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[workerID])
}

// fanout delivers a snapshot to every subscriber of the worker.
// Must be called with lock held.
func (s *SessionStore) fanout(workerID string, snapshot *models.ActiveSession) {
	for ch := range s.streams[workerID] {
		deliverLatest(ch, snapshot.Clone())
	}
}

// deliverLatest sends without blocking. When the subscriber is behind, the
// pending snapshots are compacted: consecutive records collapse to the newest
// one and absences are kept, so a present to absent transition is never lost.
func deliverLatest(ch chan *models.ActiveSession, snapshot *models.ActiveSession) {
	select {
	case ch <- snapshot:
		return
	default:
	}

	pending := make([]*models.ActiveSession, 0, cap(ch)+1)
drain:
	for {
		select {
		case v := <-ch:
			pending = append(pending, v)
		default:
			break drain
		}
	}

	pending = compact(append(pending, snapshot), cap(ch))
	log.Warn().Int("pending", len(pending)).Msg("Active session channel full, compacting snapshots")

	for _, v := range pending {
		select {
		case ch <- v:
		default:
		}
	}
}

// compact collapses runs of records to the newest and repeated absences to
// one, then drops the oldest record and absence pairs until at most limit
// remain. The result alternates, so it still ends with an absence or is
// preceded by one whenever the input held one.
func compact(pending []*models.ActiveSession, limit int) []*models.ActiveSession {
	out := pending[:0]
	for _, v := range pending {
		if n := len(out); n > 0 && (out[n-1] == nil) == (v == nil) {
			out[n-1] = v
			continue
		}
		out = append(out, v)
	}

	for len(out) > limit && len(out)-2 >= 2 {
		out = out[2:]
	}
	return out
}
