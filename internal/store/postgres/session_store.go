package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
)

const notifyChannel = "active_sessions"

// Querier represents the minimal database operations used by the store.
// Both *pgxpool.Pool, *pgxpool.Conn and pgxmock pools satisfy this interface.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionStore implements store.SessionStore using PostgreSQL.
//
// Change notifications come from a trigger on active_sessions that calls
// pg_notify with the operation, worker id and session id. Subscribers report a
// delete directly and re-read the row for inserts and updates.
type SessionStore struct {
	db   Querier
	pool *pgxpool.Pool // nil when constructed over a bare Querier
	cfg  *SessionStoreConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ store.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a PostgreSQL-backed session store.
// It establishes a connection pool and runs migrations when enabled.
func NewSessionStore(ctx context.Context, cfg *SessionStoreConfig) (*SessionStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.PoolConfig)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &SessionStore{
		db:     pool,
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// NewSessionStoreWithQuerier creates a store over an existing connection.
// SubscribeActive is unavailable without a pool.
func NewSessionStoreWithQuerier(db Querier) *SessionStore {
	cfg := &SessionStoreConfig{}
	cfg.ApplyDefaults()
	return &SessionStore{
		db:     db,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start starts background tasks.
func (s *SessionStore) Start() error {
	log.Info().Msg("Starting PostgreSQL session store")

	if s.pool == nil {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop stops background tasks and closes the pool it owns.
func (s *SessionStore) Stop() error {
	log.Info().Msg("Stopping PostgreSQL session store")

	close(s.stopCh)
	s.wg.Wait()

	if s.pool != nil {
		s.pool.Close()
	}

	log.Info().Msg("PostgreSQL session store stopped")
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *SessionStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *SessionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeoutSeconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

// UpsertActive creates the worker's active session, or replaces it when the
// stored row belongs to the same session.
func (s *SessionStore) UpsertActive(ctx context.Context, active *models.ActiveSession) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	openLocation, err := marshalOptional(active.OpenLocation)
	if err != nil {
		return err
	}
	currentLocation, progress, err := marshalPosition(active)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO active_sessions (
			worker_id, session_id, company_id, route_id,
			opened_at, open_location, current_location, progress, last_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (worker_id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			route_id = EXCLUDED.route_id,
			opened_at = EXCLUDED.opened_at,
			open_location = EXCLUDED.open_location,
			current_location = EXCLUDED.current_location,
			progress = EXCLUDED.progress,
			last_updated = EXCLUDED.last_updated
		WHERE active_sessions.session_id = EXCLUDED.session_id
	`

	result, err := s.db.Exec(ctx, query,
		active.WorkerID,
		active.SessionID,
		active.CompanyID,
		nullableString(active.RouteID),
		active.OpenedAt,
		openLocation,
		currentLocation,
		progress,
		active.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert active session: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		err := s.currentMismatch(ctx, active.WorkerID)
		if errors.Is(err, store.ErrActiveNotFound) {
			// the conflicting row went away between the insert and the check
			return fmt.Errorf("%w: active session for worker %s changed concurrently", store.ErrUnavailable, active.WorkerID)
		}
		return err
	}

	log.Debug().
		Str("worker_id", active.WorkerID).
		Str("session_id", active.SessionID).
		Msg("Upserted active session")

	return nil
}

// UpdateActive moves the worker's active session forward. It only touches a
// row that still holds active.SessionID and never inserts one.
func (s *SessionStore) UpdateActive(ctx context.Context, active *models.ActiveSession) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	currentLocation, progress, err := marshalPosition(active)
	if err != nil {
		return err
	}

	query := `
		UPDATE active_sessions SET
			route_id = $3,
			current_location = $4,
			progress = $5,
			last_updated = $6
		WHERE worker_id = $1 AND session_id = $2
	`

	result, err := s.db.Exec(ctx, query,
		active.WorkerID,
		active.SessionID,
		nullableString(active.RouteID),
		currentLocation,
		progress,
		active.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to update active session: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return s.currentMismatch(ctx, active.WorkerID)
	}

	log.Debug().
		Str("worker_id", active.WorkerID).
		Str("session_id", active.SessionID).
		Msg("Updated active session")

	return nil
}

// DeleteActive removes the worker's active session.
func (s *SessionStore) DeleteActive(ctx context.Context, workerID, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.Exec(ctx, `DELETE FROM active_sessions WHERE worker_id = $1 AND session_id = $2`, workerID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete active session: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return s.currentMismatch(ctx, workerID)
	}

	log.Debug().
		Str("worker_id", workerID).
		Str("session_id", sessionID).
		Msg("Deleted active session")

	return nil
}

// currentMismatch explains why a write keyed on worker and session matched no
// row: ErrActiveNotFound when the worker has none, else ErrSessionMismatch.
func (s *SessionStore) currentMismatch(ctx context.Context, workerID string) error {
	var current string
	err := s.db.QueryRow(ctx, `SELECT session_id FROM active_sessions WHERE worker_id = $1`, workerID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrActiveNotFound
		}
		return fmt.Errorf("failed to check active session: %w", mapPostgresError(err))
	}
	return fmt.Errorf("%w: worker %s has %s", store.ErrSessionMismatch, workerID, current)
}

// GetActive retrieves the worker's active session, or nil when none exists.
func (s *SessionStore) GetActive(ctx context.Context, workerID string) (*models.ActiveSession, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return getActive(ctx, s.db, workerID)
}

func getActive(ctx context.Context, db Querier, workerID string) (*models.ActiveSession, error) {
	query := `
		SELECT
			worker_id, session_id, company_id, route_id,
			opened_at, open_location, current_location, progress, last_updated
		FROM active_sessions
		WHERE worker_id = $1
	`

	var (
		active                                  models.ActiveSession
		routeID                                 *string
		openLocation, currentLocation, progress []byte
	)
	err := db.QueryRow(ctx, query, workerID).Scan(
		&active.WorkerID,
		&active.SessionID,
		&active.CompanyID,
		&routeID,
		&active.OpenedAt,
		&openLocation,
		&currentLocation,
		&progress,
		&active.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session: %w", mapPostgresError(err))
	}

	if routeID != nil {
		active.RouteID = *routeID
	}
	if active.OpenLocation, err = unmarshalOptional(openLocation); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(currentLocation, &active.CurrentLocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal current location: %w", err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &active.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
	}

	return &active, nil
}

// AppendHistory stores a closed session. A second append for the same
// session id is ignored.
func (s *SessionStore) AppendHistory(ctx context.Context, closed *models.ClosedSession) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	openLocation, err := marshalOptional(closed.OpenLocation)
	if err != nil {
		return err
	}
	closeLocation, err := marshalOptional(closed.CloseLocation)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO session_history (
			session_id, worker_id, company_id, opened_at, closed_at,
			open_location, close_location, duration_seconds, reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (session_id) DO NOTHING
	`

	result, err := s.db.Exec(ctx, query,
		closed.SessionID,
		closed.WorkerID,
		closed.CompanyID,
		closed.OpenedAt,
		closed.ClosedAt,
		openLocation,
		closeLocation,
		closed.DurationSeconds,
		string(closed.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to append session history: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		log.Debug().Str("session_id", closed.SessionID).Msg("History already recorded, skipping")
		return nil
	}

	log.Debug().
		Str("worker_id", closed.WorkerID).
		Str("session_id", closed.SessionID).
		Int64("duration_seconds", closed.DurationSeconds).
		Msg("Appended session history")

	return nil
}

// ListHistory returns closed sessions with from <= closed_at < to.
func (s *SessionStore) ListHistory(ctx context.Context, workerID string, from, to time.Time) ([]*models.ClosedSession, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			session_id, worker_id, company_id, opened_at, closed_at,
			open_location, close_location, duration_seconds, reason
		FROM session_history
		WHERE worker_id = $1 AND closed_at >= $2 AND closed_at < $3
		ORDER BY closed_at
	`

	rows, err := s.db.Query(ctx, query, workerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list session history: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []*models.ClosedSession
	for rows.Next() {
		var (
			rec                         models.ClosedSession
			openLocation, closeLocation []byte
			reason                      string
		)
		if err := rows.Scan(
			&rec.SessionID,
			&rec.WorkerID,
			&rec.CompanyID,
			&rec.OpenedAt,
			&rec.ClosedAt,
			&openLocation,
			&closeLocation,
			&rec.DurationSeconds,
			&reason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session history: %w", err)
		}
		rec.Reason = models.CloseReason(reason)
		if rec.OpenLocation, err = unmarshalOptional(openLocation); err != nil {
			return nil, err
		}
		if rec.CloseLocation, err = unmarshalOptional(closeLocation); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session history: %w", mapPostgresError(err))
	}

	return out, nil
}

// SubscribeActive streams the worker's active session using LISTEN/NOTIFY.
// The listener holds one pool connection and reconnects with backoff when the
// connection drops, re-reading the row so no transition is missed.
func (s *SessionStore) SubscribeActive(ctx context.Context, workerID string) (<-chan *models.ActiveSession, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("%w: subscriptions require a connection pool", store.ErrUnavailable)
	}

	conn, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *models.ActiveSession, 1)

	go func() {
		defer close(ch)

		feed := &presenceFeed{out: ch}
		for {
			err := s.follow(ctx, conn, workerID, feed)
			releaseListener(conn)
			if ctx.Err() != nil {
				return
			}

			log.Warn().Err(err).Str("worker_id", workerID).Msg("Active session listener lost, reconnecting")

			conn, err = backoff.Retry(ctx, func() (*pgxpool.Conn, error) {
				return s.listen(ctx)
			}, backoff.WithBackOff(s.listenBackOff()), backoff.WithMaxElapsedTime(0))
			if err != nil {
				log.Error().Err(err).Str("worker_id", workerID).Msg("Giving up on active session listener")
				return
			}
		}
	}()

	return ch, nil
}

func (s *SessionStore) listenBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Duration(s.cfg.ResubscribeMaxSeconds) * time.Second
	return b
}

func (s *SessionStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listener connection: %w", mapPostgresError(err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen: %w", mapPostgresError(err))
	}
	return conn, nil
}

func releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN "+notifyChannel); err != nil {
		// a broken connection must not go back to the pool still listening
		_ = conn.Hijack().Close(ctx)
		return
	}
	conn.Release()
}

// notification is the payload sent by the active_sessions trigger.
type notification struct {
	Op        string `json:"op"`
	WorkerID  string `json:"worker_id"`
	SessionID string `json:"session_id"`
}

func parseNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("failed to decode notification: %w", err)
	}
	return n, nil
}

// follow emits the current row and then follows notifications for workerID
// until the connection fails or ctx is done. A delete is emitted as nil
// without reading, so a row re-created straight away still shows the absence.
func (s *SessionStore) follow(ctx context.Context, conn *pgxpool.Conn, workerID string, feed *presenceFeed) error {
	active, err := getActive(ctx, conn, workerID)
	if err != nil {
		return err
	}
	if !feed.emit(ctx, active) {
		return ctx.Err()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		note, err := parseNotification(n.Payload)
		if err != nil {
			log.Warn().Err(err).Str("payload", n.Payload).Msg("Discarding malformed active session notification")
			continue
		}
		if note.WorkerID != workerID {
			continue
		}

		var active *models.ActiveSession
		if note.Op != "DELETE" {
			if active, err = getActive(ctx, conn, workerID); err != nil {
				return err
			}
		}
		if !feed.emit(ctx, active) {
			return ctx.Err()
		}
	}
}

// presenceFeed delivers values admitted by the presence filter.
type presenceFeed struct {
	out    chan<- *models.ActiveSession
	filter store.PresenceFilter
}

func (f *presenceFeed) emit(ctx context.Context, active *models.ActiveSession) bool {
	if !f.filter.Admit(active) {
		return true
	}

	select {
	case f.out <- active:
		return true
	case <-ctx.Done():
		return false
	}
}

func marshalPosition(active *models.ActiveSession) (currentLocation, progress []byte, err error) {
	if currentLocation, err = json.Marshal(active.CurrentLocation); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal current location: %w", err)
	}
	if progress, err = json.Marshal(active.Progress); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal progress: %w", err)
	}
	return currentLocation, progress, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalOptional(loc *models.LocationSample) ([]byte, error) {
	if loc == nil {
		return nil, nil
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal location: %w", err)
	}
	return data, nil
}

func unmarshalOptional(data []byte) (*models.LocationSample, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var loc models.LocationSample
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &loc, nil
}
