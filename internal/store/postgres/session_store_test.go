package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
)

var activeColumns = []string{
	"worker_id", "session_id", "company_id", "route_id",
	"opened_at", "open_location", "current_location", "progress", "last_updated",
}

func newMockStore(t *testing.T) (*SessionStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewSessionStoreWithQuerier(mock), mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSessionStoreUpsertActive(t *testing.T) {
	st, mock := newMockStore(t)
	openedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	active := &models.ActiveSession{
		SessionID:       "session-1",
		WorkerID:        "worker-1",
		CompanyID:       "company-1",
		OpenedAt:        openedAt,
		CurrentLocation: models.LocationSample{Lat: 30.0, Lng: -97.0, Timestamp: openedAt},
		LastUpdated:     openedAt,
	}

	mock.ExpectExec(`INSERT INTO active_sessions`).
		WithArgs("worker-1", "session-1", "company-1", pgxmock.AnyArg(), openedAt,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), openedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.UpsertActive(context.Background(), active))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreUpsertOtherSession(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO active_sessions .* WHERE active_sessions.session_id = EXCLUDED.session_id`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT session_id FROM active_sessions`).
		WithArgs("worker-1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id"}).AddRow("session-2"))

	err := st.UpsertActive(context.Background(), &models.ActiveSession{WorkerID: "worker-1", SessionID: "session-1"})
	require.ErrorIs(t, err, store.ErrSessionMismatch)
	require.False(t, store.IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreUpdateActive(t *testing.T) {
	active := &models.ActiveSession{
		SessionID:       "session-1",
		WorkerID:        "worker-1",
		CurrentLocation: models.LocationSample{Lat: 30.1, Lng: -97.0},
		Progress:        models.RouteProgress{DistanceMeters: 11, Pushes: 1},
	}

	t.Run("updated", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`UPDATE active_sessions SET .* WHERE worker_id = \$1 AND session_id = \$2`).
			WithArgs("worker-1", "session-1", pgxmock.AnyArg(),
				mustJSON(t, active.CurrentLocation), mustJSON(t, active.Progress), active.LastUpdated).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, st.UpdateActive(context.Background(), active))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deleted rows are not re-created", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`UPDATE active_sessions`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT session_id FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnError(pgx.ErrNoRows)

		err := st.UpdateActive(context.Background(), active)
		require.ErrorIs(t, err, store.ErrActiveNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other session", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`UPDATE active_sessions`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT session_id FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnRows(pgxmock.NewRows([]string{"session_id"}).AddRow("session-2"))

		err := st.UpdateActive(context.Background(), active)
		require.ErrorIs(t, err, store.ErrSessionMismatch)
	})
}

func TestParseNotification(t *testing.T) {
	n, err := parseNotification(`{"op":"DELETE","worker_id":"worker-1","session_id":"session-1"}`)
	require.NoError(t, err)
	require.Equal(t, notification{Op: "DELETE", WorkerID: "worker-1", SessionID: "session-1"}, n)

	_, err = parseNotification("worker-1")
	require.Error(t, err)
}

func TestSessionStoreUpsertPermissionDenied(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO active_sessions`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.InsufficientPrivilege, Message: "permission denied for table active_sessions"})

	err := st.UpsertActive(context.Background(), &models.ActiveSession{WorkerID: "worker-1", SessionID: "session-1"})
	require.ErrorIs(t, err, store.ErrPermissionDenied)
	require.False(t, store.IsRetryable(err))
}

func TestSessionStoreGetActive(t *testing.T) {
	openedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	current := models.LocationSample{Lat: 30.0, Lng: -97.0, Timestamp: openedAt.Add(time.Minute), Accuracy: 5}
	routeID := "route-7"

	t.Run("found", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnRows(pgxmock.NewRows(activeColumns).AddRow(
				"worker-1", "session-1", "company-1", &routeID,
				openedAt, mustJSON(t, current), mustJSON(t, current),
				mustJSON(t, models.RouteProgress{DistanceMeters: 12.5, Pushes: 2}), openedAt.Add(time.Minute),
			))

		got, err := st.GetActive(context.Background(), "worker-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "session-1", got.SessionID)
		require.Equal(t, "route-7", got.RouteID)
		require.Equal(t, 30.0, got.CurrentLocation.Lat)
		require.NotNil(t, got.OpenLocation)
		require.Equal(t, int64(2), got.Progress.Pushes)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnError(pgx.ErrNoRows)

		got, err := st.GetActive(context.Background(), "worker-1")
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("connection failure", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnError(&pgconn.PgError{Code: pgerrcode.AdminShutdown})

		_, err := st.GetActive(context.Background(), "worker-1")
		require.ErrorIs(t, err, store.ErrUnavailable)
		require.True(t, store.IsRetryable(err))
	})
}

func TestSessionStoreDeleteActive(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`DELETE FROM active_sessions`).
			WithArgs("worker-1", "session-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		require.NoError(t, st.DeleteActive(context.Background(), "worker-1", "session-1"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`DELETE FROM active_sessions`).
			WithArgs("worker-1", "session-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectQuery(`SELECT session_id FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnError(pgx.ErrNoRows)

		err := st.DeleteActive(context.Background(), "worker-1", "session-1")
		require.ErrorIs(t, err, store.ErrActiveNotFound)
	})

	t.Run("other session", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`DELETE FROM active_sessions`).
			WithArgs("worker-1", "session-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectQuery(`SELECT session_id FROM active_sessions`).
			WithArgs("worker-1").
			WillReturnRows(pgxmock.NewRows([]string{"session_id"}).AddRow("session-2"))

		err := st.DeleteActive(context.Background(), "worker-1", "session-1")
		require.ErrorIs(t, err, store.ErrSessionMismatch)
	})
}

func TestSessionStoreAppendHistory(t *testing.T) {
	openedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	closed := &models.ClosedSession{
		SessionID:       "session-1",
		WorkerID:        "worker-1",
		CompanyID:       "company-1",
		OpenedAt:        openedAt,
		ClosedAt:        openedAt.Add(time.Hour),
		DurationSeconds: 3600,
		Reason:          models.CloseReasonClockOut,
	}

	t.Run("inserted", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`INSERT INTO session_history .* ON CONFLICT \(session_id\) DO NOTHING`).
			WithArgs("session-1", "worker-1", "company-1", openedAt, openedAt.Add(time.Hour),
				pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3600), "clock_out").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, st.AppendHistory(context.Background(), closed))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate is ignored", func(t *testing.T) {
		st, mock := newMockStore(t)

		mock.ExpectExec(`INSERT INTO session_history`).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		require.NoError(t, st.AppendHistory(context.Background(), closed))
	})

	t.Run("transient failure", func(t *testing.T) {
		st, mock := newMockStore(t)
		boom := errors.New("connection reset by peer")

		mock.ExpectExec(`INSERT INTO session_history`).WillReturnError(boom)

		err := st.AppendHistory(context.Background(), closed)
		require.ErrorIs(t, err, boom)
		require.True(t, store.IsRetryable(err))
	})
}

func TestSessionStoreListHistory(t *testing.T) {
	st, mock := newMockStore(t)
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	closeLoc := models.LocationSample{Lat: 30.1, Lng: -97.1, Timestamp: day.Add(9 * time.Hour)}

	mock.ExpectQuery(`SELECT .* FROM session_history`).
		WithArgs("worker-1", day, day.Add(24*time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "worker_id", "company_id", "opened_at", "closed_at",
			"open_location", "close_location", "duration_seconds", "reason",
		}).
			AddRow("a", "worker-1", "company-1", day.Add(8*time.Hour), day.Add(9*time.Hour),
				[]byte(nil), mustJSON(t, closeLoc), int64(3600), "clock_out").
			AddRow("b", "worker-1", "company-1", day.Add(10*time.Hour), day.Add(10*time.Hour+30*time.Minute),
				[]byte(nil), []byte(nil), int64(1800), "external"))

	got, err := st.ListHistory(context.Background(), "worker-1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Nil(t, got[0].OpenLocation)
	require.NotNil(t, got[0].CloseLocation)
	require.Equal(t, 30.1, got[0].CloseLocation.Lat)
	require.Equal(t, models.CloseReasonExternal, got[1].Reason)
	require.Equal(t, 30*time.Minute, got[1].Duration())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreSubscribeRequiresPool(t *testing.T) {
	st, _ := newMockStore(t)
	_, err := st.SubscribeActive(context.Background(), "worker-1")
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestPresenceFeed(t *testing.T) {
	ctx := context.Background()
	ch := make(chan *models.ActiveSession, 8)
	feed := &presenceFeed{out: ch}

	active := &models.ActiveSession{SessionID: "session-1"}
	require.True(t, feed.emit(ctx, nil))
	require.True(t, feed.emit(ctx, nil))
	require.True(t, feed.emit(ctx, active))
	require.True(t, feed.emit(ctx, active))
	require.True(t, feed.emit(ctx, nil))
	require.True(t, feed.emit(ctx, nil))
	close(ch)

	var got []*models.ActiveSession
	for v := range ch {
		got = append(got, v)
	}
	require.Equal(t, []*models.ActiveSession{nil, active, active, nil}, got)
}

func TestMapPostgresError(t *testing.T) {
	require.NoError(t, mapPostgresError(nil))

	plain := errors.New("plain")
	require.Equal(t, plain, mapPostgresError(plain))

	err := mapPostgresError(&pgconn.PgError{Code: pgerrcode.TooManyConnections})
	require.ErrorIs(t, err, store.ErrUnavailable)

	err = mapPostgresError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "active_sessions_pkey"})
	require.Contains(t, err.Error(), "active_sessions_pkey")
}

func TestSessionStoreConfig(t *testing.T) {
	cfg := &SessionStoreConfig{}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())

	cfg.ConnString = "postgres://localhost/shifts"
	require.NoError(t, cfg.Validate())
	require.Equal(t, int32(10), cfg.MaxConns)
	require.Equal(t, int32(10), cfg.QueryTimeoutSeconds)

	cfg.MinConns = 20
	require.Error(t, cfg.Validate())
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	require.Len(t, migrations, 2)
	require.Equal(t, 1, migrations[0].version)
	require.Contains(t, migrations[0].content, "CREATE TABLE IF NOT EXISTS active_sessions")
	require.Equal(t, 2, migrations[1].version)
	require.Contains(t, migrations[1].content, "json_build_object")
}
