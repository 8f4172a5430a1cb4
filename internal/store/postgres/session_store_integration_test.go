//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/shiftrunner/internal/models"
	"github.com/wolfeidau/shiftrunner/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*SessionStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := &SessionStoreConfig{
		PoolConfig: PoolConfig{
			ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		},
		AutoMigrate: true,
	}

	st, err := NewSessionStore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Start())

	cleanup := func() {
		_ = st.Stop()
		_ = container.Terminate(ctx)
	}

	return st, cleanup
}

func next(t *testing.T, ch <-chan *models.ActiveSession) *models.ActiveSession {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

func TestIntegration_ActiveSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	openedAt := time.Now().UTC().Truncate(time.Microsecond)
	active := &models.ActiveSession{
		SessionID:       "session-1",
		WorkerID:        "worker-1",
		CompanyID:       "company-1",
		RouteID:         "route-1",
		OpenedAt:        openedAt,
		OpenLocation:    &models.LocationSample{Lat: 30.0, Lng: -97.0, Timestamp: openedAt},
		CurrentLocation: models.LocationSample{Lat: 30.0, Lng: -97.0, Timestamp: openedAt},
		LastUpdated:     openedAt,
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed, err := st.SubscribeActive(subCtx, "worker-1")
	require.NoError(t, err)
	require.Nil(t, next(t, feed))

	t.Run("upsert is echoed", func(t *testing.T) {
		require.NoError(t, st.UpsertActive(ctx, active))
		got := next(t, feed)
		require.NotNil(t, got)
		require.Equal(t, "session-1", got.SessionID)
		require.True(t, openedAt.Equal(got.OpenedAt))
	})

	t.Run("get returns stored record", func(t *testing.T) {
		got, err := st.GetActive(ctx, "worker-1")
		require.NoError(t, err)
		require.Equal(t, "route-1", got.RouteID)
		require.NotNil(t, got.OpenLocation)
	})

	t.Run("delete of another session is rejected", func(t *testing.T) {
		err := st.DeleteActive(ctx, "worker-1", "session-2")
		require.ErrorIs(t, err, store.ErrSessionMismatch)
	})

	t.Run("upsert of another session is rejected", func(t *testing.T) {
		other := *active
		other.SessionID = "session-2"
		require.ErrorIs(t, st.UpsertActive(ctx, &other), store.ErrSessionMismatch)
	})

	t.Run("update is echoed", func(t *testing.T) {
		moved := *active
		moved.CurrentLocation.Lat = 30.1
		moved.Progress.Pushes = 1
		require.NoError(t, st.UpdateActive(ctx, &moved))

		got := next(t, feed)
		require.NotNil(t, got)
		require.Equal(t, int64(1), got.Progress.Pushes)
	})

	t.Run("delete is reported once", func(t *testing.T) {
		require.NoError(t, st.DeleteActive(ctx, "worker-1", "session-1"))
		require.Nil(t, next(t, feed))

		err := st.DeleteActive(ctx, "worker-1", "session-1")
		require.ErrorIs(t, err, store.ErrActiveNotFound)
		require.ErrorIs(t, st.UpdateActive(ctx, active), store.ErrActiveNotFound)
	})

	t.Run("delete then re-create still reports the absence", func(t *testing.T) {
		require.NoError(t, st.UpsertActive(ctx, active))
		require.Equal(t, "session-1", next(t, feed).SessionID)

		replacement := *active
		replacement.SessionID = "session-3"
		require.NoError(t, st.DeleteActive(ctx, "worker-1", "session-1"))
		require.NoError(t, st.UpsertActive(ctx, &replacement))

		require.Nil(t, next(t, feed))
		got := next(t, feed)
		require.NotNil(t, got)
		require.Equal(t, "session-3", got.SessionID)
	})
}

func TestIntegration_SessionHistory(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &models.ClosedSession{
		SessionID:       "session-1",
		WorkerID:        "worker-1",
		OpenedAt:        day.Add(8 * time.Hour),
		ClosedAt:        day.Add(9 * time.Hour),
		DurationSeconds: 3600,
		Reason:          models.CloseReasonClockOut,
	}

	require.NoError(t, st.AppendHistory(ctx, rec))
	require.NoError(t, st.AppendHistory(ctx, rec))

	got, err := st.ListHistory(ctx, "worker-1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(3600), got[0].DurationSeconds)
}
