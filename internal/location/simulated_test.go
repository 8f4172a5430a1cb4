package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/shiftrunner/internal/models"
)

func sampleAt(lat, lng float64, ts time.Time) models.LocationSample {
	return models.LocationSample{Lat: lat, Lng: lng, Timestamp: ts}
}

func TestSimulatedConfigDefaults(t *testing.T) {
	p := NewSimulated(Config{DistanceFilterMeters: 2}, AuthorizationWhenInUse)
	require.Equal(t, MinDistanceFilterMeters, p.Config().DistanceFilterMeters)
	require.Equal(t, 10.0, p.Config().DesiredAccuracyMeters)
}

func TestSimulatedSamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("dropped while stopped", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationWhenInUse)
		require.False(t, p.Emit(sampleAt(30.0, -97.0, now)))
	})

	t.Run("start requires authorization", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationDenied)
		require.ErrorIs(t, p.Start(), ErrNotAuthorized)
	})

	t.Run("distance filter", func(t *testing.T) {
		p := NewSimulated(Config{DistanceFilterMeters: 10}, AuthorizationAlways)
		require.NoError(t, p.Start())
		ch := p.Samples(ctx)

		require.True(t, p.Emit(sampleAt(30.0, -97.0, now)))
		// roughly 1m north
		require.False(t, p.Emit(sampleAt(30.00001, -97.0, now.Add(time.Second))))
		// roughly 111m north
		require.True(t, p.Emit(sampleAt(30.001, -97.0, now.Add(2*time.Second))))

		first := <-ch
		require.Equal(t, 30.0, first.Lat)
		require.Equal(t, 10.0, first.Accuracy)
		second := <-ch
		require.Equal(t, 30.001, second.Lat)
	})

	t.Run("late subscriber gets freshest sample", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationAlways)
		p.Seed(sampleAt(30.0, -97.0, now))

		ch := p.Samples(ctx)
		select {
		case s := <-ch:
			require.Equal(t, -97.0, s.Lng)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for replayed sample")
		}
	})

	t.Run("full subscriber keeps the newest sample", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationAlways)
		require.NoError(t, p.Start())
		ch := p.Samples(ctx)

		// nothing is read while twice the buffer is emitted
		var last models.LocationSample
		for i := range 2 * cap(ch) {
			last = sampleAt(30.0+float64(i)*0.001, -97.0, now.Add(time.Duration(i)*time.Second))
			require.True(t, p.Emit(last))
		}
		require.Equal(t, cap(ch), len(ch))

		var got models.LocationSample
		for len(ch) > 0 {
			got = <-ch
		}
		require.Equal(t, last.Lat, got.Lat)
		require.True(t, last.Timestamp.Equal(got.Timestamp))
	})

	t.Run("stream closes on cancel", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationAlways)
		subCtx, subCancel := context.WithCancel(ctx)
		ch := p.Samples(subCtx)
		require.Equal(t, 1, p.Subscribers())

		subCancel()
		_, ok := <-ch
		require.False(t, ok)
		require.Eventually(t, func() bool { return p.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	})
}

func TestSimulatedAuthorization(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("unanswered request", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationNotDetermined)
		changes := p.AuthorizationChanges(ctx)
		p.RequestAuthorization(LevelWhenInUse)

		select {
		case <-changes:
			t.Fatal("request should not resolve on its own")
		case <-time.After(20 * time.Millisecond):
		}
		require.Equal(t, []Level{LevelWhenInUse}, p.Requests())
	})

	t.Run("request resolves to configured response", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationNotDetermined)
		p.SetRequestResponse(AuthorizationAlways)
		changes := p.AuthorizationChanges(ctx)
		p.RequestAuthorization(LevelAlways)

		select {
		case a := <-changes:
			require.Equal(t, AuthorizationAlways, a)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for authorization")
		}
		require.Equal(t, AuthorizationAlways, p.Authorization())
	})

	t.Run("full subscriber still sees a revocation", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationNotDetermined)
		changes := p.AuthorizationChanges(ctx)

		granted := []Authorization{AuthorizationWhenInUse, AuthorizationAlways}
		for i := range 2 * cap(changes) {
			p.SetAuthorization(granted[i%2])
		}
		p.SetAuthorization(AuthorizationDenied)
		require.Equal(t, cap(changes), len(changes))

		var last Authorization
		for len(changes) > 0 {
			last = <-changes
		}
		require.Equal(t, AuthorizationDenied, last)
	})

	t.Run("revocation stops sampling", func(t *testing.T) {
		p := NewSimulated(Config{}, AuthorizationWhenInUse)
		require.NoError(t, p.Start())
		p.SetAuthorization(AuthorizationDenied)
		require.False(t, p.Running())
	})
}

func TestAuthorizationString(t *testing.T) {
	require.Equal(t, "when_in_use", AuthorizationWhenInUse.String())
	require.Equal(t, "denied", AuthorizationDenied.String())
	require.True(t, AuthorizationAlways.Granted())
	require.False(t, AuthorizationNotDetermined.Granted())
}
