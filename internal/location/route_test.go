package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/shiftrunner/internal/clock"
)

func TestRouteWalker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	p := NewSimulated(Config{}, AuthorizationAlways)
	require.NoError(t, p.Start())
	samples := p.Samples(ctx)

	// ~111m north, walked at 50m per tick
	route := []Waypoint{{Lat: 30.0, Lng: -97.0}, {Lat: 30.001, Lng: -97.0}}
	walker, err := NewRouteWalker(p, clk, route, 5, 10*time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- walker.Run(ctx) }()

	first := <-samples
	require.Equal(t, 30.0, first.Lat)
	require.NotNil(t, first.Heading)
	require.InDelta(t, 0, *first.Heading, 1e-6)

	require.Eventually(t, func() bool { return clk.ActiveTickers() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Second)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("walker did not finish")
	}

	var last float64
	for len(samples) > 0 {
		last = (<-samples).Lat
	}
	require.Equal(t, 30.001, last)
}

func TestRouteWalkerValidation(t *testing.T) {
	p := NewSimulated(Config{}, AuthorizationAlways)
	_, err := NewRouteWalker(p, clock.Real{}, []Waypoint{{Lat: 1, Lng: 1}}, 1, time.Second)
	require.Error(t, err)
	_, err = NewRouteWalker(p, clock.Real{}, []Waypoint{{}, {Lat: 1}}, 0, time.Second)
	require.Error(t, err)
}
