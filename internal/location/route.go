package location

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/shiftrunner/internal/clock"
	"github.com/wolfeidau/shiftrunner/internal/geo"
	"github.com/wolfeidau/shiftrunner/internal/models"
)

// Waypoint is a point on a simulated route.
type Waypoint struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// RouteWalker moves a Simulated provider along a polyline at a constant speed,
// emitting one sample per interval.
type RouteWalker struct {
	provider  *Simulated
	clock     clock.Clock
	waypoints []Waypoint
	speed     float64
	interval  time.Duration
}

// NewRouteWalker creates a walker. speed is in metres per second.
func NewRouteWalker(provider *Simulated, clk clock.Clock, waypoints []Waypoint, speed float64, interval time.Duration) (*RouteWalker, error) {
	if len(waypoints) < 2 {
		return nil, errors.New("route needs at least two waypoints")
	}
	if speed <= 0 {
		return nil, errors.New("speed must be positive")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	return &RouteWalker{
		provider:  provider,
		clock:     clk,
		waypoints: waypoints,
		speed:     speed,
		interval:  interval,
	}, nil
}

// Run walks the route until the final waypoint is reached or ctx is cancelled.
func (w *RouteWalker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	leg := 0
	progressed := 0.0 // metres along the current leg
	step := w.speed * w.interval.Seconds()

	w.emit(w.waypoints[0], w.waypoints[1])

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		progressed += step
		for leg < len(w.waypoints)-1 {
			from, to := w.waypoints[leg], w.waypoints[leg+1]
			legLen := geo.DistanceMeters(from.Lat, from.Lng, to.Lat, to.Lng)
			if progressed < legLen {
				lat, lng := geo.Interpolate(from.Lat, from.Lng, to.Lat, to.Lng, progressed/legLen)
				w.emit(Waypoint{Lat: lat, Lng: lng}, to)
				break
			}
			progressed -= legLen
			leg++
		}

		if leg >= len(w.waypoints)-1 {
			last := w.waypoints[len(w.waypoints)-1]
			w.emit(last, last)
			log.Debug().Int("waypoints", len(w.waypoints)).Msg("Route walk complete")
			return nil
		}
	}
}

func (w *RouteWalker) emit(at, toward Waypoint) {
	speed := w.speed
	heading := geo.BearingDegrees(at.Lat, at.Lng, toward.Lat, toward.Lng)
	w.provider.Emit(models.LocationSample{
		Lat:       at.Lat,
		Lng:       at.Lng,
		Timestamp: w.clock.Now(),
		Speed:     &speed,
		Heading:   &heading,
	})
}
