// Package location wraps a device location API behind a push-stream interface.
package location

import (
	"context"

	"github.com/wolfeidau/shiftrunner/internal/models"
)

// MinDistanceFilterMeters is the smallest movement between two delivered samples.
const MinDistanceFilterMeters = 10.0

// Authorization is the device's location permission state.
type Authorization int

const (
	AuthorizationNotDetermined Authorization = iota
	AuthorizationWhenInUse
	AuthorizationAlways
	AuthorizationDenied
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationNotDetermined:
		return "not_determined"
	case AuthorizationWhenInUse:
		return "when_in_use"
	case AuthorizationAlways:
		return "always"
	case AuthorizationDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Granted reports whether samples may be collected under a.
func (a Authorization) Granted() bool {
	return a == AuthorizationWhenInUse || a == AuthorizationAlways
}

// Level is the permission tier requested from the user.
type Level int

const (
	LevelWhenInUse Level = iota
	LevelAlways
)

func (l Level) String() string {
	if l == LevelAlways {
		return "always"
	}
	return "when_in_use"
}

// Provider is a device location source.
//
// Samples and AuthorizationChanges are hot streams: they keep running
// independently of any consumer and support multiple subscribers. Each
// returned channel is closed once its context is cancelled.
type Provider interface {
	// Authorization returns the current permission state.
	Authorization() Authorization

	// RequestAuthorization asks the user for permission. The outcome is delivered
	// on AuthorizationChanges and may never arrive.
	RequestAuthorization(level Level)

	AuthorizationChanges(ctx context.Context) <-chan Authorization

	// Samples streams position readings. New subscribers receive the freshest
	// known sample first.
	Samples(ctx context.Context) <-chan models.LocationSample

	// Start and Stop switch the underlying hardware sampling on and off.
	Start() error
	Stop() error
}

// Config is fixed at construction and bounds stream volume at the source.
type Config struct {
	// DistanceFilterMeters drops samples closer than this to the previous one.
	// Values below MinDistanceFilterMeters are raised to it.
	DistanceFilterMeters float64 `yaml:"distance_filter_meters"`

	// DesiredAccuracyMeters is reported as the accuracy of samples that carry none.
	DesiredAccuracyMeters float64 `yaml:"desired_accuracy_meters"`
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DistanceFilterMeters < MinDistanceFilterMeters {
		c.DistanceFilterMeters = MinDistanceFilterMeters
	}
	if c.DesiredAccuracyMeters <= 0 {
		c.DesiredAccuracyMeters = 10
	}
}
