package models

import "time"

// LocationSample is one position reading. Samples are passed by value and never mutated.
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`

	// Speed in metres per second, when the provider reports it.
	Speed *float64 `json:"speed,omitempty"`
	// Heading in degrees from true north, when the provider reports it.
	Heading *float64 `json:"heading,omitempty"`
	// Accuracy is the horizontal accuracy radius in metres.
	Accuracy float64 `json:"accuracy"`
}

// NewerThan reports whether s was captured after t.
func (s LocationSample) NewerThan(t time.Time) bool {
	return s.Timestamp.After(t)
}

// RouteProgress is the progress summary dashboards read from the active record.
type RouteProgress struct {
	DistanceMeters float64 `json:"distance_meters"`
	Pushes         int64   `json:"pushes"`
}
