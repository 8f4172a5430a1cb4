package models

import (
	"time"
)

// CloseReason records why a session was closed.
type CloseReason string

const (
	// CloseReasonClockOut is a clock-out requested on this device.
	CloseReasonClockOut CloseReason = "clock_out"
	// CloseReasonExternal is a session whose active record was removed by another actor.
	CloseReasonExternal CloseReason = "external"
	// CloseReasonPermissionRevoked is a session closed because location access was withdrawn.
	CloseReasonPermissionRevoked CloseReason = "permission_revoked"
)

// ActiveSession is the single remote record describing a worker's open session.
// It is created on clock-in, updated by the owning controller's push loop and
// deleted by whichever actor clocks the worker out.
type ActiveSession struct {
	SessionID string `json:"session_id"` // UUIDv7
	WorkerID  string `json:"worker_id"`
	CompanyID string `json:"company_id"`
	RouteID   string `json:"route_id,omitempty"`

	OpenedAt        time.Time       `json:"opened_at"`
	OpenLocation    *LocationSample `json:"open_location,omitempty"`
	CurrentLocation LocationSample  `json:"current_location"`
	Progress        RouteProgress   `json:"progress"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (a *ActiveSession) Clone() *ActiveSession {
	if a == nil {
		return nil
	}
	clone := *a
	if a.OpenLocation != nil {
		loc := *a.OpenLocation
		clone.OpenLocation = &loc
	}
	return &clone
}

// ClosedSession is the immutable history record written once per completed session.
type ClosedSession struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	CompanyID string `json:"company_id"`

	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at"`
	OpenLocation  *LocationSample `json:"open_location,omitempty"`
	CloseLocation *LocationSample `json:"close_location,omitempty"`

	// DurationSeconds is always derived from ClosedAt - OpenedAt.
	DurationSeconds int64       `json:"duration_seconds"`
	Reason          CloseReason `json:"reason"`
}

// NewClosedSession builds the history record for an active session closed at closedAt.
func NewClosedSession(active *ActiveSession, closedAt time.Time, closeLocation *LocationSample, reason CloseReason) *ClosedSession {
	rec := &ClosedSession{
		SessionID:       active.SessionID,
		WorkerID:        active.WorkerID,
		CompanyID:       active.CompanyID,
		OpenedAt:        active.OpenedAt,
		ClosedAt:        closedAt,
		DurationSeconds: DurationSeconds(active.OpenedAt, closedAt),
		Reason:          reason,
	}
	if active.OpenLocation != nil {
		loc := *active.OpenLocation
		rec.OpenLocation = &loc
	}
	if closeLocation != nil {
		loc := *closeLocation
		rec.CloseLocation = &loc
	}
	return rec
}

// Duration returns the worked time of the closed session.
func (c *ClosedSession) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// DurationSeconds returns whole seconds between openedAt and closedAt, never negative.
func DurationSeconds(openedAt, closedAt time.Time) int64 {
	d := closedAt.Sub(openedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
