package shift

import (
	"time"

	"github.com/wolfeidau/shiftrunner/internal/location"
	"github.com/wolfeidau/shiftrunner/internal/models"
)

// State is the controller's session state. The concrete types are ClosedIdle,
// Opening, Open, Closing and Failed.
type State interface {
	Name() string
	isState()
}

// Stage is the step an Opening session is waiting on.
type Stage string

const (
	StageAwaitingAuthorization Stage = "awaiting_authorization"
	StageAwaitingSample        Stage = "awaiting_sample"
	StageWriting               Stage = "writing"
)

// FailureReason classifies a Failed state.
type FailureReason string

const (
	ReasonPermissionDenied    FailureReason = "permission_denied"
	ReasonLocationUnavailable FailureReason = "location_unavailable"
	ReasonRemoteWriteFailed   FailureReason = "remote_write_failed"
	ReasonRemoteReadFailed    FailureReason = "remote_read_failed"
)

// ClosedIdle means no session is open.
type ClosedIdle struct{}

// Opening means a clock-in is in progress.
type Opening struct {
	Stage Stage
}

// Open means a session is open and the push loop is running.
type Open struct {
	SessionID string
	OpenedAt  time.Time
	// LastSample is the freshest sample received, pushed or not.
	LastSample *models.LocationSample
	// LastPushedAt is the tick time of the last successful push.
	LastPushedAt time.Time
	// ConsecutivePushFailures resets on every successful push.
	ConsecutivePushFailures int
}

// Closing means the history append and active record delete are in progress.
type Closing struct {
	SessionID string
	OpenedAt  time.Time
}

// Failed is a terminal state for the current attempt. When PendingClose is
// set the session could not be closed and ClockOut resumes the close.
type Failed struct {
	Reason    FailureReason
	Err       error
	Retryable bool
	// PendingClose is the session id still awaiting its close, if any.
	PendingClose string
}

func (ClosedIdle) Name() string { return "closed_idle" }
func (Opening) Name() string    { return "opening" }
func (Open) Name() string       { return "open" }
func (Closing) Name() string    { return "closing" }
func (Failed) Name() string     { return "failed" }

func (ClosedIdle) isState() {}
func (Opening) isState()    {}
func (Open) isState()       {}
func (Closing) isState()    {}
func (Failed) isState()     {}

// Snapshot is an immutable view of the controller published after every transition.
type Snapshot struct {
	WorkerID string
	State    State

	// Elapsed is LastTick - OpenedAt for an open session, recomputed on every tick.
	Elapsed  time.Duration
	LastTick time.Time

	Authorization location.Authorization

	// Version increases with every published snapshot.
	Version uint64
}

// SessionID returns the id of the open or closing session, if any.
func (s Snapshot) SessionID() string {
	switch st := s.State.(type) {
	case Open:
		return st.SessionID
	case Closing:
		return st.SessionID
	case Failed:
		return st.PendingClose
	}
	return ""
}

// IsOpen reports whether the snapshot is in the Open state.
func (s Snapshot) IsOpen() bool {
	_, ok := s.State.(Open)
	return ok
}

func cloneState(st State) State {
	if o, ok := st.(Open); ok && o.LastSample != nil {
		sample := *o.LastSample
		o.LastSample = &sample
		return o
	}
	return st
}
