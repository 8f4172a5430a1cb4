package shift

import "errors"

var (
	// ErrPermissionDenied means location access or the remote store refused
	// this worker. It needs user action outside the controller.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrLocationUnavailable means no position could be obtained.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrRemoteWriteFailed means a remote write exhausted its retries.
	ErrRemoteWriteFailed = errors.New("remote write failed")
	// ErrRemoteReadFailed means a remote read exhausted its retries.
	ErrRemoteReadFailed = errors.New("remote read failed")
	// ErrInvariantViolation is returned for calls that are illegal in the current state.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrClosed is returned for calls made after Close.
	ErrClosed = errors.New("controller closed")
)
