package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/shiftrunner/internal/models"
)

// Sentinel errors for common error conditions
var (
	// ErrActiveNotFound is returned when updating or deleting an active session
	// that no longer exists. Callers closing a session treat it as already closed.
	ErrActiveNotFound = errors.New("active session not found")
	// ErrSessionMismatch is returned when a write or delete names a session other
	// than the worker's current one.
	ErrSessionMismatch = errors.New("active session belongs to a different session id")
	// ErrPermissionDenied is fatal for the worker: retrying cannot succeed.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable marks transient backend failures.
	ErrUnavailable = errors.New("session store unavailable")
)

// SessionStore is the remote record of open and completed sessions.
//
// It is a passive transport: it holds no business rules beyond keeping at
// most one active record per worker and at most one history record per
// session id.
type SessionStore interface {
	// UpsertActive creates the worker's active session record, or replaces it
	// when it belongs to the same session. Returns ErrSessionMismatch when the
	// worker already has a record for another session.
	UpsertActive(ctx context.Context, active *models.ActiveSession) error

	// UpdateActive replaces the worker's record only if it still holds
	// active.SessionID; it never creates one. Returns ErrActiveNotFound when the
	// worker has no record and ErrSessionMismatch when it holds another session.
	UpdateActive(ctx context.Context, active *models.ActiveSession) error

	// DeleteActive removes the worker's active record for sessionID.
	// Returns ErrActiveNotFound when no such record exists.
	DeleteActive(ctx context.Context, workerID, sessionID string) error

	// GetActive returns the worker's active record, or nil when there is none.
	GetActive(ctx context.Context, workerID string) (*models.ActiveSession, error)

	// SubscribeActive streams the worker's active record. The current value is
	// sent first; afterwards every mutation (including the subscriber's own
	// writes) is sent as a record, and nil is sent once each time the record
	// goes from present to absent. The channel is closed when ctx is done.
	SubscribeActive(ctx context.Context, workerID string) (<-chan *models.ActiveSession, error)

	// AppendHistory stores a closed session. Appending the same session id
	// twice is a no-op.
	AppendHistory(ctx context.Context, closed *models.ClosedSession) error

	// ListHistory returns closed sessions for the worker with from <= ClosedAt < to,
	// ordered by ClosedAt.
	ListHistory(ctx context.Context, workerID string, from, to time.Time) ([]*models.ClosedSession, error)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSessionMismatch) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
