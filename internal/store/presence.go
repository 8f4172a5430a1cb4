package store

import "github.com/wolfeidau/shiftrunner/internal/models"

// PresenceFilter enforces the SubscribeActive delivery rules for feeds built
// on notifications that may repeat: the first value always passes, present
// values always pass, and nil passes only after a present value.
type PresenceFilter struct {
	started bool
	present bool
}

// Admit reports whether active should be delivered and records it.
func (f *PresenceFilter) Admit(active *models.ActiveSession) bool {
	if f.started && active == nil && !f.present {
		return false
	}
	f.started = true
	f.present = active != nil
	return true
}
