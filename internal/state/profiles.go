package state

import "sync"

// ProfileTable is the process-wide registry of remote user profiles,
// keyed by Matrix user id and upserted on every membership observation.
type ProfileTable struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileTable creates an empty table.
func NewProfileTable() *ProfileTable {
	return &ProfileTable{profiles: make(map[string]Profile)}
}

// Upsert stores the profile for a user id. Idempotent.
func (t *ProfileTable) Upsert(userID string, profile Profile) {
	t.mu.Lock()
	t.profiles[userID] = profile
	t.mu.Unlock()
}

// Get returns the profile for a user id. The second return is false when
// the user has never been observed.
func (t *ProfileTable) Get(userID string) (Profile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[userID]
	return p, ok
}
