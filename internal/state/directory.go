package state

import "sync"

// RoomDirectory is the registry of one snapshot per room, indexed by both
// room id and derived contact id. Rooms are never deleted; they are
// soft-retired by ceasing to receive events.
type RoomDirectory struct {
	mu        sync.RWMutex
	rooms     map[string]*RoomSnapshot
	byContact map[string]string // contact id -> room id
}

// NewRoomDirectory creates an empty directory.
func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		rooms:     make(map[string]*RoomSnapshot),
		byContact: make(map[string]string),
	}
}

// Upsert stores a snapshot, overwriting any previous one for the same
// room id, and maintains the contact-id index.
func (d *RoomDirectory) Upsert(snapshot *RoomSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[snapshot.RoomID] = snapshot.clone()
	d.byContact[snapshot.ContactID] = snapshot.RoomID
}

// Get returns a copy of the snapshot for a room id, or nil.
func (d *RoomDirectory) Get(roomID string) *RoomSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if snap, ok := d.rooms[roomID]; ok {
		return snap.clone()
	}
	return nil
}

// ByContactID returns a copy of the snapshot for a contact id, or nil.
func (d *RoomDirectory) ByContactID(contactID string) *RoomSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomID, ok := d.byContact[contactID]
	if !ok {
		return nil
	}
	if snap, ok := d.rooms[roomID]; ok {
		return snap.clone()
	}
	return nil
}

// All returns a point-in-time copy of every snapshot. Mutating the result
// does not affect the directory.
func (d *RoomDirectory) All() []*RoomSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*RoomSnapshot, 0, len(d.rooms))
	for _, snap := range d.rooms {
		out = append(out, snap.clone())
	}
	return out
}

// Len returns the number of known rooms.
func (d *RoomDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
