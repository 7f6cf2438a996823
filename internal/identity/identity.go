// Package identity derives the short, stable contact identifiers the
// legacy schema uses in place of Matrix room and user ids. Derivation is
// a one-way hash, so the mapping survives restarts without persistence;
// the reverse direction is a best-effort cache populated as ids are
// observed.
package identity

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
)

// ContactIDLength is the length of a derived contact id, matching the
// identifier width of the legacy schema.
const ContactIDLength = 16

// Legacy address suffixes.
const (
	GroupServer  = "g.us"
	DirectServer = "c.us"
)

// ContactIDFromRoom derives the contact id for a room.
func ContactIDFromRoom(roomID string) string {
	sum := sha1.Sum([]byte(roomID))
	return hex.EncodeToString(sum[:])[:ContactIDLength]
}

// ContactIDFromUser derives the contact id for a user. Rooms and users
// hash differently so a user and their 1:1 room get distinct ids.
func ContactIDFromUser(userID string) string {
	sum := md5.Sum([]byte(userID))
	return hex.EncodeToString(sum[:])[:ContactIDLength]
}

// LegacyAddress formats a contact id with the schema suffix that
// distinguishes group from direct addressing.
func LegacyAddress(contactID string, isGroup bool) string {
	if isGroup {
		return fmt.Sprintf("%s@%s", contactID, GroupServer)
	}
	return fmt.Sprintf("%s@%s", contactID, DirectServer)
}

// Server returns the bare address suffix for a chat kind.
func Server(isGroup bool) string {
	if isGroup {
		return GroupServer
	}
	return DirectServer
}

// Mapper caches reverse lookups from contact ids back to the Matrix ids
// they were derived from. Hash collisions are not defended against; the
// id space is assumed large relative to the expected number of rooms and
// users.
type Mapper struct {
	mu    sync.RWMutex
	rooms map[string]string // contact id -> room id
	users map[string]string // contact id -> user id
}

// NewMapper creates an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{
		rooms: make(map[string]string),
		users: make(map[string]string),
	}
}

// ObserveRoom derives and remembers the contact id for a room.
func (m *Mapper) ObserveRoom(roomID string) string {
	contactID := ContactIDFromRoom(roomID)
	m.mu.Lock()
	m.rooms[contactID] = roomID
	m.mu.Unlock()
	return contactID
}

// ObserveUser derives and remembers the contact id for a user.
func (m *Mapper) ObserveUser(userID string) string {
	contactID := ContactIDFromUser(userID)
	m.mu.Lock()
	m.users[contactID] = userID
	m.mu.Unlock()
	return contactID
}

// RoomFor resolves a contact id back to a room id. The second return is
// false if the room has not been observed yet.
func (m *Mapper) RoomFor(contactID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.rooms[contactID]
	return roomID, ok
}

// UserFor resolves a contact id back to a user id. The second return is
// false if the user has not been observed yet.
func (m *Mapper) UserFor(contactID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.users[contactID]
	return userID, ok
}
