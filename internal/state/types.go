// Package state holds the bridge's authoritative in-memory view of rooms,
// participants and the bounded message working set, plus the durable mute
// store. The sync coordinator is the sole writer; everything handed to
// readers is a copy.
package state

import "github.com/whatsappx/matrix-bridge/internal/legacy"

// RoomSnapshot is the directory's current view of one room. RoomID and
// ContactID are immutable after creation; ContactID is a pure function of
// RoomID so it needs no persistence.
type RoomSnapshot struct {
	RoomID        string
	ContactID     string
	IsGroup       bool
	Name          string
	Topic         string
	AvatarURL     string
	LastEventTS   int64
	LastMessageID string
	UnreadCount   int
	Participants  []string
}

// clone returns a deep copy safe to hand outside the directory.
func (s *RoomSnapshot) clone() *RoomSnapshot {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	return &cp
}

// HasParticipant reports whether a user is already listed on the snapshot.
func (s *RoomSnapshot) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// MessageRecord is one translated message. Immutable once inserted;
// redactions broadcast a revoke notification instead of mutating the
// record.
type MessageRecord struct {
	EventID   string
	RoomID    string
	ContactID string
	IsGroup   bool
	Payload   *legacy.Message
}

// Profile is the process-wide view of one remote user, upserted on every
// membership observation.
type Profile struct {
	DisplayName string
	AvatarURL   string
	StatusMsg   string
}
