package state

import "sync"

// DefaultCacheCapacity is the per-room working-set size.
const DefaultCacheCapacity = 512

// MessageCache is the bounded per-room message working set plus a global
// index by event id. When a room's buffer exceeds capacity the oldest
// record is evicted from both structures, so the index always contains
// exactly the union of the buffers.
type MessageCache struct {
	mu       sync.RWMutex
	rooms    map[string][]*MessageRecord
	index    map[string]*MessageRecord
	capacity int
}

// NewMessageCache creates a cache with the given per-room capacity.
// A capacity of zero or less falls back to DefaultCacheCapacity.
func NewMessageCache(capacity int) *MessageCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &MessageCache{
		rooms:    make(map[string][]*MessageRecord),
		index:    make(map[string]*MessageRecord),
		capacity: capacity,
	}
}

// Add appends a record to its room's buffer and the global index,
// evicting the oldest record when the room exceeds capacity. Duplicate
// delivery of an event id replaces the existing record in place; a
// second buffer entry would break the index/buffer invariant on
// eviction.
func (c *MessageCache) Add(record *MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.index[record.EventID]; ok {
		buf := c.rooms[existing.RoomID]
		for i, r := range buf {
			if r.EventID == record.EventID {
				buf[i] = record
				break
			}
		}
		c.index[record.EventID] = record
		return
	}
	buf := append(c.rooms[record.RoomID], record)
	c.index[record.EventID] = record
	for len(buf) > c.capacity {
		evicted := buf[0]
		buf = buf[1:]
		delete(c.index, evicted.EventID)
	}
	c.rooms[record.RoomID] = buf
}

// GetRoom returns a copy of a room's buffer, oldest first.
func (c *MessageCache) GetRoom(roomID string) []*MessageRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*MessageRecord(nil), c.rooms[roomID]...)
}

// GetMessage returns the record for an event id, or nil.
func (c *MessageCache) GetMessage(eventID string) *MessageRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index[eventID]
}

// ClearRoom empties a room's buffer and removes its entries from the
// index. Other rooms are untouched; the room's snapshot is not.
func (c *MessageCache) ClearRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.rooms[roomID] {
		delete(c.index, record.EventID)
	}
	delete(c.rooms, roomID)
}

// RoomLen returns the number of cached records for a room.
func (c *MessageCache) RoomLen(roomID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms[roomID])
}

// IndexLen returns the total number of indexed records.
func (c *MessageCache) IndexLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}
