package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MuteStore maps contact ids to absolute mute expirations (epoch
// seconds). Absence means not muted; an expiration in the past is
// logically expired but kept until overwritten. Every mutation rewrites
// the backing JSON file before returning, so mute state survives a
// restart without replay.
type MuteStore struct {
	mu   sync.RWMutex
	path string
	data map[string]int64
}

// OpenMuteStore loads the store from path, creating an empty file if none
// exists. An empty path keeps the store memory-only (tests).
func OpenMuteStore(path string) (*MuteStore, error) {
	s := &MuteStore{path: path, data: make(map[string]int64)}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create mute store dir: %w", err)
		}
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mute store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse mute store: %w", err)
	}
	return s, nil
}

// Get returns the expiration for a contact id, or 0 if absent.
func (s *MuteStore) Get(contactID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[contactID]
}

// Set stores an expiration for a contact id. An expiration of zero or
// less removes the entry. The change is flushed synchronously.
func (s *MuteStore) Set(contactID string, expiration int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiration <= 0 {
		delete(s.data, contactID)
	} else {
		s.data[contactID] = expiration
	}
	return s.flushLocked()
}

func (s *MuteStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mute store: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write mute store: %w", err)
	}
	return nil
}
