package bridge

import "errors"

var (
	// ErrNotReady is returned before the initial sync attempt finishes.
	ErrNotReady = errors.New("bridge not ready")
	// ErrNotFound is returned for unknown contact or message ids.
	ErrNotFound = errors.New("not found")
	// ErrNoMedia is returned when a message or profile has no media.
	ErrNoMedia = errors.New("no media")
)
