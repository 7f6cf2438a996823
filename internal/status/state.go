package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/whatsappx/matrix-bridge/internal/bus"
)

// State represents a sync coordinator lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	InitialSync  State = "INITIAL_SYNC"
	Steady       State = "STEADY"
	ErrorBackoff State = "ERROR_BACKOFF"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions. The ingestion loop
// only ever moves Steady<->ErrorBackoff once running; Stopped is
// terminal.
var validTransitions = map[State][]State{
	Idle:         {InitialSync, Stopped},
	InitialSync:  {Steady, Stopped},
	Steady:       {ErrorBackoff, Stopped},
	ErrorBackoff: {Steady, Stopped},
	Stopped:      {},
}

// Machine tracks and enforces coordinator state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "sync.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
