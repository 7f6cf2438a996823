package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "notify.*" carries legacy.Frame payloads for
// the notification socket, "sync.*" carries coordinator lifecycle
// signals.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces used across the bridge.
const (
	NamespaceNotify = "notify."
	NamespaceSync   = "sync."
)
