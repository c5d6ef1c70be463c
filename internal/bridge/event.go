// Package bridge implements the event bridge protocol between a sandboxed
// game document and its host: the four observational event kinds, the
// batching queue with its overflow policy, and host-to-game routing.
//
// The bridge is modeled as an explicit state machine with a bounded queue
// rather than ad hoc callbacks, so ordering and drop behavior are
// testable. Events are observational; they never mutate server state
// directly.
package bridge

// EventKind tags an event emitted by the game document.
type EventKind string

const (
	// EventTransition marks a game lifecycle transition (level change,
	// game over screen, …).
	EventTransition EventKind = "TRANSITION"
	// EventInteraction marks an intent on a marked interactive element.
	EventInteraction EventKind = "INTERACTION"
	// EventUpdate marks an observed state change. Metadata.Scope
	// distinguishes a state-marker mutation seen in the document (local)
	// from authoritative state pushed by the host (remote).
	EventUpdate EventKind = "UPDATE"
	// EventError reports a failure; never batched, never dropped.
	EventError EventKind = "ERROR"
)

var validEventKinds = map[EventKind]struct{}{
	EventTransition:  {},
	EventInteraction: {},
	EventUpdate:      {},
	EventError:       {},
}

// Valid reports whether the kind is one of the four emit kinds.
func (k EventKind) Valid() bool {
	_, ok := validEventKinds[k]
	return ok
}

// HostEventKind tags a message the host sends into the bridge.
type HostEventKind string

const (
	HostStateUpdate  HostEventKind = "STATE_UPDATE"
	HostPlayerAction HostEventKind = "PLAYER_ACTION"
	HostGameEvent    HostEventKind = "GAME_EVENT"
	HostConfigUpdate HostEventKind = "CONFIG_UPDATE"
	// HostError is a bridge-local synthetic kind: send failures are
	// reported to local subscribers under it. The host never sees these.
	HostError HostEventKind = "ERROR"
	// Wildcard subscribes to every host event kind.
	Wildcard HostEventKind = "*"
)

var validHostKinds = map[HostEventKind]struct{}{
	HostStateUpdate:  {},
	HostPlayerAction: {},
	HostGameEvent:    {},
	HostConfigUpdate: {},
}

// Priority orders events within the flush policy.
type Priority string

const (
	PriorityNormal Priority = "normal"
	// PriorityHigh bypasses batching; the queue flushes immediately.
	PriorityHigh Priority = "high"
)

// Scope qualifies an UPDATE event's origin.
type Scope string

const (
	// ScopeLocal marks a state-marker mutation observed in the document.
	ScopeLocal Scope = "local"
	// ScopeRemote marks authoritative state applied from the host.
	ScopeRemote Scope = "remote"
)

// Metadata stamps every emitted event.
type Metadata struct {
	RoomID         string   `json:"roomId"`
	PlayerID       string   `json:"playerId"`
	SessionID      string   `json:"sessionId"`
	Timestamp      int64    `json:"timestamp"` // unix millis
	SequenceNumber uint64   `json:"sequenceNumber"`
	Priority       Priority `json:"priority"`
	Scope          Scope    `json:"scope,omitempty"`
}

// Event is one observation emitted by the game document.
type Event struct {
	Type     EventKind      `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// EnvelopeSource identifies bridge traffic among arbitrary frame messages.
const EnvelopeSource = "GameEventBridge"

// Envelope is the structured batch posted to the enclosing host.
type Envelope struct {
	Source   string  `json:"source"` // always EnvelopeSource
	RoomID   string  `json:"roomId"`
	PlayerID string  `json:"playerId"`
	Events   []Event `json:"events"`
}

// HostMessage is a message the host posts toward the bridge.
type HostMessage struct {
	Target string         `json:"target"` // always EnvelopeSource
	RoomID string         `json:"roomId"`
	Type   HostEventKind  `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
}
