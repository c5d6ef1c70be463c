// Package game holds the domain model for multiplayer rooms: the room
// record, its opaque state document, players, actions, and broadcasts.
// Packages above this one (registry, runtime, convert) depend on game and
// never the other way around.
package game

import (
	"errors"
	"strings"
	"time"
)

// Phase is the gameplay lifecycle of a room.
type Phase string

const (
	// PhaseLobby accepts JOIN actions while waiting for a START.
	PhaseLobby Phase = "lobby"
	// PhaseActive is live gameplay.
	PhaseActive Phase = "active"
	// PhaseEnded is terminal; only snapshot and subscribe are served.
	PhaseEnded Phase = "ended"
)

// ConversionStatus is the lifecycle of producing a room's artifact pair.
type ConversionStatus string

const (
	ConversionPending    ConversionStatus = "pending"
	ConversionProcessing ConversionStatus = "processing"
	ConversionComplete   ConversionStatus = "complete"
	ConversionFailed     ConversionStatus = "failed"
)

var (
	// ErrEmptyRoomID indicates a room id is required.
	ErrEmptyRoomID = errors.New("room id is required")
	// ErrEmptyKind indicates a game kind is required.
	ErrEmptyKind = errors.New("game kind is required")
)

// Room is a single multiplayer game instance. State is the authoritative
// opaque document; Phase and Version are denormalized from commit results
// for queries that must not decode the document.
type Room struct {
	ID   string
	Kind string
	// SourceRef is the original document artifact; it survives failed
	// conversions so a retry can start over.
	SourceRef        string
	DocumentRef      string
	ValidatorRef     string
	State            Document
	Metadata         map[string]any
	Version          int64
	Phase            Phase
	ConversionStatus ConversionStatus
	ConversionError  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewRoom builds a room in pending conversion status with a fresh lobby
// state document.
func NewRoom(id, kind string, now time.Time) (Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Room{}, ErrEmptyRoomID
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Room{}, ErrEmptyKind
	}
	return Room{
		ID:               id,
		Kind:             kind,
		State:            NewDocument(),
		Metadata:         map[string]any{},
		Version:          0,
		Phase:            PhaseLobby,
		ConversionStatus: ConversionPending,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}, nil
}

// Players returns the player records from the state document in insertion
// order.
func (r Room) Players() []PlayerRecord {
	return r.State.Players()
}

// Ready reports whether the room may accept gameplay traffic.
func (r Room) Ready() bool {
	return r.ConversionStatus == ConversionComplete
}

// Terminal reports whether the room finished its gameplay lifecycle.
func (r Room) Terminal() bool {
	return r.Phase == PhaseEnded
}
