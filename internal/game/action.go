package game

import (
	"errors"
	"strings"
)

// ActionKind tags a client action. The five standard kinds get generic
// precondition checks and fallback handling; anything else is a
// game-defined custom tag admitted solely by the room's validator.
type ActionKind string

const (
	ActionJoin   ActionKind = "JOIN"
	ActionStart  ActionKind = "START"
	ActionMove   ActionKind = "MOVE"
	ActionUpdate ActionKind = "UPDATE"
	ActionEnd    ActionKind = "END"
)

var standardActionKinds = map[ActionKind]struct{}{
	ActionJoin:   {},
	ActionStart:  {},
	ActionMove:   {},
	ActionUpdate: {},
	ActionEnd:    {},
}

// Standard reports whether the kind is one of the five built-in kinds.
func (k ActionKind) Standard() bool {
	_, ok := standardActionKinds[k]
	return ok
}

var (
	// ErrEmptyActionKind indicates an action kind is required.
	ErrEmptyActionKind = errors.New("action kind is required")
	// ErrEmptyPlayerID indicates a player id is required.
	ErrEmptyPlayerID = errors.New("player id is required")
)

// Action is a client request to mutate a room. PlayerID is asserted by the
// transport from the authenticated caller; any player id inside Data is
// ignored.
type Action struct {
	Kind      ActionKind     `json:"type"`
	PlayerID  string         `json:"playerId"`
	Data      map[string]any `json:"data,omitempty"`
	ClientSeq *int64         `json:"clientSeq,omitempty"`
}

// NormalizeAction validates and canonicalizes an action. Custom kinds are
// uppercased so validator dispatch tables stay case-insensitive.
func NormalizeAction(action Action) (Action, error) {
	kind := ActionKind(strings.ToUpper(strings.TrimSpace(string(action.Kind))))
	if kind == "" {
		return Action{}, ErrEmptyActionKind
	}
	action.Kind = kind

	action.PlayerID = strings.TrimSpace(action.PlayerID)
	if action.PlayerID == "" {
		return Action{}, ErrEmptyPlayerID
	}
	if action.Data == nil {
		action.Data = map[string]any{}
	}
	return action, nil
}
