// Package validator defines the admission contract every room validator
// implements, plus the generic fallback rules used when a room has no
// deployed validator module.
//
// A validator is a pure function over (state, action): it must be
// deterministic modulo the provided timestamp and must not touch the
// clock, randomness, network, or storage. Any nondeterminism a game needs
// is derived from state fields or the action payload.
package validator

import (
	"context"

	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
)

// Input is the single argument to a validator invocation.
type Input struct {
	Action    string         `json:"action"`
	State     game.Document  `json:"state"`
	PlayerID  string         `json:"playerId"`
	Data      map[string]any `json:"data"`
	RoomID    string         `json:"roomId"`
	Timestamp int64          `json:"timestamp"` // unix millis, the only time source
}

// Result is the validator's verdict. UpdatedState is the complete next
// state document on acceptance; a rejection carries only Reason.
type Result struct {
	Valid        bool               `json:"valid"`
	Reason       string             `json:"reason,omitempty"`
	UpdatedState game.Document      `json:"updatedState,omitempty"`
	Broadcast    game.BroadcastKind `json:"broadcast,omitempty"`
	Changes      map[string]any     `json:"changes,omitempty"` // compact change description for the broadcast
	Metadata     map[string]any     `json:"metadata,omitempty"`
	Timestamp    int64              `json:"timestamp"`
}

// Reject builds a rejection result with a machine-readable reason code.
func Reject(code perrors.Code, timestamp int64) Result {
	return Result{Valid: false, Reason: string(code), Timestamp: timestamp}
}

// Module admits or rejects actions for one room. Implementations are the
// Lua sandbox (synthesized validators) and Generic (fallback rules).
type Module interface {
	Validate(ctx context.Context, in Input) (Result, error)
}

// Declared player bounds a validator may publish through its result
// metadata. Zero values mean "no declaration"; the runtime then applies
// the kind-derived defaults.
const (
	MetadataMaxPlayers = "maxPlayers"
	MetadataMinPlayers = "minPlayers"
)

// DeclaredBound reads an integer declaration from validator metadata.
func DeclaredBound(metadata map[string]any, key string) (int, bool) {
	if metadata == nil {
		return 0, false
	}
	switch value := metadata[key].(type) {
	case int:
		if value > 0 {
			return value, true
		}
	case int64:
		if value > 0 {
			return int(value), true
		}
	case float64:
		if value > 0 {
			return int(value), true
		}
	}
	return 0, false
}

// CheckPreconditions applies the generic per-kind preconditions the
// runtime enforces before invoking any validator: player presence for
// MOVE/UPDATE/END, absence for JOIN, lobby phase for START, active phase
// for MOVE and END. Custom kinds skip all of these. The returned code is
// empty when the action may proceed.
func CheckPreconditions(state game.Document, action game.Action) perrors.Code {
	if !action.Kind.Standard() {
		return ""
	}

	_, present := state.Player(action.PlayerID)
	phase := state.Phase()

	switch action.Kind {
	case game.ActionJoin:
		if present {
			return perrors.CodeDuplicatePlayer
		}
		if phase != game.PhaseLobby {
			return perrors.CodeGameAlreadyActive
		}
	case game.ActionStart:
		if phase == game.PhaseActive {
			return perrors.CodeGameAlreadyActive
		}
		if phase != game.PhaseLobby {
			return perrors.CodeGameNotActive
		}
	case game.ActionMove, game.ActionEnd:
		if !present {
			return perrors.CodePlayerNotInRoom
		}
		if phase != game.PhaseActive {
			return perrors.CodeGameNotActive
		}
	case game.ActionUpdate:
		if !present {
			return perrors.CodePlayerNotInRoom
		}
	}
	return ""
}
