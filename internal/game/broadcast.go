package game

// BroadcastKind tags a server-authored fan-out message.
type BroadcastKind string

const (
	BroadcastPlayerJoined BroadcastKind = "PLAYER_JOINED"
	BroadcastGameStarted  BroadcastKind = "GAME_STARTED"
	BroadcastMoveMade     BroadcastKind = "MOVE_MADE"
	BroadcastStateUpdate  BroadcastKind = "STATE_UPDATE"
	BroadcastGameEnded    BroadcastKind = "GAME_ENDED"
	BroadcastCustomAction BroadcastKind = "CUSTOM_ACTION"
	// BroadcastSnapshot opens every subscription stream. It is never
	// produced by a commit, so clients can tell the opening state from a
	// later STATE_UPDATE after a reconnect.
	BroadcastSnapshot BroadcastKind = "SNAPSHOT"
)

// Broadcast describes one committed state change, fanned out to every
// subscriber of the room in version order.
type Broadcast struct {
	Kind    BroadcastKind  `json:"kind"`
	Version int64          `json:"version"`
	Changes map[string]any `json:"changes,omitempty"`
	State   Document       `json:"state,omitempty"`
	Players []PlayerRecord `json:"players,omitempty"`
}

// BroadcastKindFor maps an accepted action kind to the canonical broadcast
// kind. Validators may override it through their result's broadcast field;
// the game ending always wins over the per-action mapping.
func BroadcastKindFor(action ActionKind, ended bool) BroadcastKind {
	if ended {
		return BroadcastGameEnded
	}
	switch action {
	case ActionJoin:
		return BroadcastPlayerJoined
	case ActionStart:
		return BroadcastGameStarted
	case ActionMove:
		return BroadcastMoveMade
	case ActionUpdate:
		return BroadcastStateUpdate
	case ActionEnd:
		return BroadcastGameEnded
	default:
		return BroadcastCustomAction
	}
}
