package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
)

// Generic implements the fallback admission rules for the five standard
// action kinds. It serves rooms with no deployed validator and rooms whose
// validator timed out or became unavailable. Custom kinds are never
// handled here; the runtime fails those explicitly.
type Generic struct {
	Kind       string
	MaxPlayers int // 0 derives from Kind
	MinPlayers int // 0 derives from Kind
}

// NewGeneric builds the fallback validator for a kind tag.
func NewGeneric(kind string) *Generic {
	return &Generic{Kind: kind}
}

func (g *Generic) maxPlayers() int {
	if g.MaxPlayers > 0 {
		return g.MaxPlayers
	}
	return game.DefaultMaxPlayers(g.Kind)
}

func (g *Generic) minPlayers() int {
	if g.MinPlayers > 0 {
		return g.MinPlayers
	}
	return game.DefaultMinPlayers(g.Kind)
}

// Validate applies the generic rules. The input state is never mutated;
// accepted results carry a fully rewritten clone.
func (g *Generic) Validate(_ context.Context, in Input) (Result, error) {
	state := in.State.Clone()
	if len(state) == 0 {
		state = g.initialState()
	}

	if code := CheckPreconditions(state, game.Action{
		Kind:     game.ActionKind(in.Action),
		PlayerID: in.PlayerID,
	}); code != "" {
		return Reject(code, in.Timestamp), nil
	}

	switch game.ActionKind(in.Action) {
	case game.ActionJoin:
		return g.handleJoin(state, in), nil
	case game.ActionStart:
		return g.handleStart(state, in), nil
	case game.ActionMove:
		return g.handleMove(state, in), nil
	case game.ActionUpdate:
		return g.handleUpdate(state, in), nil
	case game.ActionEnd:
		return g.handleEnd(state, in), nil
	default:
		return Reject(perrors.CodeInvalidKind, in.Timestamp), nil
	}
}

// initialState synthesizes the lobby document with kind scaffolding, per
// the module contract for empty input state.
func (g *Generic) initialState() game.Document {
	state := game.NewDocument()
	if rows, cols, ok := game.BoardSize(g.Kind); ok {
		state["board"] = map[string]any{}
		state["boardRows"] = float64(rows)
		state["boardCols"] = float64(cols)
	}
	return state
}

func (g *Generic) accept(state game.Document, in Input, kind game.BroadcastKind, changes map[string]any) Result {
	return Result{
		Valid:        true,
		UpdatedState: state,
		Broadcast:    kind,
		Changes:      changes,
		Metadata: map[string]any{
			MetadataMaxPlayers: g.maxPlayers(),
			MetadataMinPlayers: g.minPlayers(),
		},
		Timestamp: in.Timestamp,
	}
}

func (g *Generic) handleJoin(state game.Document, in Input) Result {
	players := state.Players()
	if len(players) >= g.maxPlayers() {
		return Reject(perrors.CodeGameFull, in.Timestamp)
	}

	profile, _ := in.Data["profile"].(map[string]any)
	record := game.PlayerRecord{
		ID:       in.PlayerID,
		JoinedAt: in.Timestamp,
		Profile:  profile,
		Active:   true,
	}
	state.AddPlayer(record)

	// First joiner holds the opening turn in turn-based games.
	if game.IsTurnBased(g.Kind) && len(players) == 0 {
		state.SetCurrentTurn(in.PlayerID)
	}
	return g.accept(state, in, game.BroadcastPlayerJoined, map[string]any{"playerId": in.PlayerID})
}

func (g *Generic) handleStart(state game.Document, in Input) Result {
	if len(state.Players()) < g.minPlayers() {
		return Reject(perrors.CodeNotEnoughPlayers, in.Timestamp)
	}
	state.SetPhase(game.PhaseActive)
	state.SetNumber("round", 1)
	state.SetNumber("startedAt", float64(in.Timestamp))
	return g.accept(state, in, game.BroadcastGameStarted, nil)
}

func (g *Generic) handleMove(state game.Document, in Input) Result {
	turnBased := game.IsTurnBased(g.Kind)
	if turnBased && state.CurrentTurn() != in.PlayerID {
		return Reject(perrors.CodeNotYourTurn, in.Timestamp)
	}

	changes := map[string]any{"playerId": in.PlayerID}

	// Board placement, keyed "row,col".
	if row, col, ok := movePosition(in.Data); ok {
		board, _ := state["board"].(map[string]any)
		if board == nil {
			board = map[string]any{}
			state["board"] = board
		}
		cell := fmt.Sprintf("%d,%d", row, col)
		if rows, cols, sized := game.BoardSize(g.Kind); sized {
			if row < 0 || row >= rows || col < 0 || col >= cols {
				return Reject(perrors.CodeIllegalMove, in.Timestamp)
			}
		}
		if _, taken := board[cell]; taken {
			return Reject(perrors.CodeIllegalMove, in.Timestamp)
		}
		board[cell] = in.PlayerID
		changes["position"] = cell
	}

	// Shared counter games: delta moves the counter and the mover's score.
	if delta, ok := numberField(in.Data, "delta"); ok {
		counter, _ := state.Number("counter")
		state.SetNumber("counter", counter+delta)
		if record, found := state.Player(in.PlayerID); found {
			record.Score += delta
			state.UpdatePlayer(record)
		}
		changes["delta"] = delta
	}

	ended := g.checkWin(state, in.PlayerID)
	if ended {
		state.SetPhase(game.PhaseEnded)
		state.SetNumber("endedAt", float64(in.Timestamp))
		changes["winner"] = state.Winner()
	} else if turnBased {
		state.SetCurrentTurn(game.NextTurnHolder(state.Players(), in.PlayerID))
	}

	return g.accept(state, in, game.BroadcastKindFor(game.ActionMove, ended), changes)
}

func (g *Generic) handleUpdate(state game.Document, in Input) Result {
	// Player-scoped payload merges into the submitter's record.
	if scoped, ok := in.Data["player"].(map[string]any); ok {
		record, found := state.Player(in.PlayerID)
		if found {
			if score, has := numberField(scoped, "score"); has {
				record.Score = score
			}
			if lives, has := numberField(scoped, "lives"); has {
				record.Lives = lives
			}
			if eliminated, has := scoped["eliminated"].(bool); has {
				record.Eliminated = eliminated
			}
			state.UpdatePlayer(record)
		}
	}

	// Everything else merges into the top-level document, except the
	// reserved keys the handlers own.
	for key, value := range in.Data {
		switch key {
		case "player", "players", "phase":
			continue
		}
		state[key] = value
	}

	return g.accept(state, in, game.BroadcastStateUpdate, map[string]any{"playerId": in.PlayerID})
}

func (g *Generic) handleEnd(state game.Document, in Input) Result {
	state.SetPhase(game.PhaseEnded)
	state.SetNumber("endedAt", float64(in.Timestamp))

	finalScores := map[string]any{}
	for _, p := range state.Players() {
		finalScores[p.ID] = p.Score
	}
	state["finalScores"] = finalScores

	if winner, ok := in.Data["winner"].(string); ok {
		if _, found := state.Player(winner); found {
			state.SetWinner(winner)
		}
	}
	return g.accept(state, in, game.BroadcastGameEnded, map[string]any{"finalScores": finalScores})
}

// checkWin evaluates the generic win conditions after a MOVE by mover:
// a target score reached, a last player standing, or three in a row on a
// 3x3 board. Returns true when the game ends, with the winner recorded.
func (g *Generic) checkWin(state game.Document, mover string) bool {
	if target, hasTarget := state.Number("target"); hasTarget && target > 0 {
		if counter, hasCounter := state.Number("counter"); hasCounter && counter >= target {
			state.SetWinner(mover)
			return true
		}
		for _, p := range state.Players() {
			if p.Score >= target {
				state.SetWinner(p.ID)
				return true
			}
		}
	}

	players := state.Players()
	if len(players) >= 2 {
		standing := ""
		count := 0
		for _, p := range players {
			if !p.Eliminated {
				standing = p.ID
				count++
			}
		}
		if count == 1 {
			state.SetWinner(standing)
			return true
		}
	}

	if rows, cols, ok := game.BoardSize(g.Kind); ok && rows == 3 && cols == 3 {
		if winner := threeInARow(state); winner != "" {
			state.SetWinner(winner)
			return true
		}
	}
	return false
}

// threeInARow scans a 3x3 board map keyed "row,col" for a full line.
func threeInARow(state game.Document) string {
	board, _ := state["board"].(map[string]any)
	if board == nil {
		return ""
	}
	at := func(r, c int) string {
		value, _ := board[fmt.Sprintf("%d,%d", r, c)].(string)
		return value
	}
	lines := [][3][2]int{
		{{0, 0}, {0, 1}, {0, 2}},
		{{1, 0}, {1, 1}, {1, 2}},
		{{2, 0}, {2, 1}, {2, 2}},
		{{0, 0}, {1, 0}, {2, 0}},
		{{0, 1}, {1, 1}, {2, 1}},
		{{0, 2}, {1, 2}, {2, 2}},
		{{0, 0}, {1, 1}, {2, 2}},
		{{0, 2}, {1, 1}, {2, 0}},
	}
	for _, line := range lines {
		first := at(line[0][0], line[0][1])
		if first == "" {
			continue
		}
		if at(line[1][0], line[1][1]) == first && at(line[2][0], line[2][1]) == first {
			return first
		}
	}
	return ""
}

// movePosition extracts a board position from the payload, accepting both
// {"row": r, "col": c} and {"position": "r,c"}.
func movePosition(data map[string]any) (row, col int, ok bool) {
	if data == nil {
		return 0, 0, false
	}
	if r, hasRow := numberField(data, "row"); hasRow {
		if c, hasCol := numberField(data, "col"); hasCol {
			return int(r), int(c), true
		}
	}
	if position, has := data["position"].(string); has {
		parts := strings.SplitN(position, ",", 2)
		if len(parts) == 2 {
			var r, c int
			if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &r); err == nil {
				if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &c); err == nil {
					return r, c, true
				}
			}
		}
	}
	return 0, 0, false
}

func numberField(data map[string]any, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch value := data[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}
