package convert

import (
	"context"
	"strings"
	"testing"

	"github.com/louisbranch/coplay.space/internal/analyzer"
	"github.com/louisbranch/coplay.space/internal/game"
	"github.com/louisbranch/coplay.space/internal/validator"
	"github.com/louisbranch/coplay.space/internal/validator/luasandbox"
)

func boardReport() analyzer.Report {
	report := analyzer.Report{Kind: "board-3x3-turn-based"}
	report.Mechanics.Turns = true
	report.Mechanics.Board = true
	report.Mechanics.WinCondition = true
	report.Elements.BoardRows = 3
	report.Elements.BoardCols = 3
	return report
}

func scoreReport() analyzer.Report {
	report := analyzer.Report{Kind: "quiz"}
	report.Mechanics.Score = true
	return report
}

func invokeSource(t *testing.T, sandbox *luasandbox.Sandbox, source string, state game.Document, action, player string, data map[string]any) validator.Result {
	t.Helper()
	result, err := sandbox.Invoke(context.Background(), source, validator.Input{
		Action:    action,
		State:     state,
		PlayerID:  player,
		Data:      data,
		RoomID:    "room-1",
		Timestamp: 1700000000000,
	})
	if err != nil {
		t.Fatalf("invoke %s for %s: %v", action, player, err)
	}
	return result
}

func TestSynthesizedBoardValidatorFullGame(t *testing.T) {
	source, err := SynthesizeValidator(boardReport())
	if err != nil {
		t.Fatalf("SynthesizeValidator() error = %v", err)
	}
	sandbox := luasandbox.New()
	state := game.NewDocument()

	result := invokeSource(t, sandbox, source, state, "JOIN", "p1", nil)
	if !result.Valid {
		t.Fatalf("JOIN p1 rejected: %s", result.Reason)
	}
	if result.Broadcast != game.BroadcastPlayerJoined {
		t.Fatalf("JOIN broadcast = %q, want %q", result.Broadcast, game.BroadcastPlayerJoined)
	}
	state = result.UpdatedState
	if got := state.CurrentTurn(); got != "p1" {
		t.Fatalf("currentTurn after first join = %q, want p1", got)
	}

	result = invokeSource(t, sandbox, source, state, "JOIN", "p2", nil)
	if !result.Valid {
		t.Fatalf("JOIN p2 rejected: %s", result.Reason)
	}
	state = result.UpdatedState

	if result := invokeSource(t, sandbox, source, state, "JOIN", "p3", nil); result.Valid || result.Reason != "GAME_FULL" {
		t.Fatalf("JOIN p3 = (%v, %q), want rejection GAME_FULL", result.Valid, result.Reason)
	}
	if result := invokeSource(t, sandbox, source, state, "JOIN", "p1", nil); result.Valid || result.Reason != "DUPLICATE_PLAYER" {
		t.Fatalf("rejoin p1 = (%v, %q), want rejection DUPLICATE_PLAYER", result.Valid, result.Reason)
	}

	result = invokeSource(t, sandbox, source, state, "START", "p1", nil)
	if !result.Valid {
		t.Fatalf("START rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	if state.Phase() != game.PhaseActive {
		t.Fatalf("phase after START = %q, want active", state.Phase())
	}
	if rows, _ := state.Number("boardRows"); rows != 3 {
		t.Fatalf("boardRows = %v, want 3", rows)
	}

	if result := invokeSource(t, sandbox, source, state, "MOVE", "p2", map[string]any{"row": 0, "col": 0}); result.Valid || result.Reason != "NOT_YOUR_TURN" {
		t.Fatalf("out-of-turn MOVE = (%v, %q), want rejection NOT_YOUR_TURN", result.Valid, result.Reason)
	}

	result = invokeSource(t, sandbox, source, state, "MOVE", "p1", map[string]any{"row": 0, "col": 0})
	if !result.Valid {
		t.Fatalf("MOVE p1 (0,0) rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	board, ok := state["board"].(map[string]any)
	if !ok {
		t.Fatalf("board missing after first move: %v", state["board"])
	}
	if board["0,0"] != "p1" {
		t.Fatalf("board[0,0] = %v, want p1", board["0,0"])
	}
	if got := state.CurrentTurn(); got != "p2" {
		t.Fatalf("currentTurn after p1 move = %q, want p2", got)
	}
	if result.Changes["position"] != "0,0" {
		t.Fatalf("changes position = %v, want 0,0", result.Changes["position"])
	}

	if result := invokeSource(t, sandbox, source, state, "MOVE", "p2", map[string]any{"row": 0, "col": 0}); result.Valid || result.Reason != "ILLEGAL_MOVE" {
		t.Fatalf("occupied-cell MOVE = (%v, %q), want rejection ILLEGAL_MOVE", result.Valid, result.Reason)
	}
	if result := invokeSource(t, sandbox, source, state, "MOVE", "p2", map[string]any{"row": 3, "col": 0}); result.Valid || result.Reason != "ILLEGAL_MOVE" {
		t.Fatalf("out-of-bounds MOVE = (%v, %q), want rejection ILLEGAL_MOVE", result.Valid, result.Reason)
	}

	// p1 completes the 0,0 / 1,1 / 2,2 diagonal.
	moves := []struct {
		player   string
		row, col int
	}{
		{"p2", 0, 1},
		{"p1", 1, 1},
		{"p2", 2, 1},
		{"p1", 2, 2},
	}
	for _, move := range moves {
		result = invokeSource(t, sandbox, source, state, "MOVE", move.player, map[string]any{"row": move.row, "col": move.col})
		if !result.Valid {
			t.Fatalf("MOVE %s (%d,%d) rejected: %s", move.player, move.row, move.col, result.Reason)
		}
		state = result.UpdatedState
	}

	if result.Broadcast != game.BroadcastGameEnded {
		t.Fatalf("winning move broadcast = %q, want %q", result.Broadcast, game.BroadcastGameEnded)
	}
	if state.Phase() != game.PhaseEnded {
		t.Fatalf("phase after win = %q, want ended", state.Phase())
	}
	if state.Winner() != "p1" {
		t.Fatalf("winner = %q, want p1", state.Winner())
	}
}

func TestSynthesizedScoreValidatorTargetWin(t *testing.T) {
	source, err := SynthesizeValidator(scoreReport())
	if err != nil {
		t.Fatalf("SynthesizeValidator() error = %v", err)
	}
	sandbox := luasandbox.New()
	state := game.NewDocument()

	for _, player := range []string{"p1", "p2"} {
		result := invokeSource(t, sandbox, source, state, "JOIN", player, nil)
		if !result.Valid {
			t.Fatalf("JOIN %s rejected: %s", player, result.Reason)
		}
		state = result.UpdatedState
	}
	result := invokeSource(t, sandbox, source, state, "START", "p1", nil)
	if !result.Valid {
		t.Fatalf("START rejected: %s", result.Reason)
	}
	state = result.UpdatedState

	result = invokeSource(t, sandbox, source, state, "UPDATE", "p1", map[string]any{"target": 3})
	if !result.Valid {
		t.Fatalf("UPDATE target rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	if target, _ := state.Number("target"); target != 3 {
		t.Fatalf("target = %v, want 3", target)
	}

	result = invokeSource(t, sandbox, source, state, "MOVE", "p1", map[string]any{"delta": 2})
	if !result.Valid {
		t.Fatalf("MOVE delta 2 rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	if counter, _ := state.Number("counter"); counter != 2 {
		t.Fatalf("counter = %v, want 2", counter)
	}
	record, ok := state.Player("p1")
	if !ok || record.Score != 2 {
		t.Fatalf("p1 score = %v (found %v), want 2", record.Score, ok)
	}

	result = invokeSource(t, sandbox, source, state, "MOVE", "p1", map[string]any{"delta": 1})
	if !result.Valid {
		t.Fatalf("MOVE delta 1 rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	if result.Broadcast != game.BroadcastGameEnded {
		t.Fatalf("target-reaching broadcast = %q, want %q", result.Broadcast, game.BroadcastGameEnded)
	}
	if state.Winner() != "p1" {
		t.Fatalf("winner = %q, want p1", state.Winner())
	}
}

func TestSynthesizedValidatorCustomActionPassthrough(t *testing.T) {
	source, err := SynthesizeValidator(analyzer.Report{Kind: analyzer.KindCustomGame})
	if err != nil {
		t.Fatalf("SynthesizeValidator() error = %v", err)
	}
	sandbox := luasandbox.New()
	state := game.NewDocument()

	if result := invokeSource(t, sandbox, source, state, "SPIN", "p1", nil); result.Valid || result.Reason != "GAME_NOT_ACTIVE" {
		t.Fatalf("custom action in lobby = (%v, %q), want rejection GAME_NOT_ACTIVE", result.Valid, result.Reason)
	}

	result := invokeSource(t, sandbox, source, state, "JOIN", "p1", nil)
	if !result.Valid {
		t.Fatalf("JOIN rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	result = invokeSource(t, sandbox, source, state, "START", "p1", nil)
	if !result.Valid {
		t.Fatalf("START rejected: %s", result.Reason)
	}
	state = result.UpdatedState

	result = invokeSource(t, sandbox, source, state, "SPIN", "p1", nil)
	if !result.Valid {
		t.Fatalf("custom action rejected: %s", result.Reason)
	}
	if result.Broadcast != game.BroadcastCustomAction {
		t.Fatalf("custom action broadcast = %q, want %q", result.Broadcast, game.BroadcastCustomAction)
	}
	if result.Changes["action"] != "SPIN" {
		t.Fatalf("changes action = %v, want SPIN", result.Changes["action"])
	}
}

func TestSynthesizedValidatorEndRecordsFinalScores(t *testing.T) {
	source, err := SynthesizeValidator(scoreReport())
	if err != nil {
		t.Fatalf("SynthesizeValidator() error = %v", err)
	}
	sandbox := luasandbox.New()
	state := game.NewDocument()

	for _, player := range []string{"p1", "p2"} {
		result := invokeSource(t, sandbox, source, state, "JOIN", player, nil)
		if !result.Valid {
			t.Fatalf("JOIN %s rejected: %s", player, result.Reason)
		}
		state = result.UpdatedState
	}
	result := invokeSource(t, sandbox, source, state, "START", "p1", nil)
	if !result.Valid {
		t.Fatalf("START rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	result = invokeSource(t, sandbox, source, state, "MOVE", "p2", map[string]any{"delta": 4})
	if !result.Valid {
		t.Fatalf("MOVE rejected: %s", result.Reason)
	}
	state = result.UpdatedState

	result = invokeSource(t, sandbox, source, state, "END", "p1", map[string]any{"winner": "p2"})
	if !result.Valid {
		t.Fatalf("END rejected: %s", result.Reason)
	}
	state = result.UpdatedState
	if state.Phase() != game.PhaseEnded {
		t.Fatalf("phase after END = %q, want ended", state.Phase())
	}
	if state.Winner() != "p2" {
		t.Fatalf("winner = %q, want p2", state.Winner())
	}
	scores, ok := state["finalScores"].(map[string]any)
	if !ok {
		t.Fatalf("finalScores missing: %v", state["finalScores"])
	}
	if scores["p2"] != float64(4) {
		t.Fatalf("finalScores[p2] = %v, want 4", scores["p2"])
	}
}

func TestSynthesizedValidatorAcceptsInitialJoinOnEmptyState(t *testing.T) {
	for _, report := range []analyzer.Report{boardReport(), scoreReport(), {Kind: analyzer.KindCustomGame}} {
		source, err := SynthesizeValidator(report)
		if err != nil {
			t.Fatalf("SynthesizeValidator(%s) error = %v", report.Kind, err)
		}
		sandbox := luasandbox.New()
		result := invokeSource(t, sandbox, source, game.NewDocument(), "JOIN", "p1", nil)
		if !result.Valid {
			t.Fatalf("kind %s: initial JOIN rejected: %s", report.Kind, result.Reason)
		}
		if len(result.UpdatedState) == 0 {
			t.Fatalf("kind %s: initial JOIN produced no state", report.Kind)
		}
	}
}

func TestSynthesizeValidatorDeclaresBounds(t *testing.T) {
	source, err := SynthesizeValidator(boardReport())
	if err != nil {
		t.Fatalf("SynthesizeValidator() error = %v", err)
	}
	if !strings.Contains(source, "local MAX_PLAYERS = 2") {
		t.Fatalf("board validator does not declare two seats:\n%s", source)
	}
	if !strings.Contains(source, "NOT_YOUR_TURN") {
		t.Fatal("turn-based validator carries no turn arbitration")
	}

	freeform, err := SynthesizeValidator(analyzer.Report{Kind: analyzer.KindCustomGame})
	if err != nil {
		t.Fatalf("SynthesizeValidator() error = %v", err)
	}
	if strings.Contains(freeform, "NOT_YOUR_TURN") {
		t.Fatal("free-form validator unexpectedly enforces turns")
	}
}
