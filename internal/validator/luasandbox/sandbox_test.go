package luasandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/coplay.space/internal/artifact"
	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/validator"
)

const acceptAllSource = `
function validate(input)
  local state = input.state
  if state.count == nil then
    state.count = 0
  end
  state.count = state.count + 1
  state.lastPlayer = input.playerId
  return {
    valid = true,
    updatedState = state,
    broadcast = "CUSTOM_ACTION",
    changes = { playerId = input.playerId },
  }
end
`

func TestInvokeAcceptsAndRewritesState(t *testing.T) {
	sandbox := New()
	in := validator.Input{
		Action:    "PING",
		State:     game.Document{"count": float64(2)},
		PlayerID:  "p1",
		RoomID:    "room-1",
		Timestamp: 1700000000000,
	}

	result, err := sandbox.Invoke(context.Background(), acceptAllSource, in)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Valid {
		t.Fatalf("rejected: %s", result.Reason)
	}
	if count, _ := result.UpdatedState.Number("count"); count != 3 {
		t.Fatalf("count = %v, want 3", count)
	}
	if last, _ := result.UpdatedState.String("lastPlayer"); last != "p1" {
		t.Fatalf("lastPlayer = %q, want p1", last)
	}
	if result.Broadcast != game.BroadcastCustomAction {
		t.Fatalf("broadcast = %s, want CUSTOM_ACTION", result.Broadcast)
	}
	if result.Timestamp != in.Timestamp {
		t.Fatalf("timestamp = %d, want input stamp %d", result.Timestamp, in.Timestamp)
	}
}

func TestInvokeRejection(t *testing.T) {
	source := `
function validate(input)
  return { valid = false, reason = "NOT_YOUR_TURN" }
end
`
	result, err := New().Invoke(context.Background(), source, validator.Input{Action: "MOVE", PlayerID: "p2"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Valid {
		t.Fatal("expected rejection")
	}
	if result.Reason != "NOT_YOUR_TURN" {
		t.Fatalf("reason = %q, want NOT_YOUR_TURN", result.Reason)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	source := `
function validate(input)
  while true do end
end
`
	sandbox := New(WithDeadline(50 * time.Millisecond))
	_, err := sandbox.Invoke(context.Background(), source, validator.Input{Action: "MOVE"})
	if !perrors.IsCode(err, perrors.CodeValidatorTimeout) {
		t.Fatalf("expected VALIDATOR_TIMEOUT, got %v", err)
	}
}

func TestRunawayScriptAbortsAndFreesItsSlot(t *testing.T) {
	source := `
function validate(input)
  while true do end
end
`
	sandbox := New(WithMaxConcurrent(1), WithInstructionBudget(100000))

	_, err := sandbox.Invoke(context.Background(), source, validator.Input{Action: "MOVE"})
	if !perrors.IsCode(err, perrors.CodeValidatorLimit) {
		t.Fatalf("expected VALIDATOR_LIMIT, got %v", err)
	}

	// The aborted interpreter hands its slot back; a healthy validator
	// must run on the same sandbox. The release lands just after the
	// result is delivered, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := sandbox.Invoke(context.Background(), acceptAllSource,
			validator.Input{State: game.Document{}, PlayerID: "p1"})
		if err == nil {
			if !result.Valid {
				t.Fatalf("healthy validator rejected: %s", result.Reason)
			}
			return
		}
		if !perrors.IsCode(err, perrors.CodeValidatorLimit) {
			t.Fatalf("invoke after runaway: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("slot never came back after the runaway script aborted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvokeCrashIsUnavailable(t *testing.T) {
	source := `
function validate(input)
  error("boom")
end
`
	_, err := New().Invoke(context.Background(), source, validator.Input{Action: "MOVE"})
	if !perrors.IsCode(err, perrors.CodeValidatorUnavailable) {
		t.Fatalf("expected VALIDATOR_UNAVAILABLE, got %v", err)
	}
}

func TestInvokeMissingEntrypoint(t *testing.T) {
	_, err := New().Invoke(context.Background(), `x = 1`, validator.Input{Action: "MOVE"})
	if !perrors.IsCode(err, perrors.CodeValidatorUnavailable) {
		t.Fatalf("expected VALIDATOR_UNAVAILABLE, got %v", err)
	}
}

func TestInvokeSourceSizeLimit(t *testing.T) {
	sandbox := New(WithMaxSourceBytes(64))
	source := "-- " + strings.Repeat("x", 128) + "\nfunction validate(i) return { valid = true } end"
	_, err := sandbox.Invoke(context.Background(), source, validator.Input{})
	if !perrors.IsCode(err, perrors.CodeValidatorLimit) {
		t.Fatalf("expected VALIDATOR_LIMIT, got %v", err)
	}
}

func TestSandboxHasNoOSOrIO(t *testing.T) {
	source := `
function validate(input)
  if os ~= nil or io ~= nil or dofile ~= nil or load ~= nil then
    return { valid = true, reason = "ESCAPED" }
  end
  return { valid = false, reason = "SEALED" }
end
`
	result, err := New().Invoke(context.Background(), source, validator.Input{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Valid || result.Reason != "SEALED" {
		t.Fatalf("sandbox leaked host facilities: %+v", result)
	}
}

func TestFreshStatePerInvocation(t *testing.T) {
	source := `
function validate(input)
  if leaked == nil then
    leaked = true
    return { valid = true }
  end
  return { valid = false, reason = "STATE_LEAKED" }
end
`
	sandbox := New()
	for i := 0; i < 3; i++ {
		result, err := sandbox.Invoke(context.Background(), source, validator.Input{})
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if !result.Valid {
			t.Fatalf("invocation %d saw state from a prior run: %s", i, result.Reason)
		}
	}
}

func TestArrayShapesSurviveRoundTrip(t *testing.T) {
	source := `
function validate(input)
  return { valid = true, updatedState = input.state }
end
`
	state := game.NewDocument()
	state.AddPlayer(game.NewPlayerRecord("p1", nil, time.UnixMilli(1700000000000)))
	state.AddPlayer(game.NewPlayerRecord("p2", nil, time.UnixMilli(1700000000001)))

	result, err := New().Invoke(context.Background(), source, validator.Input{State: state})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	players := result.UpdatedState.Players()
	if len(players) != 2 {
		t.Fatalf("players = %d, want 2", len(players))
	}
	if players[0].ID != "p1" || players[1].ID != "p2" {
		t.Fatalf("player order lost: %s, %s", players[0].ID, players[1].ID)
	}
}

func TestDeployerRoundTrip(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	deployer := NewDeployer(store, New())

	ref, err := deployer.Deploy(acceptAllSource)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	module, err := deployer.Resolve(ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, err := module.Validate(context.Background(), validator.Input{PlayerID: "p1", State: game.Document{}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("rejected: %s", result.Reason)
	}

	// Same source redeploys to the same address.
	again, err := deployer.Deploy(acceptAllSource)
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if again != ref {
		t.Fatalf("redeploy changed ref: %s -> %s", ref, again)
	}
}

func TestDeployerRejectsBrokenSource(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	deployer := NewDeployer(store, New())

	if _, err := deployer.Deploy("   "); !perrors.IsCode(err, perrors.CodeValidatorDeployFailed) {
		t.Fatalf("expected VALIDATOR_DEPLOY_FAILED for empty source, got %v", err)
	}
	if _, err := deployer.Deploy("x = 1"); !perrors.IsCode(err, perrors.CodeValidatorDeployFailed) {
		t.Fatalf("expected VALIDATOR_DEPLOY_FAILED for missing entrypoint, got %v", err)
	}
}

func TestResolveMissingValidator(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	deployer := NewDeployer(store, New())

	ref, err := artifact.HashRef(artifact.DomainValidator, []byte("never deployed"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	_, err = deployer.Resolve(ref)
	if !perrors.IsCode(err, perrors.CodeValidatorUnavailable) {
		t.Fatalf("expected VALIDATOR_UNAVAILABLE, got %v", err)
	}
	var domainErr *perrors.Error
	if !errors.As(err, &domainErr) {
		t.Fatal("expected a domain error")
	}
}
