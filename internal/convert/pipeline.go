// Package convert turns a single-player game document into the room's
// artifact pair: an instrumented multiplayer document and a deployed
// validator module. Conversion is asynchronous; rooms are created in
// pending status and workers claim them one at a time.
package convert

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/coplay.space/internal/analyzer"
	"github.com/louisbranch/coplay.space/internal/artifact"
	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/platform/id"
	"github.com/louisbranch/coplay.space/internal/platform/timeouts"
	"github.com/louisbranch/coplay.space/internal/registry"
	"github.com/louisbranch/coplay.space/internal/validator"
	"github.com/louisbranch/coplay.space/internal/validator/luasandbox"
)

// rewriteAttempts bounds how many model calls one conversion may burn
// before it fails. Each attempt also has to fit in the remaining
// conversion budget.
const rewriteAttempts = 3

// Pipeline executes conversions against the room store and the artifact
// store.
type Pipeline struct {
	store     registry.RoomStore
	artifacts *artifact.Store
	deployer  *luasandbox.Deployer
	rewriter  Rewriter
	now       func() time.Time
}

// NewPipeline wires a conversion pipeline.
func NewPipeline(store registry.RoomStore, artifacts *artifact.Store, deployer *luasandbox.Deployer, rewriter Rewriter) *Pipeline {
	return &Pipeline{
		store:     store,
		artifacts: artifacts,
		deployer:  deployer,
		rewriter:  rewriter,
		now:       time.Now,
	}
}

// CreateRoom registers a new room for the submitted source document. The
// kind is derived synchronously from analysis so callers can route and
// display it immediately; the artifact pair is produced later by a
// worker. The source is published first so a failed room creation never
// loses the document.
func (p *Pipeline) CreateRoom(ctx context.Context, source string) (game.Room, error) {
	if source == "" {
		return game.Room{}, perrors.New(perrors.CodeAnalysisFailed, "source document is empty")
	}

	report := analyzer.Analyze(source)

	roomID, err := id.NewID()
	if err != nil {
		return game.Room{}, fmt.Errorf("generate room id: %w", err)
	}
	room, err := game.NewRoom(roomID, report.Kind, p.now())
	if err != nil {
		return game.Room{}, err
	}

	sourceRef, err := p.artifacts.Put(artifact.DomainDocument, []byte(source))
	if err != nil {
		return game.Room{}, perrors.Wrap(perrors.CodeArtifactPublishFailed, "publish source document", err)
	}
	room.SourceRef = string(sourceRef)

	if err := p.store.CreateRoom(ctx, room); err != nil {
		return game.Room{}, err
	}
	return room, nil
}

// RequestConversion queues a room for conversion. Completed rooms are
// returned as-is, in-flight rooms are left alone, and failed rooms are
// reset to pending so a worker retries from the preserved source.
func (p *Pipeline) RequestConversion(ctx context.Context, roomID string) (game.Room, error) {
	room, err := p.store.GetRoom(ctx, roomID)
	if err != nil {
		return game.Room{}, err
	}

	switch room.ConversionStatus {
	case game.ConversionComplete, game.ConversionPending, game.ConversionProcessing:
		return room, nil
	case game.ConversionFailed:
		if err := p.store.UpdateConversion(ctx, roomID, game.ConversionPending, "", "", "", ""); err != nil {
			return game.Room{}, err
		}
		return p.store.GetRoom(ctx, roomID)
	default:
		return game.Room{}, fmt.Errorf("room %s has unknown conversion status %q", roomID, room.ConversionStatus)
	}
}

// Status returns the room's current conversion record.
func (p *Pipeline) Status(ctx context.Context, roomID string) (game.Room, error) {
	return p.store.GetRoom(ctx, roomID)
}

// ProcessNext claims one pending room and converts it. It returns
// registry.ErrNotFound when no conversion work is queued.
func (p *Pipeline) ProcessNext(ctx context.Context) error {
	room, err := p.store.ClaimPending(ctx)
	if err != nil {
		return err
	}
	return p.Convert(ctx, room)
}

// Convert produces and publishes the artifact pair for a claimed room.
// On failure the room is marked failed with the error code as reason;
// the source artifact stays in place so a retry starts over from it.
func (p *Pipeline) Convert(ctx context.Context, room game.Room) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Conversion)
	defer cancel()

	if err := p.convert(ctx, room); err != nil {
		reason := string(perrors.CodeOf(err))
		log.Printf("conversion failed room_id=%s reason=%s error=%v", room.ID, reason, err)
		if markErr := p.store.UpdateConversion(ctx, room.ID, game.ConversionFailed, reason, "", "", ""); markErr != nil {
			return fmt.Errorf("mark conversion failed: %w (conversion error: %v)", markErr, err)
		}
		return err
	}
	return nil
}

func (p *Pipeline) convert(ctx context.Context, room game.Room) error {
	source, err := p.artifacts.Get(artifact.Ref(room.SourceRef))
	if err != nil {
		return perrors.Wrap(perrors.CodeAnalysisFailed, "load source document", err)
	}

	report := analyzer.Analyze(string(source))

	instrumented, err := InstrumentMarkers(string(source), report)
	if err != nil {
		return err
	}

	rewritten, err := p.rewrite(ctx, BuildPrompt(instrumented, report))
	if err != nil {
		return err
	}

	document, err := InjectBridge(rewritten, RoomConfig{RoomID: room.ID})
	if err != nil {
		return err
	}

	luaSource, err := SynthesizeValidator(report)
	if err != nil {
		return perrors.Wrap(perrors.CodeValidatorDeployFailed, "synthesize validator", err)
	}

	documentRef, err := p.artifacts.Put(artifact.DomainDocument, []byte(document))
	if err != nil {
		return perrors.Wrap(perrors.CodeArtifactPublishFailed, "publish converted document", err)
	}
	validatorRef, err := p.deployer.Deploy(luaSource)
	if err != nil {
		return err
	}
	if err := p.smokeTest(ctx, room.ID, validatorRef); err != nil {
		return err
	}

	return p.store.UpdateConversion(ctx, room.ID, game.ConversionComplete, "",
		room.SourceRef, string(documentRef), string(validatorRef))
}

// rewrite calls the model with a per-call budget, retrying while the
// conversion budget allows. A structurally invalid document counts as a
// failed attempt.
func (p *Pipeline) rewrite(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= rewriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, timeouts.ModelCall)
		rewritten, err := p.rewriter.Rewrite(callCtx, prompt)
		cancel()
		if err == nil {
			err = ValidateDocument(rewritten)
		}
		if err == nil {
			return rewritten, nil
		}
		lastErr = err
		log.Printf("rewrite attempt failed attempt=%d error=%v", attempt, err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return "", perrors.Wrap(perrors.CodeLLMFailed, "rewrite document", lastErr)
}

// smokeTest resolves the deployed validator and checks that a JOIN on a
// fresh lobby state is accepted. A validator that cannot admit its first
// player is never published as complete.
func (p *Pipeline) smokeTest(ctx context.Context, roomID string, ref artifact.Ref) error {
	module, err := p.deployer.Resolve(ref)
	if err != nil {
		return perrors.Wrap(perrors.CodeValidatorDeployFailed, "resolve deployed validator", err)
	}
	result, err := module.Validate(ctx, validator.Input{
		Action:    string(game.ActionJoin),
		State:     game.NewDocument(),
		PlayerID:  "smoke-check",
		RoomID:    roomID,
		Timestamp: p.now().UnixMilli(),
	})
	if err != nil {
		return perrors.Wrap(perrors.CodeValidatorDeployFailed, "smoke test validator", err)
	}
	if !result.Valid {
		return perrors.New(perrors.CodeValidatorDeployFailed,
			fmt.Sprintf("validator rejected initial join: %s", result.Reason))
	}
	if len(result.UpdatedState) == 0 {
		return perrors.New(perrors.CodeValidatorDeployFailed, "validator produced no initial state")
	}
	return nil
}
