// Package runtime owns live room sessions: it ingests actions, invokes
// the room's validator as the sole admission authority, commits versioned
// state, and fans broadcasts out to subscribers.
//
// All mutations for one room happen under that room's serialization lock,
// so validator invocations never interleave within a room. Rooms are
// independent and process in parallel.
package runtime

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/coplay.space/internal/artifact"
	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/platform/timeouts"
	"github.com/louisbranch/coplay.space/internal/registry"
	"github.com/louisbranch/coplay.space/internal/validator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// subscriberBuffer is the per-subscriber broadcast queue depth. A
// subscriber that falls this far behind is dropped rather than allowed to
// stall the room.
const subscriberBuffer = 16

// Resolver loads a deployed validator module by its artifact reference.
type Resolver interface {
	Resolve(ref artifact.Ref) (validator.Module, error)
}

// Envelope is the submit result returned to the caller.
type Envelope struct {
	Success   bool                `json:"success"`
	State     game.Document       `json:"state,omitempty"`
	Players   []game.PlayerRecord `json:"players,omitempty"`
	Version   int64               `json:"stateVersion,omitempty"`
	Broadcast *game.Broadcast     `json:"broadcast,omitempty"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
}

type seqKey struct {
	playerID string
	seq      int64
}

type subscriber struct {
	ch chan game.Broadcast
}

// Runtime is the per-process session engine.
type Runtime struct {
	rooms    *registry.Registry
	resolver Resolver
	tracer   trace.Tracer
	now      func() time.Time

	submitBudget      time.Duration
	validatorDeadline time.Duration

	mu          sync.Mutex
	subscribers map[string]map[int]*subscriber
	nextSubID   int
	// committed remembers accepted results per client sequence number so
	// a resubmitted action is answered without re-applying it. Rejections
	// are deterministic and recompute instead.
	committed map[string]map[seqKey]Envelope

	Metrics Metrics
}

// Option adjusts runtime behavior.
type Option func(*Runtime)

// WithClock overrides the clock in tests.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) {
		if now != nil {
			rt.now = now
		}
	}
}

// WithSubmitBudget overrides the per-submit deadline.
func WithSubmitBudget(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.submitBudget = d
		}
	}
}

// WithValidatorDeadline overrides the per-validator deadline.
func WithValidatorDeadline(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.validatorDeadline = d
		}
	}
}

// New builds a runtime over the room registry and validator resolver.
func New(rooms *registry.Registry, resolver Resolver, opts ...Option) *Runtime {
	rt := &Runtime{
		rooms:             rooms,
		resolver:          resolver,
		tracer:            otel.Tracer("coplay.space/runtime"),
		now:               time.Now,
		submitBudget:      timeouts.Submit,
		validatorDeadline: timeouts.Validator,
		subscribers:       map[string]map[int]*subscriber{},
		committed:         map[string]map[seqKey]Envelope{},
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Rooms exposes the registry for callers that manage room records
// directly (conversion pipeline, transport listing).
func (rt *Runtime) Rooms() *registry.Registry {
	return rt.rooms
}

// Submit runs one action through the room's validator and, on accept,
// commits the next state version and fans out a broadcast.
//
// Rejections return an Envelope with Success=false and a nil error.
// Infrastructure failures (unknown room, store failure, deadline) return
// a coded error the transport maps to its wire envelope.
func (rt *Runtime) Submit(ctx context.Context, roomID string, action game.Action) (Envelope, error) {
	action, err := game.NormalizeAction(action)
	if err != nil {
		return Envelope{}, perrors.Wrap(perrors.CodeInvalidActionShape, "normalize action", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.submitBudget)
		defer cancel()
	}

	ctx, span := rt.tracer.Start(ctx, "runtime.submit", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("action.kind", string(action.Kind)),
	))
	defer span.End()

	room, err := rt.resolveRoom(ctx, roomID)
	if err != nil {
		return Envelope{}, err
	}
	if room.Terminal() {
		return Envelope{}, perrors.WithMetadata(perrors.CodeRoomTerminated,
			"room finished; only snapshot and subscribe are served",
			map[string]string{"room_id": roomID})
	}

	release, err := rt.rooms.Acquire(ctx, roomID)
	if err != nil {
		rt.Metrics.TimeoutRetries.Add(1)
		return Envelope{}, err
	}
	defer release()

	if cached, ok := rt.replay(roomID, action); ok {
		return cached, nil
	}

	// Re-load under the lock; the pre-lock read may be stale.
	room, err = rt.resolveRoom(ctx, roomID)
	if err != nil {
		return Envelope{}, err
	}
	if room.Terminal() {
		return Envelope{}, perrors.New(perrors.CodeRoomTerminated, "room finished during lock wait")
	}

	timestamp := rt.now().UnixMilli()
	if code := validator.CheckPreconditions(room.State, action); code != "" {
		rt.Metrics.Rejected.Add(1)
		return rejection(code), nil
	}

	input := validator.Input{
		Action:    string(action.Kind),
		State:     room.State,
		PlayerID:  action.PlayerID,
		Data:      action.Data,
		RoomID:    roomID,
		Timestamp: timestamp,
	}
	result, err := rt.validate(ctx, room, action, input)
	if err != nil {
		return Envelope{}, err
	}
	if !result.Valid {
		rt.Metrics.Rejected.Add(1)
		return rejection(perrors.Code(result.Reason)), nil
	}

	// The submit budget gate: an expired deadline discards the validator
	// output instead of committing it.
	if ctx.Err() != nil {
		rt.Metrics.TimeoutRetries.Add(1)
		return Envelope{}, perrors.Wrap(perrors.CodeTimeoutRetry, "submit deadline expired before commit", ctx.Err())
	}

	next := result.UpdatedState
	if next == nil {
		next = room.State
	}
	room.State = next
	room.Phase = next.Phase()
	room.Version = game.NextVersion(room.Version)
	room.UpdatedAt = rt.now().UTC()
	mergeMetadata(&room, result.Metadata)

	if err := rt.rooms.Commit(ctx, room); err != nil {
		rt.Metrics.StoreFailures.Add(1)
		return Envelope{}, perrors.Wrap(perrors.CodeStoreFailure, "commit room state", err)
	}

	kind := result.Broadcast
	if kind == "" {
		kind = game.BroadcastKindFor(action.Kind, room.Phase == game.PhaseEnded)
	}
	broadcast := game.Broadcast{
		Kind:    kind,
		Version: room.Version,
		Changes: result.Changes,
		State:   room.State.Clone(),
		Players: room.Players(),
	}
	rt.fanOut(roomID, broadcast)

	envelope := Envelope{
		Success:   true,
		State:     room.State.Clone(),
		Players:   room.Players(),
		Version:   room.Version,
		Broadcast: &broadcast,
	}
	rt.remember(roomID, action, envelope)
	rt.Metrics.Accepted.Add(1)
	return envelope, nil
}

// validate runs the room's deployed validator, falling back to the
// generic rules for standard kinds when the validator is missing, times
// out, or crashes. Custom kinds have no fallback.
func (rt *Runtime) validate(ctx context.Context, room game.Room, action game.Action, input validator.Input) (validator.Result, error) {
	module, resolveErr := rt.module(room)
	if resolveErr == nil {
		vctx, cancel := context.WithTimeout(ctx, rt.validatorDeadline)
		result, err := module.Validate(vctx, input)
		cancel()
		if err == nil {
			return result, nil
		}
		resolveErr = err
	}

	code := perrors.CodeOf(resolveErr)
	if code == perrors.CodeValidatorTimeout {
		rt.Metrics.ValidatorTimeouts.Add(1)
	}
	switch code {
	case perrors.CodeValidatorTimeout, perrors.CodeValidatorUnavailable, perrors.CodeValidatorLimit:
	default:
		return validator.Result{}, resolveErr
	}
	if !action.Kind.Standard() {
		return validator.Result{}, resolveErr
	}

	rt.Metrics.Fallbacks.Add(1)
	log.Printf("validator fallback room=%s action=%s code=%s", room.ID, action.Kind, code)
	return rt.generic(room).Validate(ctx, input)
}

func (rt *Runtime) module(room game.Room) (validator.Module, error) {
	if room.ValidatorRef == "" {
		return nil, perrors.New(perrors.CodeValidatorUnavailable, "room has no deployed validator")
	}
	return rt.resolver.Resolve(artifact.Ref(room.ValidatorRef))
}

// generic builds the fallback validator, honoring player bounds the
// deployed validator declared through committed metadata.
func (rt *Runtime) generic(room game.Room) *validator.Generic {
	fallback := validator.NewGeneric(room.Kind)
	if max, ok := validator.DeclaredBound(room.Metadata, validator.MetadataMaxPlayers); ok {
		fallback.MaxPlayers = max
	}
	if min, ok := validator.DeclaredBound(room.Metadata, validator.MetadataMinPlayers); ok {
		fallback.MinPlayers = min
	}
	return fallback
}

// Snapshot returns the room's current state and version. Terminal rooms
// keep serving their final state.
func (rt *Runtime) Snapshot(ctx context.Context, roomID string) (game.Room, error) {
	return rt.resolveRoom(ctx, roomID)
}

// Subscription is one subscriber's broadcast stream. C closes when the
// subscriber is dropped, the room is swept, or Close is called.
type Subscription struct {
	C      <-chan game.Broadcast
	cancel func()
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe attaches a broadcast stream to the room. The first message is
// always a SNAPSHOT of the current state, so a subscriber can render
// immediately and use versions to detect gaps.
//
// The room lock makes the snapshot and the registration one atomic step
// against commits: any commit lands either in the snapshot or in the
// stream, never in neither.
func (rt *Runtime) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	release, err := rt.rooms.Acquire(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer release()

	room, err := rt.resolveRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan game.Broadcast, subscriberBuffer)}
	sub.ch <- game.Broadcast{
		Kind:    game.BroadcastSnapshot,
		Version: room.Version,
		State:   room.State.Clone(),
		Players: room.Players(),
	}

	rt.mu.Lock()
	rt.nextSubID++
	id := rt.nextSubID
	if rt.subscribers[roomID] == nil {
		rt.subscribers[roomID] = map[int]*subscriber{}
	}
	rt.subscribers[roomID][id] = sub
	rt.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			rt.mu.Lock()
			if subs := rt.subscribers[roomID]; subs != nil {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(sub.ch)
				}
			}
			rt.mu.Unlock()
		})
	}
	return &Subscription{C: sub.ch, cancel: cancel}, nil
}

// fanOut delivers one broadcast to every subscriber of the room. A full
// subscriber queue drops that subscriber; it never rolls back state or
// stalls the others.
func (rt *Runtime) fanOut(roomID string, broadcast game.Broadcast) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, sub := range rt.subscribers[roomID] {
		select {
		case sub.ch <- broadcast:
		default:
			delete(rt.subscribers[roomID], id)
			close(sub.ch)
			rt.Metrics.SubscribersDropped.Add(1)
			log.Printf("dropped slow subscriber room=%s subscriber=%d version=%d", roomID, id, broadcast.Version)
		}
	}
}

// SweepEnded garbage-collects rooms that ended before the cutoff,
// closing their subscriber streams. Returns the number of rooms removed.
func (rt *Runtime) SweepEnded(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ids, err := rt.rooms.Store().ListEndedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		if err := rt.rooms.Delete(ctx, id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				continue
			}
			return swept, err
		}
		rt.mu.Lock()
		for subID, sub := range rt.subscribers[id] {
			delete(rt.subscribers[id], subID)
			close(sub.ch)
		}
		delete(rt.subscribers, id)
		delete(rt.committed, id)
		rt.mu.Unlock()
		swept++
		rt.Metrics.RoomsSwept.Add(1)
	}
	return swept, nil
}

func (rt *Runtime) resolveRoom(ctx context.Context, roomID string) (game.Room, error) {
	room, err := rt.rooms.Load(ctx, roomID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return game.Room{}, perrors.WithMetadata(perrors.CodeRoomNotFound,
				"no room for identifier", map[string]string{"room_id": roomID})
		}
		return game.Room{}, perrors.Wrap(perrors.CodeStoreFailure, "load room", err)
	}
	if !room.Ready() {
		return game.Room{}, perrors.WithMetadata(perrors.CodeRoomNotReady,
			"room conversion is not complete",
			map[string]string{"room_id": roomID, "status": string(room.ConversionStatus)})
	}
	return room, nil
}

func (rt *Runtime) replay(roomID string, action game.Action) (Envelope, bool) {
	if action.ClientSeq == nil {
		return Envelope{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	envelope, ok := rt.committed[roomID][seqKey{playerID: action.PlayerID, seq: *action.ClientSeq}]
	return envelope, ok
}

func (rt *Runtime) remember(roomID string, action game.Action, envelope Envelope) {
	if action.ClientSeq == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	results := rt.committed[roomID]
	if results == nil {
		results = map[seqKey]Envelope{}
		rt.committed[roomID] = results
	}
	// Bounded per room; the window only needs to cover recent retries.
	const maxRemembered = 256
	if len(results) >= maxRemembered {
		for key := range results {
			delete(results, key)
			if len(results) < maxRemembered {
				break
			}
		}
	}
	results[seqKey{playerID: action.PlayerID, seq: *action.ClientSeq}] = envelope
}

func rejection(code perrors.Code) Envelope {
	return Envelope{
		Success:   false,
		Error:     string(code),
		Retryable: perrors.Retryable(code),
	}
}

func mergeMetadata(room *game.Room, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if room.Metadata == nil {
		room.Metadata = map[string]any{}
	}
	for key, value := range metadata {
		room.Metadata[key] = value
	}
}
