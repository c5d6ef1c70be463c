package bridge

import (
	"fmt"
	"log"
	"sync"
	"time"

	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
)

const (
	defaultBatchInterval = 100 * time.Millisecond
	defaultMaxBatchSize  = 10
	defaultMaxQueueSize  = 256
	maxSendFailures      = 5
)

// SendFunc posts one envelope to the enclosing host.
type SendFunc func(Envelope) error

// Config wires a bridge to one session.
type Config struct {
	RoomID    string
	PlayerID  string
	SessionID string

	// Send delivers batches to the host. Required.
	Send SendFunc

	// BatchInterval is how long normal-priority events may sit queued
	// before a flush. Zero means the default.
	BatchInterval time.Duration
	// MaxBatchSize flushes the queue once this many events are pending.
	MaxBatchSize int
	// MaxQueueSize bounds the queue; overflow evicts per the drop policy.
	MaxQueueSize int

	// Now overrides the clock in tests.
	Now func() time.Time
	// Logf overrides the logger in tests.
	Logf func(format string, args ...any)
}

// Bridge is the per-session event pipe between a game document and its
// host. Emitted events are stamped with a strictly increasing sequence
// number, queued, and flushed in batches; host messages are routed to
// registered handlers by kind.
type Bridge struct {
	cfg Config

	mu        sync.Mutex
	seq       uint64
	queue     []Event
	timer     *time.Timer
	failures  int
	destroyed bool

	handlers      map[HostEventKind]map[int]func(HostMessage)
	nextHandlerID int
}

// New builds a bridge for one session.
func New(cfg Config) (*Bridge, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("bridge: Send is required")
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = defaultBatchInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Bridge{
		cfg:      cfg,
		handlers: map[HostEventKind]map[int]func(HostMessage){},
	}, nil
}

// EmitOption adjusts one emitted event.
type EmitOption func(*Event)

// WithPriority marks the event for immediate flush when high.
func WithPriority(p Priority) EmitOption {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithScope tags an UPDATE event's origin.
func WithScope(s Scope) EmitOption {
	return func(e *Event) { e.Metadata.Scope = s }
}

// Emit queues one event. ERROR and high-priority events flush the queue
// immediately; everything else waits for the batch interval or the size
// threshold. The returned event carries the assigned sequence number.
func (b *Bridge) Emit(kind EventKind, data map[string]any, opts ...EmitOption) (Event, error) {
	if !kind.Valid() {
		return Event{}, perrors.WithMetadata(perrors.CodeInvalidKind,
			"unknown bridge event kind", map[string]string{"kind": string(kind)})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return Event{}, fmt.Errorf("bridge: session %s destroyed", b.cfg.SessionID)
	}

	b.seq++
	event := Event{
		Type: kind,
		Data: data,
		Metadata: Metadata{
			RoomID:         b.cfg.RoomID,
			PlayerID:       b.cfg.PlayerID,
			SessionID:      b.cfg.SessionID,
			Timestamp:      b.cfg.Now().UnixMilli(),
			SequenceNumber: b.seq,
			Priority:       PriorityNormal,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}

	b.enqueueLocked(event)

	if kind == EventError || event.Metadata.Priority == PriorityHigh {
		b.flushLocked()
	} else if len(b.queue) >= b.cfg.MaxBatchSize {
		b.flushLocked()
	} else {
		b.scheduleLocked(b.cfg.BatchInterval)
	}
	return event, nil
}

// enqueueLocked appends to the queue, evicting on overflow. The drop
// order is UPDATE first, then INTERACTION, then TRANSITION; ERROR events
// are never dropped. If nothing is evictable the new event is appended
// anyway rather than losing an ERROR.
func (b *Bridge) enqueueLocked(event Event) {
	if len(b.queue) >= b.cfg.MaxQueueSize {
		if !b.dropOneLocked() {
			b.cfg.Logf("bridge queue over capacity with only ERROR events session=%s", b.cfg.SessionID)
		}
	}
	b.queue = append(b.queue, event)
}

func (b *Bridge) dropOneLocked() bool {
	for _, kind := range []EventKind{EventUpdate, EventInteraction, EventTransition} {
		for i, queued := range b.queue {
			if queued.Type == kind {
				dropped := queued
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				b.cfg.Logf("bridge queue full, dropped event kind=%s seq=%d session=%s",
					dropped.Type, dropped.Metadata.SequenceNumber, b.cfg.SessionID)
				return true
			}
		}
	}
	return false
}

func (b *Bridge) scheduleLocked(after time.Duration) {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(after, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.timer = nil
		if !b.destroyed {
			b.flushLocked()
		}
	})
}

// Flush forces delivery of every queued event.
func (b *Bridge) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// flushLocked sends the whole queue as one envelope. On failure the
// batch stays queued in order, the retry timer backs off linearly, and a
// local ERROR is reported to subscribers; after maxSendFailures the
// batch is abandoned so the queue cannot wedge forever.
func (b *Bridge) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}

	batch := b.queue
	b.queue = nil

	envelope := Envelope{
		Source:   EnvelopeSource,
		RoomID:   b.cfg.RoomID,
		PlayerID: b.cfg.PlayerID,
		Events:   batch,
	}
	if err := b.cfg.Send(envelope); err != nil {
		b.failures++
		b.cfg.Logf("bridge send failed attempt=%d events=%d session=%s err=%v",
			b.failures, len(batch), b.cfg.SessionID, err)
		if b.failures >= maxSendFailures {
			b.cfg.Logf("bridge dropping batch after %d failed sends session=%s", b.failures, b.cfg.SessionID)
			b.failures = 0
		} else {
			b.queue = append(batch, b.queue...)
			b.scheduleLocked(time.Duration(b.failures) * b.cfg.BatchInterval)
		}
		b.notifyLocked(HostMessage{
			Target: EnvelopeSource,
			RoomID: b.cfg.RoomID,
			Type:   HostError,
			Data:   map[string]any{"message": err.Error(), "attempt": b.failures, "events": len(batch)},
		})
		return
	}
	b.failures = 0
}

// On registers a handler for one host event kind (or Wildcard for all).
// The returned function removes the registration.
func (b *Bridge) On(kind HostEventKind, handler func(HostMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandlerID++
	id := b.nextHandlerID
	if b.handlers[kind] == nil {
		b.handlers[kind] = map[int]func(HostMessage){}
	}
	b.handlers[kind][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

// Deliver routes one host message to registered handlers. Messages for a
// different room and unknown kinds are logged and dropped; they never
// crash the session.
func (b *Bridge) Deliver(msg HostMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	if msg.RoomID != "" && msg.RoomID != b.cfg.RoomID {
		b.cfg.Logf("bridge ignoring message for room=%s (bound to %s)", msg.RoomID, b.cfg.RoomID)
		return
	}
	if _, ok := validHostKinds[msg.Type]; !ok {
		b.cfg.Logf("bridge ignoring unknown host event kind=%s session=%s", msg.Type, b.cfg.SessionID)
		return
	}
	b.notifyLocked(msg)
}

func (b *Bridge) notifyLocked(msg HostMessage) {
	// Handlers run under the lock; they must not call back into the
	// bridge. Snapshotting instead would reorder deliveries.
	for _, handler := range b.handlers[msg.Type] {
		handler(msg)
	}
	for _, handler := range b.handlers[Wildcard] {
		handler(msg)
	}
}

// Destroy flushes pending events and tears the bridge down. Further
// emits fail and further deliveries are ignored.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.flushLocked()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.destroyed = true
	b.handlers = map[HostEventKind]map[int]func(HostMessage){}
}
