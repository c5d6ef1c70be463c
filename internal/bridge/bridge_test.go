package bridge

import (
	"errors"
	"fmt"
	"testing"
	"time"

	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
)

type capture struct {
	envelopes []Envelope
	fail      int
}

func (c *capture) send(env Envelope) error {
	if c.fail > 0 {
		c.fail--
		return errors.New("postMessage failed")
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *capture) events() []Event {
	var all []Event
	for _, env := range c.envelopes {
		all = append(all, env.Events...)
	}
	return all
}

func newTestBridge(t *testing.T, sink *capture, adjust func(*Config)) *Bridge {
	t.Helper()
	cfg := Config{
		RoomID:    "room-1",
		PlayerID:  "p1",
		SessionID: "session-1",
		Send:      sink.send,
		// A long interval keeps the timer out of these tests; flushes
		// happen via size, priority, or explicit Flush.
		BatchInterval: time.Hour,
		MaxBatchSize:  10,
		MaxQueueSize:  8,
		Logf:          func(string, ...any) {},
	}
	if adjust != nil {
		adjust(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(b.Destroy)
	return b
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	sink := &capture{}
	// A queue wider than the emit count keeps overflow eviction out of
	// this test; ordering is the property under test.
	b := newTestBridge(t, sink, func(cfg *Config) { cfg.MaxQueueSize = 64 })

	for i := 0; i < 25; i++ {
		if _, err := b.Emit(EventInteraction, map[string]any{"i": i}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	b.Flush()

	events := sink.events()
	if len(events) != 25 {
		t.Fatalf("delivered = %d, want 25", len(events))
	}
	var last uint64
	for i, event := range events {
		if event.Metadata.SequenceNumber <= last {
			t.Fatalf("event %d sequence %d not greater than %d", i, event.Metadata.SequenceNumber, last)
		}
		last = event.Metadata.SequenceNumber
	}
}

func TestBatchSizeThresholdFlushes(t *testing.T) {
	sink := &capture{}
	b := newTestBridge(t, sink, func(cfg *Config) { cfg.MaxBatchSize = 3 })

	b.Emit(EventUpdate, nil)
	b.Emit(EventUpdate, nil)
	if len(sink.envelopes) != 0 {
		t.Fatalf("flushed early with %d envelopes", len(sink.envelopes))
	}
	b.Emit(EventUpdate, nil)
	if len(sink.envelopes) != 1 {
		t.Fatalf("envelopes = %d, want 1", len(sink.envelopes))
	}
	if got := len(sink.envelopes[0].Events); got != 3 {
		t.Fatalf("batch size = %d, want 3", got)
	}
}

func TestBatchIntervalFlushes(t *testing.T) {
	sink := &capture{}
	b := newTestBridge(t, sink, func(cfg *Config) { cfg.BatchInterval = 10 * time.Millisecond })

	b.Emit(EventUpdate, nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(sink.envelopes)
		b.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("interval flush never fired")
}

func TestErrorAndHighPriorityFlushImmediately(t *testing.T) {
	sink := &capture{}
	b := newTestBridge(t, sink, nil)

	b.Emit(EventUpdate, nil)
	b.Emit(EventError, map[string]any{"message": "boom"})
	if len(sink.envelopes) != 1 {
		t.Fatalf("envelopes after ERROR = %d, want 1", len(sink.envelopes))
	}
	// The ERROR follows the events it reports on within the batch.
	batch := sink.envelopes[0].Events
	if batch[0].Type != EventUpdate || batch[1].Type != EventError {
		t.Fatalf("batch order = %s, %s", batch[0].Type, batch[1].Type)
	}

	b.Emit(EventTransition, map[string]any{"to": "gameover"}, WithPriority(PriorityHigh))
	if len(sink.envelopes) != 2 {
		t.Fatalf("envelopes after high priority = %d, want 2", len(sink.envelopes))
	}
}

func TestOverflowDropOrder(t *testing.T) {
	sink := &capture{}
	b := newTestBridge(t, sink, func(cfg *Config) {
		cfg.MaxBatchSize = 100
		cfg.MaxQueueSize = 4
	})

	b.Emit(EventTransition, map[string]any{"n": 1})
	b.Emit(EventUpdate, map[string]any{"n": 2})
	b.Emit(EventInteraction, map[string]any{"n": 3})
	b.Emit(EventUpdate, map[string]any{"n": 4})
	// Queue is full; the next emits evict UPDATEs first, then the
	// INTERACTION, never the TRANSITION.
	b.Emit(EventInteraction, map[string]any{"n": 5})
	b.Emit(EventInteraction, map[string]any{"n": 6})
	b.Emit(EventTransition, map[string]any{"n": 7})
	b.Flush()

	events := sink.events()
	if len(events) != 4 {
		t.Fatalf("delivered = %d, want 4", len(events))
	}
	kinds := make([]EventKind, len(events))
	for i, event := range events {
		kinds[i] = event.Type
	}
	want := []EventKind{EventTransition, EventInteraction, EventInteraction, EventTransition}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestErrorEventsAreNeverDropped(t *testing.T) {
	sink := &capture{fail: 100}
	b := newTestBridge(t, sink, func(cfg *Config) {
		cfg.MaxBatchSize = 100
		cfg.MaxQueueSize = 2
	})

	// Sends fail, so ERROR events pile up past the queue bound.
	for i := 0; i < 5; i++ {
		b.Emit(EventError, map[string]any{"n": i})
	}
	b.mu.Lock()
	for _, queued := range b.queue {
		if queued.Type != EventError {
			b.mu.Unlock()
			t.Fatalf("non-ERROR event survived in queue: %s", queued.Type)
		}
	}
	b.mu.Unlock()
}

func TestSendFailureRetriesInOrder(t *testing.T) {
	sink := &capture{fail: 2}
	b := newTestBridge(t, sink, nil)

	var reported []HostMessage
	b.On(HostError, func(msg HostMessage) { reported = append(reported, msg) })

	b.Emit(EventUpdate, map[string]any{"n": 1})
	b.Flush() // fails, batch requeued
	b.Emit(EventUpdate, map[string]any{"n": 2})
	b.Flush() // fails again
	b.Flush() // succeeds

	if len(reported) != 2 {
		t.Fatalf("local ERROR reports = %d, want 2", len(reported))
	}
	events := sink.events()
	if len(events) != 2 {
		t.Fatalf("delivered = %d, want 2", len(events))
	}
	if events[0].Metadata.SequenceNumber >= events[1].Metadata.SequenceNumber {
		t.Fatal("retry reordered events")
	}
}

func TestEmitRejectsUnknownKind(t *testing.T) {
	b := newTestBridge(t, &capture{}, nil)
	_, err := b.Emit(EventKind("TELEPORT"), nil)
	if !perrors.IsCode(err, perrors.CodeInvalidKind) {
		t.Fatalf("expected INVALID_KIND, got %v", err)
	}
}

func TestDeliverRoutesByKind(t *testing.T) {
	b := newTestBridge(t, &capture{}, nil)

	var stateUpdates, all int
	off := b.On(HostStateUpdate, func(HostMessage) { stateUpdates++ })
	b.On(Wildcard, func(HostMessage) { all++ })

	b.Deliver(HostMessage{Type: HostStateUpdate, RoomID: "room-1"})
	b.Deliver(HostMessage{Type: HostGameEvent, RoomID: "room-1"})
	b.Deliver(HostMessage{Type: HostEventKind("MYSTERY"), RoomID: "room-1"})
	b.Deliver(HostMessage{Type: HostStateUpdate, RoomID: "other-room"})

	if stateUpdates != 1 {
		t.Fatalf("stateUpdates = %d, want 1", stateUpdates)
	}
	if all != 2 {
		t.Fatalf("wildcard deliveries = %d, want 2", all)
	}

	off()
	b.Deliver(HostMessage{Type: HostStateUpdate, RoomID: "room-1"})
	if stateUpdates != 1 {
		t.Fatalf("handler ran after unsubscribe: %d", stateUpdates)
	}
}

func TestDestroyFlushesAndSeals(t *testing.T) {
	sink := &capture{}
	b := newTestBridge(t, sink, nil)

	b.Emit(EventUpdate, nil)
	b.Destroy()

	if len(sink.events()) != 1 {
		t.Fatalf("destroy did not flush: %d events", len(sink.events()))
	}
	if _, err := b.Emit(EventUpdate, nil); err == nil {
		t.Fatal("emit after destroy succeeded")
	}
}

func TestConcurrentEmitsKeepUniqueSequences(t *testing.T) {
	sink := &capture{}
	b := newTestBridge(t, sink, func(cfg *Config) { cfg.MaxQueueSize = 2048 })

	const workers, perWorker = 8, 50
	done := make(chan Event, workers*perWorker)
	for w := 0; w < workers; w++ {
		go func(w int) {
			for i := 0; i < perWorker; i++ {
				event, err := b.Emit(EventInteraction, map[string]any{"worker": w})
				if err != nil {
					panic(fmt.Sprintf("emit: %v", err))
				}
				done <- event
			}
		}(w)
	}

	seen := map[uint64]bool{}
	for i := 0; i < workers*perWorker; i++ {
		event := <-done
		if seen[event.Metadata.SequenceNumber] {
			t.Fatalf("duplicate sequence %d", event.Metadata.SequenceNumber)
		}
		seen[event.Metadata.SequenceNumber] = true
	}
}
