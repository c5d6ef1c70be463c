// Package registry owns the set of live rooms: the persistence contract,
// per-room serialization locks, and a bounded freshness cache for hot
// rooms. Correctness never depends on a cache hit; the store is always
// authoritative.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/louisbranch/coplay.space/internal/game"
	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
	"github.com/louisbranch/coplay.space/internal/platform/timeouts"
)

var (
	// ErrNotFound indicates no room exists for the identifier.
	ErrNotFound = errors.New("room not found")
	// ErrAlreadyExists indicates a room identifier collision.
	ErrAlreadyExists = errors.New("room already exists")
)

// RoomPage is one page of room records.
type RoomPage struct {
	Rooms         []game.Room
	NextPageToken string
}

// RoomStore is the persistence contract for rooms. Implementations must
// make UpdateRoom atomic: a failed commit leaves the prior record intact.
type RoomStore interface {
	CreateRoom(ctx context.Context, room game.Room) error
	GetRoom(ctx context.Context, id string) (game.Room, error)
	// UpdateRoom commits state, players, metadata, version, phase, and
	// updatedAt in one atomic write.
	UpdateRoom(ctx context.Context, room game.Room) error
	// UpdateConversion atomically moves a room's conversion fields.
	UpdateConversion(ctx context.Context, id string, status game.ConversionStatus, reason string, sourceRef, documentRef, validatorRef string) error
	ListRooms(ctx context.Context, pageSize int, pageToken string) (RoomPage, error)
	DeleteRoom(ctx context.Context, id string) error
	// ListEndedBefore returns ids of ended rooms idle since the cutoff,
	// for garbage collection.
	ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// ClaimPending atomically moves one pending room to processing and
	// returns it; ErrNotFound when no conversion work is queued.
	ClaimPending(ctx context.Context) (game.Room, error)
}

type cacheEntry struct {
	room      game.Room
	fetchedAt time.Time
}

// Registry fronts a RoomStore with per-room FIFO locks and a freshness
// cache. All gameplay mutations for one room happen under its lock, which
// gives the total per-room action order.
type Registry struct {
	store     RoomStore
	freshness time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	locks map[string]chan struct{}
}

// Option adjusts registry behavior.
type Option func(*Registry)

// WithFreshness overrides the cache freshness window.
func WithFreshness(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.freshness = d
		}
	}
}

// WithClock overrides the clock in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New fronts the store with locks and a cache.
func New(store RoomStore, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		freshness: timeouts.CacheFreshness,
		now:       time.Now,
		cache:     map[string]cacheEntry{},
		locks:     map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the underlying store for callers that bypass the cache
// (conversion worker, garbage collector).
func (r *Registry) Store() RoomStore {
	return r.store
}

// Acquire takes the room's serialization lock, waiting at most until the
// context deadline. Waiters are served in arrival order. Deadline expiry
// surfaces as TIMEOUT_RETRY so clients know to resubmit.
func (r *Registry) Acquire(ctx context.Context, roomID string) (func(), error) {
	r.mu.Lock()
	lock, ok := r.locks[roomID]
	if !ok {
		lock = make(chan struct{}, 1)
		r.locks[roomID] = lock
	}
	r.mu.Unlock()

	select {
	case lock <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-lock })
		}, nil
	case <-ctx.Done():
		return nil, perrors.Wrap(perrors.CodeTimeoutRetry, "waiting for room lock", ctx.Err())
	}
}

// Load returns the room, from cache when fetched within the freshness
// window, otherwise from the store.
func (r *Registry) Load(ctx context.Context, roomID string) (game.Room, error) {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.cache[roomID]
	r.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < r.freshness {
		return entry.room, nil
	}

	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return game.Room{}, err
	}
	r.mu.Lock()
	r.cache[roomID] = cacheEntry{room: room, fetchedAt: now}
	r.mu.Unlock()
	return room, nil
}

// Create persists a new room.
func (r *Registry) Create(ctx context.Context, room game.Room) error {
	if err := r.store.CreateRoom(ctx, room); err != nil {
		return err
	}
	r.refresh(room)
	return nil
}

// Commit writes an accepted mutation and refreshes the cache entry so
// the next read within the window sees the new state.
func (r *Registry) Commit(ctx context.Context, room game.Room) error {
	if err := r.store.UpdateRoom(ctx, room); err != nil {
		// The store is all-or-nothing; drop the cache entry so the next
		// read observes whatever actually persisted.
		r.Invalidate(room.ID)
		return err
	}
	r.refresh(room)
	return nil
}

// Invalidate drops the cache entry for one room.
func (r *Registry) Invalidate(roomID string) {
	r.mu.Lock()
	delete(r.cache, roomID)
	r.mu.Unlock()
}

// Delete removes a room, its cache entry, and its lock.
func (r *Registry) Delete(ctx context.Context, roomID string) error {
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, roomID)
	delete(r.locks, roomID)
	r.mu.Unlock()
	return nil
}

func (r *Registry) refresh(room game.Room) {
	r.mu.Lock()
	r.cache[room.ID] = cacheEntry{room: room, fetchedAt: r.now()}
	r.mu.Unlock()
}
