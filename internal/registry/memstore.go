package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/coplay.space/internal/game"
)

// MemStore is an in-memory RoomStore. It backs tests and single-process
// deployments that run without a database path configured.
type MemStore struct {
	mu    sync.Mutex
	rooms map[string]game.Room
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{rooms: map[string]game.Room{}}
}

var _ RoomStore = (*MemStore)(nil)

// CreateRoom implements RoomStore.
func (s *MemStore) CreateRoom(ctx context.Context, room game.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return ErrAlreadyExists
	}
	s.rooms[room.ID] = snapshotRoom(room)
	return nil
}

// GetRoom implements RoomStore.
func (s *MemStore) GetRoom(ctx context.Context, id string) (game.Room, error) {
	if err := ctx.Err(); err != nil {
		return game.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return game.Room{}, ErrNotFound
	}
	return snapshotRoom(room), nil
}

// UpdateRoom implements RoomStore.
func (s *MemStore) UpdateRoom(ctx context.Context, room game.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; !ok {
		return ErrNotFound
	}
	s.rooms[room.ID] = snapshotRoom(room)
	return nil
}

// UpdateConversion implements RoomStore.
func (s *MemStore) UpdateConversion(ctx context.Context, id string, status game.ConversionStatus, reason string, sourceRef, documentRef, validatorRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return ErrNotFound
	}
	room.ConversionStatus = status
	room.ConversionError = reason
	if sourceRef != "" {
		room.SourceRef = sourceRef
	}
	if documentRef != "" {
		room.DocumentRef = documentRef
	}
	if validatorRef != "" {
		room.ValidatorRef = validatorRef
	}
	room.UpdatedAt = time.Now().UTC()
	s.rooms[id] = room
	return nil
}

// ListRooms implements RoomStore with id-ordered keyset pagination.
func (s *MemStore) ListRooms(ctx context.Context, pageSize int, pageToken string) (RoomPage, error) {
	if err := ctx.Err(); err != nil {
		return RoomPage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		if id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := RoomPage{}
	for _, id := range ids {
		if len(page.Rooms) == pageSize {
			page.NextPageToken = page.Rooms[pageSize-1].ID
			break
		}
		page.Rooms = append(page.Rooms, snapshotRoom(s.rooms[id]))
	}
	return page, nil
}

// DeleteRoom implements RoomStore.
func (s *MemStore) DeleteRoom(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

// ListEndedBefore implements RoomStore.
func (s *MemStore) ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, room := range s.rooms {
		if room.Phase == game.PhaseEnded && room.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ClaimPending implements RoomStore.
func (s *MemStore) ClaimPending(ctx context.Context) (game.Room, error) {
	if err := ctx.Err(); err != nil {
		return game.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.rooms))
	for id, room := range s.rooms {
		if room.ConversionStatus == game.ConversionPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return game.Room{}, ErrNotFound
	}
	sort.Strings(ids)

	room := s.rooms[ids[0]]
	room.ConversionStatus = game.ConversionProcessing
	room.UpdatedAt = time.Now().UTC()
	s.rooms[ids[0]] = room
	return snapshotRoom(room), nil
}

// snapshotRoom deep-copies the mutable document so callers cannot alias
// stored state.
func snapshotRoom(room game.Room) game.Room {
	room.State = room.State.Clone()
	if room.Metadata != nil {
		metadata := make(map[string]any, len(room.Metadata))
		for key, value := range room.Metadata {
			metadata[key] = value
		}
		room.Metadata = metadata
	}
	return room
}
