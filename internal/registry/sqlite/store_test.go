package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/coplay.space/internal/game"
	"github.com/louisbranch/coplay.space/internal/registry"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func testRoom(t *testing.T, id string) game.Room {
	t.Helper()
	room, err := game.NewRoom(id, "board-3x3-turn-based", time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new room: %v", err)
	}
	return room
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestCreateGetRoomRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	room := testRoom(t, "room-1")
	room.State.SetNumber("counter", 4)
	room.State.AddPlayer(game.NewPlayerRecord("p1", map[string]any{"name": "Ada"}, room.CreatedAt))
	room.Metadata["maxPlayers"] = float64(2)

	if err := store.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}

	got, err := store.GetRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.Kind != room.Kind {
		t.Fatalf("kind = %q, want %q", got.Kind, room.Kind)
	}
	if got.Phase != game.PhaseLobby || got.ConversionStatus != game.ConversionPending {
		t.Fatalf("lifecycle = %s/%s", got.Phase, got.ConversionStatus)
	}
	if counter, _ := got.State.Number("counter"); counter != 4 {
		t.Fatalf("counter = %v, want 4", counter)
	}
	players := got.Players()
	if len(players) != 1 || players[0].ID != "p1" {
		t.Fatalf("players = %+v", players)
	}
	if got.Metadata["maxPlayers"] != float64(2) {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(room.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, room.CreatedAt)
	}
}

func TestCreateRoomReturnsAlreadyExistsOnDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	room := testRoom(t, "room-1")
	if err := store.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := store.CreateRoom(context.Background(), room); !errors.Is(err, registry.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetRoomReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.GetRoom(context.Background(), "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRoomCommitsGameplayFields(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	room := testRoom(t, "room-1")
	if err := store.CreateRoom(context.Background(), room); err != nil {
		t.Fatalf("create room: %v", err)
	}

	room.Version = 3
	room.Phase = game.PhaseActive
	room.State.SetNumber("round", 1)
	room.UpdatedAt = room.CreatedAt.Add(time.Minute)
	if err := store.UpdateRoom(context.Background(), room); err != nil {
		t.Fatalf("update room: %v", err)
	}

	got, err := store.GetRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.Version != 3 || got.Phase != game.PhaseActive {
		t.Fatalf("version/phase = %d/%s", got.Version, got.Phase)
	}
	if round, _ := got.State.Number("round"); round != 1 {
		t.Fatalf("round = %v, want 1", round)
	}
	if !got.UpdatedAt.Equal(room.UpdatedAt) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, room.UpdatedAt)
	}

	missing := testRoom(t, "missing")
	if err := store.UpdateRoom(context.Background(), missing); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConversionKeepsExistingRefs(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if err := store.CreateRoom(context.Background(), testRoom(t, "room-1")); err != nil {
		t.Fatalf("create room: %v", err)
	}

	if err := store.UpdateConversion(context.Background(), "room-1", game.ConversionProcessing, "", "source:abc", "", ""); err != nil {
		t.Fatalf("record source ref: %v", err)
	}
	if err := store.UpdateConversion(context.Background(), "room-1", game.ConversionComplete, "", "", "document:def", "validator:123"); err != nil {
		t.Fatalf("complete conversion: %v", err)
	}

	got, err := store.GetRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.SourceRef != "source:abc" {
		t.Fatalf("source_ref = %q, want the earlier value kept", got.SourceRef)
	}
	if got.DocumentRef != "document:def" || got.ValidatorRef != "validator:123" {
		t.Fatalf("refs = %q/%q", got.DocumentRef, got.ValidatorRef)
	}
	if !got.Ready() {
		t.Fatalf("status = %s, want complete", got.ConversionStatus)
	}
}

func TestListRoomsPaginates(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	for _, id := range []string{"room-c", "room-a", "room-b"} {
		if err := store.CreateRoom(context.Background(), testRoom(t, id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	page, err := store.ListRooms(context.Background(), 2, "")
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(page.Rooms) != 2 || page.Rooms[0].ID != "room-a" || page.NextPageToken != "room-b" {
		t.Fatalf("page = %+v", page)
	}

	page, err = store.ListRooms(context.Background(), 2, page.NextPageToken)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Rooms) != 1 || page.Rooms[0].ID != "room-c" || page.NextPageToken != "" {
		t.Fatalf("second page = %+v", page)
	}
}

func TestDeleteRoom(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if err := store.CreateRoom(context.Background(), testRoom(t, "room-1")); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := store.DeleteRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	if err := store.DeleteRoom(context.Background(), "room-1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEndedBefore(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Now().UTC()

	old := testRoom(t, "room-old")
	old.Phase = game.PhaseEnded
	old.UpdatedAt = now.Add(-48 * time.Hour)
	live := testRoom(t, "room-live")
	live.Phase = game.PhaseActive
	live.UpdatedAt = now.Add(-48 * time.Hour)
	for _, room := range []game.Room{old, live} {
		if err := store.CreateRoom(context.Background(), room); err != nil {
			t.Fatalf("create %s: %v", room.ID, err)
		}
	}

	ids, err := store.ListEndedBefore(context.Background(), now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("list ended: %v", err)
	}
	if len(ids) != 1 || ids[0] != "room-old" {
		t.Fatalf("ids = %v, want [room-old]", ids)
	}
}

func TestClaimPendingIsExclusive(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.ClaimPending(context.Background()); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no work, got %v", err)
	}

	first := testRoom(t, "room-first")
	first.CreatedAt = time.Date(2026, time.August, 20, 11, 0, 0, 0, time.UTC)
	second := testRoom(t, "room-second")
	second.CreatedAt = time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	for _, room := range []game.Room{second, first} {
		if err := store.CreateRoom(context.Background(), room); err != nil {
			t.Fatalf("create %s: %v", room.ID, err)
		}
	}

	claimed, err := store.ClaimPending(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "room-first" || claimed.ConversionStatus != game.ConversionProcessing {
		t.Fatalf("claimed = %s/%s, want the oldest pending room", claimed.ID, claimed.ConversionStatus)
	}

	next, err := store.ClaimPending(context.Background())
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if next.ID != "room-second" {
		t.Fatalf("next = %s, want room-second", next.ID)
	}
	if _, err := store.ClaimPending(context.Background()); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}
