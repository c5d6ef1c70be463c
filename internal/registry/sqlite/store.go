// Package sqlite provides a SQLite-backed room store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/coplay.space/internal/game"
	"github.com/louisbranch/coplay.space/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/coplay.space/internal/registry"
	"github.com/louisbranch/coplay.space/internal/registry/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists rooms in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ registry.RoomStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite room store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const roomColumns = `id, kind, source_ref, document_ref, validator_ref,
	        state, metadata, version, phase, conversion_status,
	        conversion_error, created_at, updated_at`

// CreateRoom inserts one room record.
func (s *Store) CreateRoom(ctx context.Context, room game.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(room.ID)
	if id == "" {
		return game.ErrEmptyRoomID
	}

	stateJSON, metadataJSON, err := encodeDocuments(room)
	if err != nil {
		return err
	}
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := room.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rooms (
		   id, kind, source_ref, document_ref, validator_ref,
		   state, metadata, version, phase, conversion_status,
		   conversion_error, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		room.Kind,
		room.SourceRef,
		room.DocumentRef,
		room.ValidatorRef,
		stateJSON,
		metadataJSON,
		room.Version,
		string(room.Phase),
		string(room.ConversionStatus),
		room.ConversionError,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isRoomUniqueViolation(err) {
			return registry.ErrAlreadyExists
		}
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// GetRoom returns one room by identifier.
func (s *Store) GetRoom(ctx context.Context, id string) (game.Room, error) {
	if err := ctx.Err(); err != nil {
		return game.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return game.Room{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return game.Room{}, game.ErrEmptyRoomID
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+roomColumns+`
		   FROM rooms
		  WHERE id = ?`,
		id,
	)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return game.Room{}, registry.ErrNotFound
		}
		return game.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// UpdateRoom commits the room's gameplay fields in one write. The commit
// is all-or-nothing: a failure leaves the prior record untouched.
func (s *Store) UpdateRoom(ctx context.Context, room game.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	stateJSON, metadataJSON, err := encodeDocuments(room)
	if err != nil {
		return err
	}
	updatedAt := room.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE rooms
		    SET state = ?, metadata = ?, version = ?, phase = ?, updated_at = ?
		  WHERE id = ?`,
		stateJSON,
		metadataJSON,
		room.Version,
		string(room.Phase),
		toMillis(updatedAt),
		room.ID,
	)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// UpdateConversion moves the conversion fields atomically. Empty
// references leave the stored values alone so partial steps can record
// progress.
func (s *Store) UpdateConversion(ctx context.Context, id string, status game.ConversionStatus, reason string, sourceRef, documentRef, validatorRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE rooms
		    SET conversion_status = ?,
		        conversion_error = ?,
		        source_ref = CASE WHEN ? = '' THEN source_ref ELSE ? END,
		        document_ref = CASE WHEN ? = '' THEN document_ref ELSE ? END,
		        validator_ref = CASE WHEN ? = '' THEN validator_ref ELSE ? END,
		        updated_at = ?
		  WHERE id = ?`,
		string(status),
		reason,
		sourceRef, sourceRef,
		documentRef, documentRef,
		validatorRef, validatorRef,
		toMillis(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("update conversion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversion: %w", err)
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// ListRooms returns one id-ordered page of rooms.
func (s *Store) ListRooms(ctx context.Context, pageSize int, pageToken string) (registry.RoomPage, error) {
	if err := ctx.Err(); err != nil {
		return registry.RoomPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return registry.RoomPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		return registry.RoomPage{}, fmt.Errorf("page size must be greater than zero")
	}
	pageToken = strings.TrimSpace(pageToken)

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+roomColumns+`
		   FROM rooms
		  WHERE id > ?
		  ORDER BY id ASC
		  LIMIT ?`,
		pageToken,
		pageSize+1,
	)
	if err != nil {
		return registry.RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	page := registry.RoomPage{Rooms: make([]game.Room, 0, pageSize)}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return registry.RoomPage{}, fmt.Errorf("list rooms: %w", err)
		}
		page.Rooms = append(page.Rooms, room)
	}
	if err := rows.Err(); err != nil {
		return registry.RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}
	if len(page.Rooms) > pageSize {
		page.NextPageToken = page.Rooms[pageSize-1].ID
		page.Rooms = page.Rooms[:pageSize]
	}
	return page, nil
}

// DeleteRoom removes one room record.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// ListEndedBefore returns ids of ended rooms idle since the cutoff.
func (s *Store) ListEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id
		   FROM rooms
		  WHERE phase = ? AND updated_at < ?
		  ORDER BY id ASC
		  LIMIT ?`,
		string(game.PhaseEnded),
		toMillis(cutoff),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ended rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list ended rooms: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ended rooms: %w", err)
	}
	return ids, nil
}

// ClaimPending moves one pending room to processing and returns it. The
// compare-and-set on conversion_status keeps concurrent workers from
// claiming the same room.
func (s *Store) ClaimPending(ctx context.Context) (game.Room, error) {
	if err := ctx.Err(); err != nil {
		return game.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return game.Room{}, fmt.Errorf("storage is not configured")
	}

	for {
		var id string
		err := s.sqlDB.QueryRowContext(
			ctx,
			`SELECT id FROM rooms
			  WHERE conversion_status = ?
			  ORDER BY created_at ASC, id ASC
			  LIMIT 1`,
			string(game.ConversionPending),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return game.Room{}, registry.ErrNotFound
		}
		if err != nil {
			return game.Room{}, fmt.Errorf("claim pending room: %w", err)
		}

		result, err := s.sqlDB.ExecContext(
			ctx,
			`UPDATE rooms
			    SET conversion_status = ?, updated_at = ?
			  WHERE id = ? AND conversion_status = ?`,
			string(game.ConversionProcessing),
			toMillis(time.Now()),
			id,
			string(game.ConversionPending),
		)
		if err != nil {
			return game.Room{}, fmt.Errorf("claim pending room: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return game.Room{}, fmt.Errorf("claim pending room: %w", err)
		}
		if affected == 0 {
			// Lost the race; another worker claimed it first.
			continue
		}
		return s.GetRoom(ctx, id)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (game.Room, error) {
	var room game.Room
	var stateJSON, metadataJSON, phase, status string
	var createdAt, updatedAt int64
	err := row.Scan(
		&room.ID,
		&room.Kind,
		&room.SourceRef,
		&room.DocumentRef,
		&room.ValidatorRef,
		&stateJSON,
		&metadataJSON,
		&room.Version,
		&phase,
		&status,
		&room.ConversionError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return game.Room{}, err
	}

	if err := json.Unmarshal([]byte(stateJSON), &room.State); err != nil {
		return game.Room{}, fmt.Errorf("decode room state: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &room.Metadata); err != nil {
		return game.Room{}, fmt.Errorf("decode room metadata: %w", err)
	}
	room.Phase = game.Phase(phase)
	room.ConversionStatus = game.ConversionStatus(status)
	room.CreatedAt = fromMillis(createdAt)
	room.UpdatedAt = fromMillis(updatedAt)
	return room, nil
}

func encodeDocuments(room game.Room) (stateJSON string, metadataJSON string, err error) {
	state := room.State
	if state == nil {
		state = game.Document{}
	}
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return "", "", fmt.Errorf("encode room state: %w", err)
	}
	metadata := room.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode room metadata: %w", err)
	}
	return string(stateBytes), string(metadataBytes), nil
}

func isRoomUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "rooms.id")
}
