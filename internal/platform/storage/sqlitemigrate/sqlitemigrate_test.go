package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyMigrationsRunsInOrder(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE rooms (id TEXT PRIMARY KEY);")},
		"0002_column.sql": {Data: []byte("ALTER TABLE rooms ADD COLUMN kind TEXT;")},
	}

	if err := ApplyMigrations(sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if _, err := sqlDB.Exec("INSERT INTO rooms (id, kind) VALUES ('r1', 'board-3x3')"); err != nil {
		t.Fatalf("expected both migrations applied: %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE rooms (id TEXT PRIMARY KEY);")},
	}

	if err := ApplyMigrations(sqlDB, migrations); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// A second run must skip the already-applied file instead of failing
	// on CREATE TABLE.
	if err := ApplyMigrations(sqlDB, migrations); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded migration, got %d", count)
	}
}

func TestApplyMigrationsSkipsEmptyFiles(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE rooms (id TEXT PRIMARY KEY);")},
		"0002_empty.sql":  {Data: []byte("  \n")},
	}

	if err := ApplyMigrations(sqlDB, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected empty migration to be skipped, got %d records", count)
	}
}

func TestApplyMigrationsRequiresDB(t *testing.T) {
	if err := ApplyMigrations(nil, fstest.MapFS{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}
