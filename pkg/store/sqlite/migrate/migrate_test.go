package migrate

import (
	"database/sql"
	"embed"
	"testing"

	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFreshDatabase(t *testing.T) {
	m := New(openTestDB(t), "test_migrations")

	version, err := m.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on a fresh database, got %d", version)
	}
}

func TestUpAppliesAllPending(t *testing.T) {
	db := openTestDB(t)
	m := New(db, "test_migrations")

	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if len(m.migrations) != 2 {
		t.Fatalf("expected 2 migrations loaded, got %d", len(m.migrations))
	}

	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	// Both steps must have landed: table from 1, column from 2.
	if _, err := db.Exec("INSERT INTO widgets (id, name, label) VALUES (1, 'a', 'b')"); err != nil {
		t.Fatalf("schema incomplete after Up: %v", err)
	}

	// Up is idempotent.
	if err := m.Up(); err != nil {
		t.Fatalf("second Up failed: %v", err)
	}
}

func TestDownRollsBackLast(t *testing.T) {
	db := openTestDB(t)
	m := New(db, "test_migrations")

	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}

	// The label column is gone again.
	if _, err := db.Exec("INSERT INTO widgets (id, name, label) VALUES (1, 'a', 'b')"); err == nil {
		t.Error("expected insert into rolled-back column to fail")
	}
	if _, err := db.Exec("INSERT INTO widgets (id, name) VALUES (1, 'a')"); err != nil {
		t.Fatalf("base schema broken after rollback: %v", err)
	}
}

func TestDownWithoutMigrations(t *testing.T) {
	m := New(openTestDB(t), "test_migrations")

	if err := m.Down(); err == nil {
		t.Error("expected Down on a fresh database to fail")
	}
}
