package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/arqueio/arque/pkg/store/sqlite/migrate"
)

// migrationTable tracks applied schema versions for the event store.
const migrationTable = "arque_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

func runMigrations(db *sql.DB) error {
	m := migrate.New(db, migrationTable)

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
