package migrate

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed sql/0001_init.sql
var initSchema string

// steps is the ordered schema history; step N brings the database to
// version N. Append only, never edit a shipped step.
var steps = []string{
	initSchema,
}

// Migrate brings the workspace database up to the current schema
// version. Already-applied steps are skipped, and the whole upgrade
// commits atomically.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for i, stmt := range steps {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema version %d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, v); err != nil {
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
	}
	return tx.Commit()
}
