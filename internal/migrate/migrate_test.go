package migrate_test

import (
	"testing"

	"permitline/internal/db"
	"permitline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d", version)
	}

	// data written between runs must survive a re-migration
	if _, err := conn.Exec(`INSERT INTO permit_sequence(day, value) VALUES ('20240601', 3)`); err != nil {
		t.Fatalf("seed sequence: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var value int
	if err := conn.QueryRow(`SELECT value FROM permit_sequence WHERE day='20240601'`).Scan(&value); err != nil {
		t.Fatalf("read sequence: %v", err)
	}
	if value != 3 {
		t.Fatalf("sequence = %d after re-migration", value)
	}
}
