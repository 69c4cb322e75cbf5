package migrate_test

import (
	"testing"

	"switchyard/internal/db"
	"switchyard/internal/migrate"
)

func TestMigrateFreshStore(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if v, err := migrate.Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh store version = %d, %v", v, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if v == 0 {
		t.Fatal("version not bumped after migrate")
	}

	// core tables exist and are writable
	for _, table := range []string{"work_items", "item_deps", "workflow_transitions", "audit_log", "api_keys"} {
		var n int
		if err := conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	first, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	second, err := migrate.Version(conn)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("version moved on a no-op migrate: %d -> %d", first, second)
	}
	var rows int
	if err := conn.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("schema_version should hold one row, has %d", rows)
	}
}
