// Package migrate manages the workspace database schema. Migrations are
// embedded SQL files named NNNN_description.sql, applied in version order;
// the applied version lives in a single-row schema_version table.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	script  string
}

func steps() ([]step, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name needs a version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version prefix %q", e.Name(), prefix)
		}
		data, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: e.Name(), script: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Version reports the schema version currently applied, 0 for a fresh store.
func Version(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("ensure schema_version: %w", err)
	}
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// Migrate brings the database up to the latest embedded schema. Each pending
// step commits together with its version bump, so a failed step leaves the
// store at the last good version.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := apply(db, s); err != nil {
			return err
		}
		current = s.version
	}
	return nil
}

func apply(db *sql.DB, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.script); err != nil {
		return fmt.Errorf("apply %s: %w", s.name, err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("bump version for %s: %w", s.name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, s.version); err != nil {
		return fmt.Errorf("bump version for %s: %w", s.name, err)
	}
	return tx.Commit()
}
