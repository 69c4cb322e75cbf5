// Package db opens the workspace's SQLite store. Each workspace keeps one
// database file under its .switchyard directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".switchyard"
	dbFile       = "switchyard.db"
)

// EnsureWorkspace creates the .switchyard directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return dir, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, dbFile)
}

// Open opens the workspace database, creating the workspace directory when
// needed. Foreign keys are enforced, and writers wait out short lock
// contention instead of failing.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; a pool of one keeps the engine
	// transaction and cascaded reads off each other's locks.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
