// Package app wires the workspace together: database, migrations, workflow
// configuration, and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/engine"
	"switchyard/internal/migrate"
)

// Context carries the initialized runtime for CLI commands and the server.
type Context struct {
	DB     *sql.DB
	Engine engine.Engine
	Config *config.Config
}

// Bootstrap opens the workspace database, runs migrations, loads the
// workflow config, and syncs its rules into the store. When switchyard.yml
// is absent the built-in workflow is used and seeded on first run.
func Bootstrap(ctx context.Context, workspace string, logger *log.Logger) (*Context, error) {
	conn, err := db.Open(workspace)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	fromFile := cfg != nil
	if cfg == nil {
		cfg = config.Default()
	}

	eng := engine.New(conn, cfg)
	eng.Logger = logger

	if fromFile {
		// keep stored rules in step with the workflow file
		if _, err := eng.SyncWorkflow(ctx, cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sync workflow: %w", err)
		}
	} else if err := eng.EnsureWorkflow(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed workflow: %w", err)
	}

	return &Context{DB: conn, Engine: eng, Config: cfg}, nil
}

// Close releases the database connection.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
