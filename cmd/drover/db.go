package main

import (
	"context"
	"database/sql"
	"fmt"

	"drover/pkg/protocol"

	_ "modernc.org/sqlite"
)

// openDB opens the coordination database with production-safe defaults: WAL
// journal mode and a 5-second busy timeout, verified with a ping before use.
// Every process in the swarm goes through this path.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema on %s: %w", path, err)
	}
	migrateStateDB(db)

	return db, nil
}

// migrateStateDB applies schema migrations. Each migration uses ALTER TABLE
// which errors if the column already exists; errors are intentionally ignored
// (try/ignore pattern).
func migrateStateDB(db *sql.DB) {
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, protocol.MigrateClaimTokens)
}
