package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"drover/pkg/coordinator"
	"drover/pkg/handoff"
	"drover/pkg/ledger"
	"drover/pkg/msgstore"
	"drover/pkg/queue"
	"drover/pkg/registry"
)

// statusSource reads swarm state for the dashboard. It shares the coordination
// database with the daemon but never writes to it.
type statusSource struct {
	db    *sql.DB
	coord *coordinator.Coordinator
}

// openStatusSource opens the coordination database and wires just enough of
// the stack to serve status snapshots.
func openStatusSource() (*statusSource, error) {
	path, err := stateDBPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no coordination database at %s (is the coordinator initialized?)", path)
	}

	db, err := sql.Open("sqlite", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	led := ledger.NewClient(&ledger.ExecCommandRunner{})
	machine := handoff.New(db, handoff.DefaultTable(), led)
	coord := coordinator.New(db, registry.New(db), queue.New(), msgstore.New(db), machine, led)
	return &statusSource{db: db, coord: coord}, nil
}

func (s *statusSource) Snapshot(ctx context.Context) (*coordinator.Status, error) {
	return s.coord.Status(ctx)
}

func (s *statusSource) Close() error {
	return s.db.Close()
}

// stateDBPath mirrors the drover CLI's path resolution: DROVER_DB_PATH wins,
// then $DROVER_HOME/state.db, then ~/.drover/state.db.
func stateDBPath() (string, error) {
	if v := os.Getenv("DROVER_DB_PATH"); v != "" {
		return v, nil
	}
	if v := os.Getenv("DROVER_HOME"); v != "" {
		return filepath.Join(v, "state.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".drover", "state.db"), nil
}
