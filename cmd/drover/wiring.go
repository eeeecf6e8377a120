package main

import (
	"database/sql"
	"fmt"
	"os"

	"drover/pkg/coordinator"
	"drover/pkg/handoff"
	"drover/pkg/ledger"
	"drover/pkg/msgstore"
	"drover/pkg/queue"
	"drover/pkg/registry"
)

// app bundles the wiring every subcommand needs: the shared database and the
// packages composed over it.
type app struct {
	paths *Paths
	cfg   *Config

	db      *sql.DB
	reg     *registry.Registry
	queue   *queue.Queue
	msgs    *msgstore.Store
	machine *handoff.Machine
	ledger  *ledger.Client
	coord   *coordinator.Coordinator
}

// openApp resolves paths, loads configuration, opens the state database, and
// wires the full coordinator stack.
func openApp() (*app, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(paths.StateDBPath)
	if err != nil {
		return nil, err
	}

	table, err := loadStageTable(paths.StagesPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{
		paths:  paths,
		cfg:    cfg,
		db:     db,
		reg:    registry.New(db),
		queue:  queue.New(),
		msgs:   msgstore.New(db),
		ledger: ledger.NewClient(&ledger.ExecCommandRunner{}),
	}
	a.machine = handoff.New(db, table, a.ledger)
	a.coord = coordinator.New(db, a.reg, a.queue, a.msgs, a.machine, a.ledger)

	a.coord.Detector.StaleThreshold = cfg.Coordinator.StaleThreshold.Std()
	a.coord.Reassigner.GraceWindow = cfg.Coordinator.GraceWindow.Std()
	a.coord.RefreshInterval = cfg.Coordinator.RefreshInterval.Std()
	return a, nil
}

// Close releases the shared database handle.
func (a *app) Close() error {
	return a.db.Close()
}

// loadStageTable reads stages.toml, falling back to the built-in pipeline
// when the file does not exist.
func loadStageTable(path string) (*handoff.Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ResolvePaths, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return handoff.DefaultTable(), nil
		}
		return nil, fmt.Errorf("read stage table %s: %w", path, err)
	}
	return handoff.ParseTable(data)
}
