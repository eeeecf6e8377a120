package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved drover state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	DroverHome  string // ~/.drover or DROVER_HOME
	StateDBPath string // state.db or DROVER_DB_PATH
	ConfigPath  string // config.yaml or DROVER_CONFIG
	StagesPath  string // stages.toml or DROVER_STAGES
}

// ResolvePaths returns all drover paths, respecting env var overrides.
// Environment variables:
//   - DROVER_HOME: base directory for all drover state (default: ~/.drover)
//   - DROVER_DB_PATH: coordination database (default: $DROVER_HOME/state.db)
//   - DROVER_CONFIG: config file (default: $DROVER_HOME/config.yaml)
//   - DROVER_STAGES: stage table (default: $DROVER_HOME/stages.toml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveDroverHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		DroverHome:  home,
		StateDBPath: resolvePathWithEnv("DROVER_DB_PATH", home, "state.db"),
		ConfigPath:  resolvePathWithEnv("DROVER_CONFIG", home, "config.yaml"),
		StagesPath:  resolvePathWithEnv("DROVER_STAGES", home, "stages.toml"),
	}, nil
}

// resolveDroverHome returns the state directory from DROVER_HOME or ~/.drover.
func resolveDroverHome() (string, error) {
	if v := os.Getenv("DROVER_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".drover"), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
