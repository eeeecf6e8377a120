package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values read naturally ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the drover deployment configuration, loaded from config.yaml.
type Config struct {
	Worker      WorkerConfig      `yaml:"worker"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Guardrail   GuardrailConfig   `yaml:"guardrail"`
}

// WorkerConfig tunes worker agent processes.
type WorkerConfig struct {
	Capabilities      []string `yaml:"capabilities"`
	MaxTasks          int      `yaml:"max_tasks"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`

	// ExecCommand is the command spawned for each claimed task; the task id
	// and work tree are appended as arguments.
	ExecCommand string `yaml:"exec_command"`
	// RepoDir is the work tree gates run against.
	RepoDir string `yaml:"repo_dir"`
}

// CoordinatorConfig tunes the control loops.
type CoordinatorConfig struct {
	StaleThreshold  Duration `yaml:"stale_threshold"`
	GraceWindow     Duration `yaml:"grace_window"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// GuardrailConfig configures the policy interceptor.
type GuardrailConfig struct {
	LedgerDir         string   `yaml:"ledger_dir"`
	ProtectedBranches []string `yaml:"protected_branches"`
}

// DefaultConfig returns the configuration written by drover init.
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Capabilities:      []string{"go"},
			MaxTasks:          1,
			HeartbeatInterval: Duration(30 * time.Second),
			PollInterval:      Duration(2 * time.Second),
			ExecCommand:       "agentctl run",
			RepoDir:           ".",
		},
		Coordinator: CoordinatorConfig{
			StaleThreshold:  Duration(120 * time.Second),
			GraceWindow:     Duration(5 * time.Minute),
			RefreshInterval: Duration(5 * time.Second),
		},
		Guardrail: GuardrailConfig{
			ProtectedBranches: []string{"main", "master", "develop"},
		},
	}
}

// LoadConfig reads config.yaml from path. A missing file yields the defaults
// so a bare `drover worker` works without an init step.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from ResolvePaths, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
