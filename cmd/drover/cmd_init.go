package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"drover/pkg/handoff"
)

// newInitCmd creates the init command: it prepares the state directory and
// writes the default config.yaml and stages.toml.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the drover state directory with default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			log := newStdoutStartupLog()

			if err := os.MkdirAll(paths.DroverHome, 0o750); err != nil {
				return fmt.Errorf("create %s: %w", paths.DroverHome, err)
			}
			log.Step("state directory " + paths.DroverHome)

			cfgData, err := yaml.Marshal(DefaultConfig())
			if err != nil {
				return fmt.Errorf("encode default config: %w", err)
			}
			if err := writeIfAbsent(paths.ConfigPath, cfgData, force); err != nil {
				return err
			}
			log.Step("config " + paths.ConfigPath)

			stagesData, err := toml.Marshal(handoff.DefaultTable())
			if err != nil {
				return fmt.Errorf("encode default stage table: %w", err)
			}
			if err := writeIfAbsent(paths.StagesPath, stagesData, force); err != nil {
				return err
			}
			log.Step("stage table " + paths.StagesPath)

			db, err := openDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Step("state database " + paths.StateDBPath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing configuration files")
	return cmd
}

// writeIfAbsent writes data to path unless the file already exists and force
// is false. Re-running init never clobbers a tuned deployment.
func writeIfAbsent(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
