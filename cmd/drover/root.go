package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"drover/internal/version"
)

// newRootCmd creates the root drover command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drover",
		Short:         "Drover worker swarm coordinator",
		Long:          "drover coordinates a swarm of worker processes over a shared durable store:\ntask claiming, heartbeats, retries, quality gates, and workflow handoff.",
		Version:       fmt.Sprintf("drover %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newCoordinatorCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newDeadletterCmd(),
		newReleaseCmd(),
		newApproveCmd(),
	)

	return cmd
}
