package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newCoordinatorCmd creates the coordinator command: the long-running control
// plane process.
func newCoordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator control loops",
		Long:  "Runs the stale detector, claim reassignment, message redelivery,\nworkflow handoff processing, and the ledger queue refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			log := newStdoutStartupLog()
			log.Step("state database " + a.paths.StateDBPath)
			log.Step("stage table loaded")
			log.Begin("coordinator running (ctrl-c to stop)")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.coord.Run(ctx)
		},
	}
}
