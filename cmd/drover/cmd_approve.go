package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"drover/pkg/merge"
)

// newApproveCmd creates the approve command: releases a workflow parked on a
// requires_human_approval stage, optionally integrating the task branch.
func newApproveCmd() *cobra.Command {
	var doMerge bool

	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a workflow blocked pending human sign-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if err := a.coord.ApproveBlocked(ctx, taskID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", taskID)

			if !doMerge {
				return nil
			}
			integ := merge.NewIntegrator(&merge.ExecGitRunner{})
			res, err := integ.Integrate(ctx, merge.Opts{
				Branch:  "task/" + taskID,
				RepoDir: a.cfg.Worker.RepoDir,
				TaskID:  taskID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged task/%s at %s\n", taskID, res.CommitSHA)
			return nil
		},
	}

	cmd.Flags().BoolVar(&doMerge, "merge", false, "fast-forward merge the task branch into main after approval")
	return cmd
}
