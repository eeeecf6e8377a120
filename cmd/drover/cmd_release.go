package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"drover/pkg/claim"
)

// newReleaseCmd creates the release command: an operator-forced voluntary
// release of a claimed task back to the pool.
func newReleaseCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a claimed task back to the claimable pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var holder sql.NullString
			err = a.db.QueryRowContext(ctx,
				`SELECT worker_id FROM tasks WHERE id=? AND claim_status='claimed'`, taskID).Scan(&holder)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s has no active claim", taskID)
			}
			if err != nil {
				return fmt.Errorf("look up claim on %s: %w", taskID, err)
			}
			if !holder.Valid {
				return fmt.Errorf("task %s has no claimant recorded", taskID)
			}

			claimer := claim.New(a.db, a.reg, a.queue, a.msgs)
			if err := claimer.Release(ctx, holder.String, taskID, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s (was held by %s)\n", taskID, holder.String)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "operator release", "reason recorded with the release")
	return cmd
}
