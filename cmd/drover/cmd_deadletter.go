package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newDeadletterCmd creates the deadletter command: out-of-band inspection of
// messages that exhausted their retry budget.
func newDeadletterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadletter",
		Short: "List dead-lettered coordination messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.coord.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No dead letters.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSENDER\tRECIPIENT\tATTEMPTS\tCREATED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.Type, r.Sender, r.Recipient, r.Attempts, r.CreatedAt)
			}
			return tw.Flush()
		},
	}
}
