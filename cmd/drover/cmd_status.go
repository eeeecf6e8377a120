package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"drover/pkg/eventlog"
)

// newStatusCmd creates the status command: a snapshot of workers, tasks,
// escalations, and recent events.
func newStatusCmd() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-worker and per-task swarm state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			st, err := a.coord.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Workers (%d)\n", len(st.Workers))
			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  ID\tSTATE\tCAPABILITIES\tLAST HEARTBEAT")
			for _, w := range st.Workers {
				hb := "-"
				if !w.LastHeartbeat.IsZero() {
					hb = w.LastHeartbeat.Format("15:04:05")
				}
				fmt.Fprintf(tw, "  %s\t%s\t%v\t%s\n", w.ID, w.State, w.Capabilities, hb)
			}
			tw.Flush()

			fmt.Fprintf(out, "\nTasks (%d)\n", len(st.Tasks))
			tw = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  ID\tPRIORITY\tCLAIM\tWORKER\tSTAGE")
			for _, t := range st.Tasks {
				stage := t.Stage
				if stage == "" {
					stage = "-"
				}
				worker := t.WorkerID
				if worker == "" {
					worker = "-"
				}
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", t.ID, t.Priority, t.ClaimStatus, worker, stage)
			}
			tw.Flush()

			if len(st.Escalations) > 0 {
				fmt.Fprintf(out, "\nPending escalations (%d)\n", len(st.Escalations))
				for _, e := range st.Escalations {
					fmt.Fprintf(out, "  [%d] %s\n", e.ID, e.Message)
				}
			}
			if st.DeadLetters > 0 {
				fmt.Fprintf(out, "\nDead letters: %d (see: drover deadletter)\n", st.DeadLetters)
			}

			if events > 0 {
				reader := eventlog.NewReaderFromDB(a.db)
				evs, qerr := reader.Query(ctx, eventlog.QueryOpts{Limit: events})
				if qerr != nil {
					return qerr
				}
				fmt.Fprintf(out, "\nRecent events (%d)\n", len(evs))
				for _, e := range evs {
					fmt.Fprintf(out, "  %s %-18s %s %s\n",
						e.CreatedAt.Format("15:04:05"), e.Type, e.TaskID, e.WorkerID)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 10, "number of recent events to show (0 to hide)")
	return cmd
}
