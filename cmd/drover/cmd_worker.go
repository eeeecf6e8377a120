package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"drover/pkg/claim"
	"drover/pkg/gate"
	"drover/pkg/guardrail"
	"drover/pkg/worker"
)

// newWorkerCmd creates the worker command: one agent process in the swarm.
func newWorkerCmd() *cobra.Command {
	var (
		id           string
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker agent process",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if id == "" {
				host, herr := os.Hostname()
				if herr != nil {
					host = "worker"
				}
				id = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			if len(capabilities) == 0 {
				capabilities = a.cfg.Worker.Capabilities
			}

			guard := guardrail.New(a.cfg.Guardrail.LedgerDir)
			if len(a.cfg.Guardrail.ProtectedBranches) > 0 {
				guard.ProtectedBranches = a.cfg.Guardrail.ProtectedBranches
			}
			claimer := claim.New(a.db, a.reg, a.queue, a.msgs)
			engine := gate.NewEngine(&gate.ExecRunner{})
			executor := &subprocessExecutor{
				command: a.cfg.Worker.ExecCommand,
				repoDir: a.cfg.Worker.RepoDir,
			}

			w := worker.New(worker.Config{
				ID:                id,
				Capabilities:      capabilities,
				MaxTasks:          a.cfg.Worker.MaxTasks,
				HeartbeatInterval: a.cfg.Worker.HeartbeatInterval.Std(),
				PollInterval:      a.cfg.Worker.PollInterval.Std(),
				WatchDir:          a.paths.DroverHome,
			}, a.reg, claimer, a.msgs, engine, a.machine, guard, executor)

			log := newStdoutStartupLog()
			log.Step("registered as " + id)
			log.Begin("worker running (ctrl-c to stop)")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker identity (default: hostname-pid)")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "declared capabilities (default: from config)")
	return cmd
}

// subprocessExecutor runs the configured exec command for each claimed task.
// The guardrail check for the per-task branch runs before the spawn; the
// spawned tool is expected to consult drover before further side effects.
type subprocessExecutor struct {
	command string
	repoDir string
}

func (e *subprocessExecutor) Execute(ctx context.Context, asn claim.Assignment, actx guardrail.Context, guard *guardrail.Interceptor) (gate.Artifacts, error) {
	if v := guard.Check(actx, guardrail.Checkout("task/"+asn.TaskID)); v != nil {
		return gate.Artifacts{}, v
	}

	parts := strings.Fields(e.command)
	if len(parts) == 0 {
		return gate.Artifacts{}, fmt.Errorf("no exec_command configured")
	}
	cmdArgs := parts[1:]
	cmdArgs = append(cmdArgs, asn.TaskID, e.repoDir)

	cmd := exec.CommandContext(ctx, parts[0], cmdArgs...) //nolint:gosec // command comes from operator config
	cmd.Dir = e.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return gate.Artifacts{}, fmt.Errorf("%s %s: %w: %s", parts[0], asn.TaskID, err, out)
	}
	return gate.Artifacts{RepoDir: e.repoDir}, nil
}
