// Package worker is the drover worker agent. It registers with the swarm,
// heartbeats, claims tasks from the shared pool, executes them behind the
// guardrail interceptor, runs the current stage's gates, and reports the
// outcome as a coordination message. Workers coordinate only through the
// shared database; there is no direct connection between processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"drover/pkg/claim"
	"drover/pkg/gate"
	"drover/pkg/guardrail"
	"drover/pkg/handoff"
	"drover/pkg/msgstore"
	"drover/pkg/protocol"
	"drover/pkg/registry"
)

// DefaultHeartbeatInterval is how often a worker signals liveness.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultPollInterval is the base claim-poll interval when no tasks are
// ready. Each wait adds up to one interval of jitter so idle workers do not
// stampede the pool together.
const DefaultPollInterval = 2 * time.Second

// Executor performs the actual work of a claimed task. Production spawns a
// subprocess; tests provide a fake. Implementations must call guard.Check
// with actx before every side-effecting action and abort on violation.
type Executor interface {
	Execute(ctx context.Context, asn claim.Assignment, actx guardrail.Context, guard *guardrail.Interceptor) (gate.Artifacts, error)
}

// Config is the static identity and tuning of one worker.
type Config struct {
	ID           string
	Capabilities []string
	MaxTasks     int

	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// WatchDir, when set, is watched with fsnotify so an idle worker wakes
	// as soon as the shared database changes instead of waiting out a poll
	// interval. Pointing it at the state directory is enough.
	WatchDir string
}

// Worker is one agent process in the swarm.
type Worker struct {
	cfg Config

	registry *registry.Registry
	claimer  *claim.Claimer
	msgs     *msgstore.Store
	gates    *gate.Engine
	machine  *handoff.Machine
	guard    *guardrail.Interceptor
	executor Executor

	mu          sync.Mutex
	currentTask string
}

// New creates a Worker. Zero Config intervals fall back to defaults and
// MaxTasks defaults to one claim at a time.
func New(cfg Config, reg *registry.Registry, claimer *claim.Claimer, msgs *msgstore.Store,
	gates *gate.Engine, machine *handoff.Machine, guard *guardrail.Interceptor, exec Executor) *Worker {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = claim.DefaultMaxTasks
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Worker{
		cfg:      cfg,
		registry: reg,
		claimer:  claimer,
		msgs:     msgs,
		gates:    gates,
		machine:  machine,
		guard:    guard,
		executor: exec,
	}
}

// Run registers the worker and drives the heartbeat and claim loops until
// ctx is cancelled. On clean shutdown the worker unregisters so its slots
// are not held hostage to the stale detector.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.registry.Register(ctx, w.cfg.ID, w.cfg.Capabilities); err != nil {
		return fmt.Errorf("worker %s: %w", w.cfg.ID, err)
	}
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.registry.Unregister(offCtx, w.cfg.ID)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.claimLoop(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker %s: %w", w.cfg.ID, err)
	}
	return nil
}

// Release voluntarily gives up a claim before completion.
func (w *Worker) Release(ctx context.Context, taskID, reason string) error {
	return w.claimer.Release(ctx, w.cfg.ID, taskID, reason)
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.registry.Heartbeat(ctx, w.cfg.ID); err != nil {
				var notReg *protocol.WorkerNotRegisteredError
				if errors.As(err, &notReg) {
					return err
				}
				continue // transient; the stale threshold absorbs misses
			}
			w.mu.Lock()
			task := w.currentTask
			w.mu.Unlock()
			_, _ = w.msgs.Append(ctx, protocol.Message{
				Type:      protocol.MsgHeartbeat,
				Sender:    w.cfg.ID,
				Recipient: "coordinator",
				Heartbeat: &protocol.HeartbeatPayload{WorkerID: w.cfg.ID, TaskID: task},
			})
		}
	}
}

func (w *Worker) claimLoop(ctx context.Context) error {
	events := w.watchEvents(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.drainInbox(ctx)

		// The claim queue is a per-process snapshot; resync it from the
		// shared pool so work that became ready, was reopened for its next
		// stage, or was reclaimed after this worker started surfaces here.
		if err := w.claimer.SyncQueue(ctx); err != nil {
			if werr := w.wait(ctx, events); werr != nil {
				return werr
			}
			continue
		}

		asn, err := w.claimer.Claim(ctx, w.cfg.ID, w.cfg.Capabilities, w.cfg.MaxTasks)
		switch {
		case err == nil:
			w.execute(ctx, asn)
			continue // look for the next task right away

		case isClaimRace(err):
			continue // races are expected and cheap; retry immediately

		case errors.Is(err, protocol.ErrNoReadyTasks) || isTaskLimit(err):
			if werr := w.wait(ctx, events); werr != nil {
				return werr
			}

		default:
			var notReg *protocol.WorkerNotRegisteredError
			if errors.As(err, &notReg) {
				return err
			}
			// Transient store error: back off like an empty pool.
			if werr := w.wait(ctx, events); werr != nil {
				return werr
			}
		}
	}
}

// execute runs one claimed task end to end and reports the outcome.
func (w *Worker) execute(ctx context.Context, asn *claim.Assignment) {
	w.mu.Lock()
	w.currentTask = asn.TaskID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.currentTask = ""
		w.mu.Unlock()
	}()

	st, err := w.machine.State(ctx, asn.TaskID)
	if err != nil {
		w.reportFailure(ctx, asn.TaskID, "", "build", err.Error())
		_ = w.claimer.Fail(ctx, w.cfg.ID, asn.TaskID)
		return
	}

	actx := guardrail.Context{TaskID: asn.TaskID, WorkerID: w.cfg.ID}
	art, execErr := w.executor.Execute(ctx, *asn, actx, w.guard)
	if execErr != nil {
		category := "build"
		var v *guardrail.Violation
		if errors.As(execErr, &v) {
			category = "policy"
		}
		w.reportFailure(ctx, asn.TaskID, st.Stage, category, execErr.Error())
		_ = w.claimer.Fail(ctx, w.cfg.ID, asn.TaskID)
		return
	}

	results := w.gates.Run(ctx, w.machine.StageGates(st), art)
	if gate.Aggregate(results) {
		_ = w.claimer.Complete(ctx, w.cfg.ID, asn.TaskID)
	} else {
		_ = w.claimer.Fail(ctx, w.cfg.ID, asn.TaskID)
	}
	_, _ = w.msgs.Append(ctx, protocol.Message{
		Type:      protocol.MsgCompletion,
		Sender:    w.cfg.ID,
		Recipient: "coordinator",
		Completion: &protocol.CompletionPayload{
			TaskID:      asn.TaskID,
			WorkerID:    w.cfg.ID,
			Stage:       st.Stage,
			GateResults: results,
		},
	})
}

func (w *Worker) reportFailure(ctx context.Context, taskID, stage, category, reason string) {
	_, _ = w.msgs.Append(ctx, protocol.Message{
		Type:      protocol.MsgFailure,
		Sender:    w.cfg.ID,
		Recipient: "coordinator",
		Failure: &protocol.FailurePayload{
			TaskID:   taskID,
			WorkerID: w.cfg.ID,
			Stage:    stage,
			Category: category,
			Reason:   reason,
		},
	})
}

// drainInbox acknowledges pending mail. Assignments arrive out of band via
// the claim call itself, so the inbox is advisory; acking stops redelivery.
func (w *Worker) drainInbox(ctx context.Context) {
	inbox, err := w.msgs.Inbox(ctx, w.cfg.ID)
	if err != nil {
		return
	}
	for _, m := range inbox {
		_ = w.msgs.Ack(ctx, m.ID)
	}
}

// watchEvents returns an fsnotify event channel for WatchDir, or nil when
// watching is unavailable; nil falls back to pure polling.
func (w *Worker) watchEvents(ctx context.Context) <-chan fsnotify.Event {
	if w.cfg.WatchDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(w.cfg.WatchDir); err != nil {
		_ = watcher.Close()
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = watcher.Close()
	}()
	return watcher.Events
}

// wait blocks until the next claim attempt is due: a file change under the
// state directory, or a jittered poll interval, whichever comes first.
func (w *Worker) wait(ctx context.Context, events <-chan fsnotify.Event) error {
	delay := w.cfg.PollInterval + rand.N(w.cfg.PollInterval)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case _, ok := <-events:
		if !ok {
			return ctx.Err()
		}
		return nil
	}
}

func isClaimRace(err error) bool {
	var race *protocol.ClaimRaceError
	return errors.As(err, &race)
}

func isTaskLimit(err error) bool {
	var limit *protocol.TaskLimitError
	return errors.As(err, &limit)
}
