// Package janitor enforces the engine's retention policies: marking
// stuck-RUNNING tasks as timed out, pruning old terminal task rows, and
// sweeping stale memory entries. Tick is the unit of work so embedders (and
// tests) stay in control of timing; Start/Stop wraps it in a ticker loop.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/config"
	"github.com/inkwell-ai/inkwell/pkg/store"
)

// Janitor runs the retention sweeps. All operations are idempotent.
type Janitor struct {
	cfg    config.JanitorConfig
	tasks  store.TaskStore
	memory store.MemoryStore

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a janitor over the given stores.
func New(cfg config.JanitorConfig, tasks store.TaskStore, memory store.MemoryStore) *Janitor {
	return &Janitor{cfg: cfg, tasks: tasks, memory: memory}
}

// Tick runs one sweep of every retention policy.
func (j *Janitor) Tick(ctx context.Context) {
	j.timeoutStuckTasks(ctx)
	j.pruneOldTasks(ctx)
	j.sweepMemory(ctx)
}

// Start launches the background sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go j.run(ctx)

	slog.Info("Janitor started",
		"interval", j.cfg.Interval.Std(),
		"running_timeout", j.cfg.RunningTimeout.Std(),
		"task_retention", j.cfg.TaskRetention.Std())
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	slog.Info("Janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	j.Tick(ctx)

	ticker := time.NewTicker(j.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Tick(ctx)
		}
	}
}

// timeoutStuckTasks marks tasks that have been RUNNING longer than the
// configured threshold as TIMED_OUT. A task racing to a terminal state in
// between is left alone: the terminal transition is idempotent-or-rejected
// at the store.
func (j *Janitor) timeoutStuckTasks(ctx context.Context) {
	stuck, err := j.tasks.FindTimedOut(ctx, j.cfg.RunningTimeout.Std())
	if err != nil {
		slog.Error("Janitor: stuck task lookup failed", "error", err)
		return
	}
	for _, task := range stuck {
		if err := j.tasks.Timeout(context.Background(), task.ID, "exceeded running timeout"); err != nil {
			slog.Warn("Janitor: could not time out task", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("Janitor: timed out stuck task",
			"task_id", task.ID,
			"agent_kind", task.AgentKind,
			"pipeline_id", task.PipelineID)
	}
}

func (j *Janitor) pruneOldTasks(ctx context.Context) {
	if j.cfg.TaskRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-j.cfg.TaskRetention.Std())
	count, err := j.tasks.DeleteCompletedOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Janitor: task pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Janitor: pruned old tasks", "count", count)
	}
}

func (j *Janitor) sweepMemory(ctx context.Context) {
	if j.cfg.MemoryRetention <= 0 {
		return
	}
	count, err := j.memory.DeleteStale(ctx, j.cfg.MemoryRetention.Std())
	if err != nil {
		slog.Error("Janitor: memory sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Janitor: swept stale memory entries", "count", count)
	}
}
