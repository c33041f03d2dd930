// Package runner executes single agent tasks with the full dispatch
// discipline: result-cache lookup, in-flight coalescing, circuit breaker
// admission, rate-limited retries, and terminal task-ledger writes. The
// orchestrator calls it once per stage task; embedders can also call it
// directly for one-off agent work.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/pkg/agent"
	"github.com/inkwell-ai/inkwell/pkg/breaker"
	"github.com/inkwell-ai/inkwell/pkg/metrics"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/progress"
	"github.com/inkwell-ai/inkwell/pkg/ratelimit"
	"github.com/inkwell-ai/inkwell/pkg/retry"
	"github.com/inkwell-ai/inkwell/pkg/store"
)

// Options wires the runner's collaborators. Registry, Limiter, Breaker,
// Tasks and Memory are required; the rest have working defaults.
type Options struct {
	Registry *agent.Registry
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Tasks    store.TaskStore
	Memory   store.MemoryStore

	// Bus receives task progress events. Optional; nil disables publishing.
	Bus *progress.Bus

	// Usage receives one event per terminal task. Optional; nil falls back
	// to SlogSink.
	Usage UsageSink

	// Fingerprint derives the cache identity of an input. Optional; the
	// default is the hex SHA-256 of the raw bytes.
	Fingerprint func(input []byte) string

	// DefaultPolicy is the retry schedule for kinds without an override.
	DefaultPolicy retry.Policy

	// Policies overrides the retry schedule per agent kind.
	Policies map[model.AgentKind]retry.Policy

	// Timeouts bounds a single attempt per agent kind. Zero or absent means
	// no per-attempt deadline beyond the caller's context.
	Timeouts map[model.AgentKind]time.Duration

	// ResultTTL is how long successful results stay in the cache. Zero means
	// results never expire on their own.
	ResultTTL time.Duration
}

// Request describes one agent task to run.
type Request struct {
	PipelineID string
	StageID    string
	UserID     string
	Kind       model.AgentKind
	Input      []byte
}

// Runner is the agent dispatch engine. Safe for concurrent use.
type Runner struct {
	opts     Options
	inflight *inflight
}

// New validates the options and creates a runner.
func New(opts Options) (*Runner, error) {
	if opts.Registry == nil || opts.Limiter == nil || opts.Breaker == nil {
		return nil, fmt.Errorf("runner requires registry, limiter and breaker")
	}
	if opts.Tasks == nil || opts.Memory == nil {
		return nil, fmt.Errorf("runner requires task and memory stores")
	}
	if opts.Usage == nil {
		opts.Usage = SlogSink{}
	}
	if opts.Fingerprint == nil {
		opts.Fingerprint = defaultFingerprint
	}
	if opts.DefaultPolicy.MaxAttempts == 0 {
		opts.DefaultPolicy = retry.DefaultPolicy()
	}
	if err := opts.DefaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("default retry policy: %w", err)
	}
	for kind, policy := range opts.Policies {
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("retry policy for %q: %w", kind, err)
		}
	}
	return &Runner{opts: opts, inflight: newInflight()}, nil
}

func defaultFingerprint(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// Run executes one agent task end to end and returns the result bytes.
// Errors are *model.EngineError carrying the failure classification.
func (r *Runner) Run(ctx context.Context, req Request) ([]byte, error) {
	capability, err := r.opts.Registry.Get(req.Kind)
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, req.StageID, "", err)
	}

	fingerprint := r.opts.Fingerprint(req.Input)
	cacheKey := model.ResultCacheKey(req.Kind, fingerprint)

	if result, ok := r.cacheLookup(ctx, req, cacheKey); ok {
		return result, nil
	}

	// Coalesce concurrent identical work: one execution, everyone gets the
	// outcome. A joiner still gets its own ledger row.
	c, leader := r.inflight.begin(cacheKey)
	if !leader {
		metrics.RecordCacheLookup(string(req.Kind), "coalesced")
		return r.join(ctx, req, c)
	}

	result, runErr := r.execute(ctx, req, capability, cacheKey)
	r.inflight.finish(cacheKey, c, result, runErr)
	return result, runErr
}

// cacheLookup serves a hit from the result cache, recording a task driven
// through its full lifecycle so the ledger reflects the (free) invocation.
func (r *Runner) cacheLookup(ctx context.Context, req Request, cacheKey string) ([]byte, bool) {
	data, ok, err := r.opts.Memory.Get(ctx, cacheKey)
	if err != nil {
		slog.Warn("Result cache lookup failed, proceeding uncached",
			"agent_kind", req.Kind, "error", err)
		return nil, false
	}
	if !ok {
		metrics.RecordCacheLookup(string(req.Kind), "miss")
		return nil, false
	}

	metrics.RecordCacheLookup(string(req.Kind), "hit")
	task := r.newTask(req)
	if err := r.opts.Tasks.Create(ctx, task); err != nil {
		slog.Warn("Failed to record cached task", "task_id", task.ID, "error", err)
	} else if err := r.opts.Tasks.Start(ctx, task.ID); err != nil {
		slog.Warn("Failed to start cached task", "task_id", task.ID, "error", err)
	} else if err := r.opts.Tasks.Complete(ctx, task.ID, data); err != nil {
		slog.Warn("Failed to complete cached task", "task_id", task.ID, "error", err)
	}
	r.publish(req, task.ID, string(model.TaskCompleted), "")
	r.recordUsage(req, task, 0, 0, true, true)
	metrics.RecordAgentInvocation(string(req.Kind), string(model.TaskCompleted), true, 0)
	return data, true
}

// join waits on the leader's in-flight execution and mirrors its outcome
// onto the joiner's own task row.
func (r *Runner) join(ctx context.Context, req Request, c *call) ([]byte, error) {
	started := time.Now()
	task := r.newTask(req)
	if err := r.opts.Tasks.Create(ctx, task); err != nil {
		return nil, model.NewError(model.KindInternal, req.StageID, task.ID, err)
	}
	if err := r.opts.Tasks.Start(ctx, task.ID); err != nil {
		slog.Warn("Failed to start coalesced task", "task_id", task.ID, "error", err)
	}

	result, err := c.wait(ctx)
	elapsed := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, r.finishFailure(req, task, err, false, elapsed, false)
	}

	if err := r.opts.Tasks.Complete(context.Background(), task.ID, result); err != nil {
		slog.Warn("Failed to complete coalesced task", "task_id", task.ID, "error", err)
	}
	r.publish(req, task.ID, string(model.TaskCompleted), "")
	r.recordUsage(req, task, 0, elapsed, true, true)
	metrics.RecordAgentInvocation(string(req.Kind), string(model.TaskCompleted), true, elapsed)
	return result, nil
}

// execute is the leader path: breaker admission, then the retry loop with
// rate-limited attempts, then the terminal bookkeeping.
func (r *Runner) execute(ctx context.Context, req Request, capability *agent.Capability, cacheKey string) ([]byte, error) {
	started := time.Now()
	task := r.newTask(req)
	if err := r.opts.Tasks.Create(ctx, task); err != nil {
		return nil, model.NewError(model.KindInternal, req.StageID, task.ID, err)
	}

	probe, admitErr := r.opts.Breaker.Allow(req.Kind)
	if admitErr != nil {
		err := model.NewError(model.KindBreakerOpen, req.StageID, task.ID, admitErr)
		return nil, r.finishFailure(req, task, err, false, time.Since(started), false)
	}

	policy := r.policyFor(req.Kind)
	policy.Retriable = capability.IsRetriable

	permits := capability.Permits(req.Input)
	timeout := r.opts.Timeouts[req.Kind]

	var result []byte
	attempts := 0
	runErr := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if err := r.opts.Tasks.Start(ctx, task.ID); err != nil {
			return model.NewError(model.KindInternal, req.StageID, task.ID, err)
		}
		if attempt == 1 {
			r.publish(req, task.ID, string(model.TaskRunning), "")
		}
		metrics.RecordAgentAttempt(string(req.Kind), string(capability.Provider))

		if err := r.opts.Limiter.Acquire(ctx, capability.Provider, permits); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ratelimit.ErrAcquireCancelled) {
				return model.NewError(model.KindCancelled, req.StageID, task.ID, err)
			}
			return model.NewError(model.KindInternal, req.StageID, task.ID, err)
		}

		attemptCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err := capability.Invoke(attemptCtx, req.Input)
		cancel()
		if err != nil {
			if model.KindOf(err) == model.KindRateLimitedExternal {
				// The provider disagrees with our budget: drain the local
				// window so the next attempt waits out the second.
				r.opts.Limiter.Penalize(capability.Provider)
			}
			slog.Warn("Agent attempt failed",
				"agent_kind", req.Kind,
				"task_id", task.ID,
				"attempt", attempt,
				"error_kind", model.KindOf(err),
				"error", err)
			return err
		}
		result = out
		return nil
	})

	elapsed := time.Since(started)
	if runErr != nil {
		return nil, r.finishFailure(req, task, runErr, probe, elapsed, true)
	}

	r.opts.Breaker.RecordSuccess(req.Kind, probe)
	if err := r.opts.Memory.Put(context.Background(), cacheKey, result, r.opts.ResultTTL); err != nil {
		slog.Warn("Failed to cache agent result", "agent_kind", req.Kind, "error", err)
	}
	if err := r.opts.Tasks.Complete(context.Background(), task.ID, result); err != nil {
		slog.Warn("Failed to complete task", "task_id", task.ID, "error", err)
	}
	r.publish(req, task.ID, string(model.TaskCompleted), "")
	r.recordUsage(req, task, attempts, elapsed, true, false)
	metrics.RecordAgentInvocation(string(req.Kind), string(model.TaskCompleted), false, elapsed)

	slog.Info("Agent task completed",
		"agent_kind", req.Kind,
		"task_id", task.ID,
		"pipeline_id", req.PipelineID,
		"attempts", attempts,
		"duration_ms", elapsed.Milliseconds())
	return result, runErr
}

// finishFailure writes the terminal task state, feeds the breaker, and
// returns the classified error. Terminal writes use a background context so
// a cancelled caller still leaves a consistent ledger.
func (r *Runner) finishFailure(req Request, task *model.AgentTask, cause error, probe bool, elapsed time.Duration, feedBreaker bool) error {
	kind := model.KindOf(cause)
	bg := context.Background()

	var status model.TaskStatus
	var storeErr error
	switch kind {
	case model.KindCancelled:
		status = model.TaskCancelled
		storeErr = r.opts.Tasks.Cancel(bg, task.ID)
	case model.KindTimeout:
		status = model.TaskTimedOut
		storeErr = r.opts.Tasks.Timeout(bg, task.ID, cause.Error())
	default:
		status = model.TaskFailed
		storeErr = r.opts.Tasks.Fail(bg, task.ID, cause.Error())
	}
	if storeErr != nil {
		slog.Warn("Failed to finalise task", "task_id", task.ID, "status", status, "error", storeErr)
	}

	// Cancellation says nothing about the agent's health.
	if feedBreaker && kind != model.KindCancelled {
		r.opts.Breaker.RecordFailure(req.Kind, probe)
	}

	r.publish(req, task.ID, string(status), cause.Error())
	current, err := r.opts.Tasks.Get(bg, task.ID)
	attempts := 0
	if err == nil {
		attempts = current.Attempts
	}
	r.recordUsage(req, task, attempts, elapsed, false, false)
	metrics.RecordAgentInvocation(string(req.Kind), string(status), false, elapsed)

	slog.Warn("Agent task failed",
		"agent_kind", req.Kind,
		"task_id", task.ID,
		"pipeline_id", req.PipelineID,
		"status", status,
		"error_kind", kind,
		"error", cause)

	// A coalesced joiner inherits the leader's error, which carries the
	// leader's stage and task; re-wrap so the caller sees its own context.
	var engineErr *model.EngineError
	if errors.As(cause, &engineErr) && engineErr.StageID == req.StageID && engineErr.TaskID == task.ID {
		return cause
	}
	return model.NewError(kind, req.StageID, task.ID, cause)
}

func (r *Runner) newTask(req Request) *model.AgentTask {
	return &model.AgentTask{
		ID:         uuid.New().String(),
		AgentKind:  req.Kind,
		UserID:     req.UserID,
		PipelineID: req.PipelineID,
		StageID:    req.StageID,
		Input:      req.Input,
		Status:     model.TaskPending,
		CreatedAt:  time.Now(),
	}
}

func (r *Runner) policyFor(kind model.AgentKind) retry.Policy {
	if policy, ok := r.opts.Policies[kind]; ok {
		return policy
	}
	return r.opts.DefaultPolicy
}

func (r *Runner) publish(req Request, taskID, status, errMsg string) {
	if r.opts.Bus == nil {
		return
	}
	r.opts.Bus.Publish(progress.Event{
		PipelineID: req.PipelineID,
		Scope:      progress.ScopeTask,
		StageID:    req.StageID,
		TaskID:     taskID,
		AgentKind:  req.Kind,
		Status:     status,
		Error:      errMsg,
	})
}

func (r *Runner) recordUsage(req Request, task *model.AgentTask, attempts int, elapsed time.Duration, success, cached bool) {
	capability, err := r.opts.Registry.Get(req.Kind)
	provider := model.Provider("")
	if err == nil {
		provider = capability.Provider
	}
	r.opts.Usage.Record(model.UsageEvent{
		UserID:     req.UserID,
		AgentKind:  req.Kind,
		Provider:   provider,
		TaskID:     task.ID,
		PipelineID: req.PipelineID,
		Attempts:   attempts,
		DurationMs: elapsed.Milliseconds(),
		Success:    success,
		Cached:     cached,
	})
}
