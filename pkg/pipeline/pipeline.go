// Package pipeline drives one document-processing run through its stage
// graph: frontier scheduling with parallel fan-out, per-stage failure
// policies, checkpointing after every transition, and cooperative
// cancellation down to every in-flight agent call.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inkwell-ai/inkwell/pkg/graph"
	"github.com/inkwell-ai/inkwell/pkg/metrics"
	"github.com/inkwell-ai/inkwell/pkg/model"
	"github.com/inkwell-ai/inkwell/pkg/progress"
	"github.com/inkwell-ai/inkwell/pkg/runner"
	"github.com/inkwell-ai/inkwell/pkg/store"
)

// State is the pipeline run status.
type State string

const (
	StateInitialising State = "initialising"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// StageStatus is one stage's position in the run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageReady     StageStatus = "ready"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
)

// NullResult is recorded for a stage that failed under the
// continue-with-null policy.
var NullResult = []byte("null")

// InputProjection builds a stage's input from the upstream results and the
// pipeline's document input.
type InputProjection func(stageID string, upstream map[string][]byte, pipelineInput []byte) ([]byte, error)

// Config describes one pipeline run.
type Config struct {
	// PipelineID is optional; a UUID is generated when empty.
	PipelineID string
	UserID     string

	// Stages declares the full stage graph.
	Stages []graph.Stage

	// EnabledStages restricts the run to a subset of stage IDs. Empty means
	// all stages. The subset must be dependency-closed.
	EnabledStages []string

	// Input is the document payload fed to the source stage.
	Input []byte

	// Deadline bounds the whole run. Zero means no deadline beyond the
	// caller's context.
	Deadline time.Duration

	// StageInput projects upstream results into a stage's input. Optional;
	// the default passes the pipeline input to the source stage, a sole
	// dependency's result through unchanged, and merges multiple
	// dependencies into a JSON object keyed by stage ID.
	StageInput InputProjection
}

// Validate checks the run configuration without executing it.
func (c *Config) Validate() error {
	stages, err := enabledStages(*c)
	if err != nil {
		return err
	}
	if _, err := graph.New(stages); err != nil {
		return fmt.Errorf("invalid stage graph: %w", err)
	}
	return nil
}

// StageOutcome is one stage's final record in the result.
type StageOutcome struct {
	Status StageStatus `json:"status"`
	TaskID string      `json:"task_id,omitempty"`
	Result []byte      `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Result is the terminal value of a run. On any non-completed state,
// RootCause carries exactly one classified failure.
type Result struct {
	PipelineID  string
	State       State
	Stages      map[string]StageOutcome
	RootCause   *model.EngineError
	StartedAt   time.Time
	CompletedAt time.Time
}

// Options wires the orchestrator. Runner is required; Bus and Checkpoints
// are optional.
type Options struct {
	Runner      *runner.Runner
	Bus         *progress.Bus
	Checkpoints store.CheckpointStore
}

// Orchestrator runs pipelines. Safe for concurrent use; each Run is an
// independent state machine.
type Orchestrator struct {
	opts   Options
	tracer trace.Tracer
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("orchestrator requires a runner")
	}
	return &Orchestrator{
		opts:   opts,
		tracer: otel.Tracer("github.com/inkwell-ai/inkwell/pkg/pipeline"),
	}, nil
}

// stageDone is one stage's raw outcome crossing back into the scheduler
// goroutine.
type stageDone struct {
	stageID string
	result  []byte
	err     error
}

// run is the mutable state of one pipeline execution. It is touched only by
// the scheduler goroutine; stage goroutines communicate through the done
// channel.
type run struct {
	o       *Orchestrator
	cfg     Config
	graph   *graph.Graph
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	state       State
	statuses    map[string]StageStatus
	outcomes    map[string]StageOutcome
	results     map[string][]byte
	rootCause   *model.EngineError
	done        chan stageDone
	inflight    int
	unitSeq     int
	unitOf      map[string]string      // stage ID -> dispatch unit key
	unitPending map[string]int         // parallel unit key -> members still running
	unitBuffer  map[string][]stageDone // buffered member outcomes per unit
}

// Run executes the pipeline to completion and returns its result. The
// returned error is non-nil only for invalid configuration; execution
// failures are reported through Result.State and Result.RootCause.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.PipelineID == "" {
		cfg.PipelineID = uuid.New().String()
	}
	if cfg.StageInput == nil {
		cfg.StageInput = defaultProjection
	}

	stages, err := enabledStages(cfg)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(stages)
	if err != nil {
		return nil, fmt.Errorf("invalid stage graph: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if cfg.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runCtx, span := o.tracer.Start(runCtx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.id", cfg.PipelineID),
			attribute.Int("pipeline.stages", g.Len()),
		))
	defer span.End()

	r := &run{
		o:           o,
		cfg:         cfg,
		graph:       g,
		ctx:         runCtx,
		cancel:      cancel,
		started:     time.Now(),
		state:       StateInitialising,
		statuses:    make(map[string]StageStatus, g.Len()),
		outcomes:    make(map[string]StageOutcome, g.Len()),
		results:     make(map[string][]byte),
		done:        make(chan stageDone),
		unitOf:      make(map[string]string),
		unitPending: make(map[string]int),
		unitBuffer:  make(map[string][]stageDone),
	}
	for _, id := range g.Order() {
		r.statuses[id] = StagePending
	}

	r.publishPipeline(string(StateInitialising), "")
	r.checkpoint()

	r.state = StateRunning
	r.publishPipeline(string(StateRunning), "")
	r.checkpoint()

	result := r.execute()

	span.SetAttributes(attribute.String("pipeline.state", string(result.State)))
	metrics.RecordPipelineRun(string(result.State), result.CompletedAt.Sub(result.StartedAt))
	slog.Info("Pipeline finished",
		"pipeline_id", cfg.PipelineID,
		"state", result.State,
		"duration_ms", result.CompletedAt.Sub(result.StartedAt).Milliseconds())

	if o.opts.Bus != nil {
		o.opts.Bus.CloseTopic(cfg.PipelineID)
	}
	return result, nil
}

// execute is the scheduler loop: dispatch every unblocked unit, then block
// until a stage finishes or the run is cancelled.
func (r *run) execute() *Result {
	r.dispatchReady()

	for r.inflight > 0 {
		select {
		case out := <-r.done:
			r.inflight--
			r.handleOutcome(out)
			if r.state == StateRunning {
				r.dispatchReady()
			}
		case <-r.ctx.Done():
			r.abort(r.terminalStateForContext(), r.contextCause())
		}
	}

	if r.state == StateRunning {
		r.finalise()
	}
	return r.result()
}

// dispatchReady marks every unblocked stage READY and launches its parallel
// unit. Group members unblocked in the same scheduling pass are dispatched
// and joined together; members whose dependencies resolve later form their
// own unit when they become runnable.
func (r *run) dispatchReady() {
	for _, id := range r.graph.Order() {
		if r.statuses[id] != StagePending {
			continue
		}
		if !r.graph.Ready(id, r.dependencySatisfied) {
			continue
		}

		var members []string
		for _, member := range r.graph.GroupMembers(id) {
			if r.statuses[member] == StagePending && r.graph.Ready(member, r.dependencySatisfied) {
				members = append(members, member)
			}
		}

		r.unitSeq++
		unit := fmt.Sprintf("unit-%d", r.unitSeq)
		r.unitPending[unit] = len(members)
		for _, member := range members {
			r.unitOf[member] = unit
			r.setStageStatus(member, StageReady, "")
			r.setStageStatus(member, StageRunning, "")
			r.inflight++
			// Snapshot upstream results on the scheduler goroutine; the
			// stage goroutine must not touch the run's maps.
			go r.runStage(member, r.upstreamResults(member))
		}
	}
}

// dependencySatisfied reports whether dep allows its dependents to start:
// completed (including continue-with-null) or skipped.
func (r *run) dependencySatisfied(dep string) bool {
	switch r.statuses[dep] {
	case StageCompleted, StageSkipped:
		return true
	}
	return false
}

// runStage executes one stage on its own goroutine. Panics become internal
// failures rather than crashing the scheduler.
func (r *run) runStage(stageID string, upstream map[string][]byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Stage panicked",
				"pipeline_id", r.cfg.PipelineID,
				"stage_id", stageID,
				"panic", rec,
				"stack", string(debug.Stack()))
			r.done <- stageDone{
				stageID: stageID,
				err:     model.Errorf(model.KindInternal, "stage %s panicked: %v", stageID, rec),
			}
		}
	}()

	stage, _ := r.graph.Stage(stageID)

	input, err := r.cfg.StageInput(stageID, upstream, r.cfg.Input)
	if err != nil {
		r.done <- stageDone{
			stageID: stageID,
			err:     model.NewError(model.KindInvalidInput, stageID, "", err),
		}
		return
	}

	ctx, span := r.o.tracer.Start(r.ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("stage.id", stageID),
			attribute.String("agent.kind", string(stage.AgentKind)),
		))
	defer span.End()

	result, err := r.o.opts.Runner.Run(ctx, runner.Request{
		PipelineID: r.cfg.PipelineID,
		StageID:    stageID,
		UserID:     r.cfg.UserID,
		Kind:       stage.AgentKind,
		Input:      input,
	})
	r.done <- stageDone{stageID: stageID, result: result, err: err}
}

// upstreamResults snapshots the dependency results visible to a stage.
// Scheduler goroutine only.
func (r *run) upstreamResults(stageID string) map[string][]byte {
	stage, _ := r.graph.Stage(stageID)
	upstream := make(map[string][]byte, len(stage.Dependencies))
	for _, dep := range stage.Dependencies {
		if result, ok := r.results[dep]; ok {
			upstream[dep] = result
		}
	}
	return upstream
}

// handleOutcome buffers a finished stage into its parallel unit and, once
// the unit has fully joined, applies the failure policies.
func (r *run) handleOutcome(out stageDone) {
	unit := r.unitOf[out.stageID]
	r.unitBuffer[unit] = append(r.unitBuffer[unit], out)
	r.unitPending[unit]--
	if r.unitPending[unit] > 0 {
		return
	}

	joined := r.unitBuffer[unit]
	delete(r.unitBuffer, unit)
	delete(r.unitPending, unit)

	// Successes first so sibling results are recorded even when the unit
	// also carries a failure.
	for _, member := range joined {
		if member.err == nil {
			r.completeStage(member.stageID, member.result)
		}
	}
	for _, member := range joined {
		if member.err == nil {
			continue
		}
		if r.state != StateRunning {
			// A sibling already terminated the run; record the failure
			// without applying its policy.
			r.markStageFailed(member.stageID, asEngineError(member.stageID, member.err))
			continue
		}
		r.failStage(member.stageID, member.err)
	}
}

func (r *run) completeStage(stageID string, result []byte) {
	r.results[stageID] = result
	r.outcomes[stageID] = StageOutcome{Status: StageCompleted, Result: result}
	r.setStageStatus(stageID, StageCompleted, "")
}

// failStage applies the stage's onFailure policy.
func (r *run) failStage(stageID string, cause error) {
	engineErr := asEngineError(stageID, cause)

	// Engine bugs abort regardless of the declared policy.
	if engineErr.Kind == model.KindInternal {
		r.markStageFailed(stageID, engineErr)
		r.abort(StateFailed, engineErr)
		return
	}
	if engineErr.Kind == model.KindCancelled {
		r.markStageFailed(stageID, engineErr)
		r.abort(r.terminalStateForContext(), engineErr)
		return
	}

	stage, _ := r.graph.Stage(stageID)
	switch stage.OnFailure {
	case graph.FailContinueWithNull:
		slog.Warn("Stage failed, continuing with null result",
			"pipeline_id", r.cfg.PipelineID,
			"stage_id", stageID,
			"error", engineErr)
		r.results[stageID] = NullResult
		r.outcomes[stageID] = StageOutcome{
			Status: StageCompleted,
			TaskID: engineErr.TaskID,
			Result: NullResult,
			Error:  engineErr.Error(),
		}
		r.setStageStatus(stageID, StageCompleted, engineErr.Error())

	case graph.FailSkip:
		slog.Warn("Stage failed, skipping descendants",
			"pipeline_id", r.cfg.PipelineID,
			"stage_id", stageID,
			"error", engineErr)
		r.markStageFailed(stageID, engineErr)
		if r.rootCause == nil {
			r.rootCause = engineErr
		}
		for _, descendant := range r.graph.Descendants(stageID) {
			if r.statuses[descendant] == StagePending {
				r.outcomes[descendant] = StageOutcome{Status: StageSkipped}
				r.setStageStatus(descendant, StageSkipped, "")
			}
		}

	default: // abort
		r.markStageFailed(stageID, engineErr)
		r.abort(StateFailed, engineErr)
	}
}

func (r *run) markStageFailed(stageID string, engineErr *model.EngineError) {
	r.outcomes[stageID] = StageOutcome{
		Status: StageFailed,
		TaskID: engineErr.TaskID,
		Error:  engineErr.Error(),
	}
	r.setStageStatus(stageID, StageFailed, engineErr.Error())
}

// abort stops the run: cancels in-flight stages, drains them, and skips
// everything unreached.
func (r *run) abort(terminal State, cause *model.EngineError) {
	if r.state != StateRunning {
		return
	}
	r.state = terminal
	if r.rootCause == nil {
		r.rootCause = cause
	}
	r.cancel()

	// Drain in-flight stages; they observe the cancelled context promptly.
	for r.inflight > 0 {
		out := <-r.done
		r.inflight--
		if out.err == nil {
			r.completeStage(out.stageID, out.result)
			continue
		}
		engineErr := asEngineError(out.stageID, out.err)
		r.markStageFailed(out.stageID, engineErr)
	}

	// Outcomes buffered behind a partial unit join are finished work; record
	// them so no stage is left running in the terminal projection.
	for _, joined := range r.unitBuffer {
		for _, member := range joined {
			if member.err == nil {
				r.completeStage(member.stageID, member.result)
				continue
			}
			r.markStageFailed(member.stageID, asEngineError(member.stageID, member.err))
		}
	}
	r.unitPending = make(map[string]int)
	r.unitBuffer = make(map[string][]stageDone)

	for _, id := range r.graph.Order() {
		switch r.statuses[id] {
		case StagePending, StageReady:
			r.outcomes[id] = StageOutcome{Status: StageSkipped}
			r.setStageStatus(id, StageSkipped, "")
		}
	}

	r.publishPipeline(string(r.state), r.rootCause.Error())
	r.checkpoint()
}

// finalise computes the terminal pipeline state once the frontier is empty
// and nothing is in flight.
func (r *run) finalise() {
	completed := 0
	for _, id := range r.graph.Order() {
		switch r.statuses[id] {
		case StageCompleted:
			completed++
		case StagePending, StageReady, StageRunning:
			// Unreachable stages (dependencies failed under skip).
			r.outcomes[id] = StageOutcome{Status: StageSkipped}
			r.setStageStatus(id, StageSkipped, "")
		}
	}

	if completed > 0 {
		r.state = StateCompleted
	} else {
		r.state = StateFailed
		if r.rootCause == nil {
			r.rootCause = model.Errorf(model.KindInternal, "pipeline %s completed no stages", r.cfg.PipelineID)
		}
	}
	errMsg := ""
	if r.state == StateFailed {
		errMsg = r.rootCause.Error()
	}
	r.publishPipeline(string(r.state), errMsg)
	r.checkpoint()
}

func (r *run) result() *Result {
	res := &Result{
		PipelineID:  r.cfg.PipelineID,
		State:       r.state,
		Stages:      r.outcomes,
		RootCause:   r.rootCause,
		StartedAt:   r.started,
		CompletedAt: time.Now(),
	}
	if res.State == StateCompleted {
		res.RootCause = nil
	}
	return res
}

// terminalStateForContext distinguishes deadline expiry from external
// cancellation for the final status tag.
func (r *run) terminalStateForContext() State {
	if r.ctx.Err() == context.DeadlineExceeded {
		return StateFailed
	}
	return StateCancelled
}

func (r *run) contextCause() *model.EngineError {
	if r.ctx.Err() == context.DeadlineExceeded {
		return model.Errorf(model.KindTimeout, "pipeline %s deadline exceeded", r.cfg.PipelineID)
	}
	return model.Errorf(model.KindCancelled, "pipeline %s cancelled", r.cfg.PipelineID)
}

func (r *run) setStageStatus(stageID string, status StageStatus, errMsg string) {
	r.statuses[stageID] = status
	r.publishStage(stageID, string(status), errMsg)
	r.checkpoint()
}

func (r *run) publishPipeline(status, errMsg string) {
	if r.o.opts.Bus == nil {
		return
	}
	r.o.opts.Bus.Publish(progress.Event{
		PipelineID: r.cfg.PipelineID,
		Scope:      progress.ScopePipeline,
		Status:     status,
		Error:      errMsg,
	})
}

func (r *run) publishStage(stageID, status, errMsg string) {
	if r.o.opts.Bus == nil {
		return
	}
	r.o.opts.Bus.Publish(progress.Event{
		PipelineID: r.cfg.PipelineID,
		Scope:      progress.ScopeStage,
		StageID:    stageID,
		Status:     status,
		Error:      errMsg,
	})
}

// snapshot is the persisted checkpoint payload.
type snapshot struct {
	PipelineID  string                 `json:"pipeline_id"`
	Status      State                  `json:"status"`
	StageStatus map[string]StageStatus `json:"stage_status"`
	Error       string                 `json:"error,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// checkpoint persists the current projection. Best effort: a failed write
// is logged, never fatal, and uses a background context so cancellation
// does not lose the final state.
func (r *run) checkpoint() {
	if r.o.opts.Checkpoints == nil {
		return
	}
	snap := snapshot{
		PipelineID:  r.cfg.PipelineID,
		Status:      r.state,
		StageStatus: r.statuses,
		UpdatedAt:   time.Now(),
	}
	if r.rootCause != nil {
		snap.Error = r.rootCause.Error()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("Failed to marshal checkpoint", "pipeline_id", r.cfg.PipelineID, "error", err)
		return
	}
	if err := r.o.opts.Checkpoints.Save(context.Background(), r.cfg.PipelineID, data); err != nil {
		slog.Warn("Failed to persist checkpoint", "pipeline_id", r.cfg.PipelineID, "error", err)
	}
}

// enabledStages filters the declared stages down to the enabled subset and
// verifies the subset is dependency-closed.
func enabledStages(cfg Config) ([]graph.Stage, error) {
	if len(cfg.EnabledStages) == 0 {
		return cfg.Stages, nil
	}
	enabled := make(map[string]bool, len(cfg.EnabledStages))
	for _, id := range cfg.EnabledStages {
		enabled[id] = true
	}
	var out []graph.Stage
	for _, stage := range cfg.Stages {
		if !enabled[stage.ID] {
			continue
		}
		for _, dep := range stage.Dependencies {
			if !enabled[dep] {
				return nil, fmt.Errorf("enabled stage %q depends on disabled stage %q", stage.ID, dep)
			}
		}
		out = append(out, stage)
	}
	if len(out) != len(enabled) {
		return nil, fmt.Errorf("enabled stages reference undeclared stage IDs")
	}
	return out, nil
}

// defaultProjection is the built-in stage input assembly. Results from
// multiple dependencies are merged as a JSON object keyed by stage ID, so
// embedders with non-JSON payloads should supply their own projection.
func defaultProjection(stageID string, upstream map[string][]byte, pipelineInput []byte) ([]byte, error) {
	switch len(upstream) {
	case 0:
		return pipelineInput, nil
	case 1:
		for _, result := range upstream {
			return result, nil
		}
	}
	merged := make(map[string]json.RawMessage, len(upstream))
	for dep, result := range upstream {
		if json.Valid(result) {
			merged[dep] = json.RawMessage(result)
			continue
		}
		encoded, err := json.Marshal(string(result))
		if err != nil {
			return nil, fmt.Errorf("projecting %s input: %w", stageID, err)
		}
		merged[dep] = json.RawMessage(encoded)
	}
	return json.Marshal(merged)
}

// asEngineError normalises any stage failure into a classified error with
// the stage attached.
func asEngineError(stageID string, err error) *model.EngineError {
	var engineErr *model.EngineError
	if errors.As(err, &engineErr) {
		if engineErr.StageID == "" {
			engineErr.StageID = stageID
		}
		return engineErr
	}
	return model.NewError(model.KindOf(err), stageID, "", err)
}
