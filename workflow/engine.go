package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360studio/semflow/agent"
	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/runstate"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/c360studio/semflow/workflow"

// History events recorded on run state.
const (
	EventRunStarted    = "run_started"
	EventStepCompleted = "step_completed"
	EventStepSkipped   = "step_skipped"
	EventStepFailed    = "step_failed"
	EventRunFinished   = "run_finished"
	EventRunCancelled  = "cancel_requested"
)

// AgentExecutor runs one step's agent. *agent.Executor satisfies it.
type AgentExecutor interface {
	ExecuteWithRetry(ctx context.Context, cfg agent.Config, task agent.Task) (*agent.Result, error)
}

// RunRequest starts a run.
type RunRequest struct {
	TenantID   string
	WorkflowID string
	Input      map[string]any

	// EmitEvents publishes progress events for the run.
	EmitEvents bool

	// RunID is generated when empty.
	RunID string
}

func (r RunRequest) validate() error {
	ve := &ValidationError{}
	if r.TenantID == "" {
		ve.add("tenant_id is required")
	}
	if r.WorkflowID == "" {
		ve.add("workflow_id is required")
	}
	return ve.orNil()
}

// Engine drives workflow runs. Each run is driven by the goroutine that
// called ExecuteWorkflow, which is the only writer of its run state.
type Engine struct {
	repo      Repository
	states    runstate.Backend
	executor  AgentExecutor
	publisher events.Publisher
	base      agent.Config
	perType   map[string]agent.Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the engine's live copy of a run being driven. Cancel and the
// driving goroutine both update it under mu.
type activeRun struct {
	mu  sync.Mutex
	run *Run
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records step and run outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer overrides the globally configured tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithPublisher sends progress events of runs that ask for them.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithAgentDefaults sets the agent configuration steps start from: base for
// every step, then perType by agent type, then the step's own overrides.
func WithAgentDefaults(base agent.Config, perType map[string]agent.Config) Option {
	return func(e *Engine) {
		e.base = base
		e.perType = perType
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine. A nil states backend keeps run state in
// memory.
func NewEngine(repo Repository, states runstate.Backend, executor AgentExecutor, opts ...Option) *Engine {
	if states == nil {
		states = runstate.NewMemoryBackend()
	}
	e := &Engine{
		repo:     repo,
		states:   states,
		executor: executor,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runContext is the per-run working set of one driving call.
type runContext struct {
	def     *Definition
	ar      *activeRun
	state   *runstate.Store
	emit    bool
	traceID string

	// counted is set once the run is counted as active in metrics.
	counted bool
}

func (rc *runContext) runID() string    { return rc.ar.run.ID }
func (rc *runContext) tenantID() string { return rc.ar.run.TenantID }

// stepOutcome is the result of one step dispatch.
type stepOutcome struct {
	step   *StepExecution
	result *agent.Result
	err    error
}

// ExecuteWorkflow runs a definition to a terminal state and returns the run.
// Step failures are recorded on the returned run, not returned as errors;
// errors mean the run could not be created or persisted. The returned run is
// never pending or running.
func (e *Engine) ExecuteWorkflow(ctx context.Context, req RunRequest) (run *Run, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	def, err := e.repo.GetDefinition(ctx, req.TenantID, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", req.WorkflowID, err)
	}
	if !def.Active {
		return nil, fmt.Errorf("%w: workflow %s is inactive", ErrNotFound, def.ID)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	created := &Run{
		ID:              runID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TenantID:        req.TenantID,
		Status:          RunPending,
		InputData:       maps.Clone(req.Input),
		CreatedAt:       e.now(),
	}
	if err := e.repo.CreateRun(ctx, created); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	ar, err := e.register(created)
	if err != nil {
		return nil, err
	}
	defer e.unregister(runID)

	ctx, span := e.tracer.Start(ctx, "semflow.workflow.run",
		trace.WithAttributes(
			attribute.String("semflow.run_id", runID),
			attribute.String("semflow.workflow_id", def.ID),
			attribute.Int("semflow.workflow_version", def.Version),
			attribute.String("semflow.tenant_id", req.TenantID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	rc := &runContext{
		def:     def,
		ar:      ar,
		state:   runstate.NewStore(e.states, runstate.WithLogger(e.logger)),
		emit:    req.EmitEvents,
		traceID: traceID(ctx, runID),
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Run panicked", "run_id", runID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("run %s panicked: %v", runID, p)
			e.finish(ctx, rc, RunFailed, err.Error())
			run = rc.snapshot()
		}
		final := rc.snapshot()
		span.SetAttributes(attribute.String("semflow.run.status", string(final.Status)))
		if final.Status == RunFailed {
			span.SetStatus(codes.Error, final.ErrorMessage)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	e.logger.Info("Starting workflow run",
		"run_id", runID,
		"workflow_id", def.ID,
		"version", def.Version,
		"tenant_id", req.TenantID,
		"steps", len(def.Steps))

	if err := rc.state.Init(ctx, runID, def.ID, req.TenantID, req.Input); err != nil {
		e.finish(ctx, rc, RunFailed, fmt.Sprintf("initialize run state: %v", err))
		return rc.snapshot(), err
	}
	if err := e.start(ctx, rc); err != nil {
		if rc.cancelled() {
			e.finish(ctx, rc, RunCancelled, "")
			return rc.snapshot(), nil
		}
		e.finish(ctx, rc, RunFailed, err.Error())
		return rc.snapshot(), err
	}

	status, message := e.drive(ctx, rc)
	e.finish(ctx, rc, status, message)
	return rc.snapshot(), nil
}

// drive dispatches blocks in order until one fails or the run is cancelled.
// Cancellation is only observed between blocks.
func (e *Engine) drive(ctx context.Context, rc *runContext) (RunStatus, string) {
	for _, block := range rc.def.Blocks() {
		if rc.cancelled() || ctx.Err() != nil {
			return RunCancelled, ""
		}

		vars := rc.state.Variables()
		outcomes := make([]stepOutcome, len(block))
		if len(block) == 1 {
			outcomes[0] = e.runStep(ctx, rc, block[0], vars)
		} else {
			var g errgroup.Group
			for i, idx := range block {
				g.Go(func() error {
					outcomes[i] = e.runStep(ctx, rc, idx, vars)
					return nil
				})
			}
			_ = g.Wait()
		}

		// Joined in declared order; the first failed required step stops
		// the run and later outputs of the block are not merged.
		for _, o := range outcomes {
			if o.step.Status == StepFailed {
				if ctx.Err() != nil {
					return RunCancelled, ""
				}
				e.recordFailure(ctx, rc, o)
				return RunFailed, fmt.Sprintf("step %s (%d) failed: %s", o.step.StepName, o.step.StepIndex, o.step.ErrorMessage)
			}
			if err := e.commitStep(ctx, rc, o); err != nil {
				return RunFailed, err.Error()
			}
		}
	}
	return RunCompleted, ""
}

// runStep dispatches one step to its agent. It only writes the step's own
// execution record, so steps of a parallel block may run concurrently.
func (e *Engine) runStep(ctx context.Context, rc *runContext, idx int, vars map[string]any) stepOutcome {
	spec := rc.def.Steps[idx]
	input, missing := ResolveInput(spec.InputMap, vars)
	if len(missing) > 0 {
		e.logger.Warn("Step input references undefined variables",
			"run_id", rc.runID(),
			"step", spec.Name,
			"missing", missing)
	}

	step := &StepExecution{
		ID:        uuid.NewString(),
		RunID:     rc.runID(),
		TenantID:  rc.tenantID(),
		StepIndex: idx,
		StepName:  spec.Name,
		AgentType: spec.AgentType,
		Status:    StepPending,
		InputData: input,
	}
	_ = step.Transition(StepRunning, e.now())
	e.saveStep(ctx, step)
	e.emit(ctx, rc, events.Event{
		Type:      events.TypeStepChange,
		Status:    string(StepRunning),
		StepIndex: idx,
		StepName:  spec.Name,
	})

	ctx, span := e.tracer.Start(ctx, "semflow.workflow.step",
		trace.WithAttributes(
			attribute.String("semflow.run_id", rc.runID()),
			attribute.String("semflow.step", spec.Name),
			attribute.Int("semflow.step_index", idx),
			attribute.String("semflow.agent.type", spec.AgentType),
		),
	)
	defer span.End()

	ctx = llm.WithTraceContext(ctx, llm.TraceContext{
		TraceID:  rc.traceID,
		TenantID: rc.tenantID(),
		RunID:    rc.runID(),
		StepName: spec.Name,
	})

	res, err := e.executor.ExecuteWithRetry(ctx, e.agentConfig(spec), agent.Task{
		TenantID:       rc.tenantID(),
		RunID:          rc.runID(),
		StepName:       spec.Name,
		Input:          input,
		IdempotencyKey: fmt.Sprintf("%s/%d", rc.runID(), idx),
	})

	now := e.now()
	if err != nil {
		step.ErrorMessage = err.Error()
		step.RetryCount = retries(err)
		next := StepFailed
		if !spec.IsRequired() {
			next = StepSkipped
		}
		_ = step.Transition(next, now)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		e.logger.Error("Step failed",
			"run_id", rc.runID(),
			"step", spec.Name,
			"index", idx,
			"required", spec.IsRequired(),
			"retries", step.RetryCount,
			"error", err)
	} else {
		step.OutputData = stepOutputData(res)
		step.RetryCount = res.Attempts - 1
		step.TokensUsed = res.TokensUsed
		_ = step.Transition(StepCompleted, now)
		span.SetStatus(codes.Ok, "")

		e.logger.Info("Step completed",
			"run_id", rc.runID(),
			"step", spec.Name,
			"index", idx,
			"finish_reason", res.FinishReason,
			"iterations", res.Iterations,
			"tokens", res.TokensUsed)
	}

	e.saveStep(ctx, step)
	e.metrics.ObserveStep(spec.AgentType, string(step.Status), step.Duration())
	return stepOutcome{step: step, result: res, err: err}
}

// commitStep merges a finished step into run state and advances the cursor.
// The step must be the one the cursor points at. Only the driving goroutine
// calls it.
func (e *Engine) commitStep(ctx context.Context, rc *runContext, o stepOutcome) error {
	spec := rc.def.Steps[o.step.StepIndex]
	next := o.step.StepIndex + 1
	if cursor := rc.state.CurrentStep(); cursor != o.step.StepIndex {
		return fmt.Errorf("%w: commit step %s (%d) at cursor %d", ErrInvalidTransition, spec.Name, o.step.StepIndex, cursor)
	}

	var outputs map[string]any
	event := EventStepSkipped
	if o.step.Status == StepCompleted {
		event = EventStepCompleted
		var missing []string
		outputs, missing = ResolveOutput(spec.Name, spec.OutputMap, o.result)
		if len(missing) > 0 {
			e.logger.Warn("Step output is missing mapped fields",
				"run_id", rc.runID(),
				"step", spec.Name,
				"missing", missing)
		}
		if err := rc.state.SetVariables(ctx, outputs); err != nil {
			return fmt.Errorf("store outputs of step %s: %w", spec.Name, err)
		}
	}

	if err := rc.state.AdvanceTo(ctx, next); err != nil {
		return fmt.Errorf("advance past step %s: %w", spec.Name, err)
	}
	if err := e.updateRun(ctx, rc.ar, func(r *Run) error {
		r.AdvanceTo(next)
		return nil
	}); err != nil {
		return fmt.Errorf("persist run progress: %w", err)
	}

	details := map[string]any{
		"step":        spec.Name,
		"step_index":  o.step.StepIndex,
		"status":      string(o.step.Status),
		"retry_count": o.step.RetryCount,
	}
	if o.step.Status == StepCompleted {
		details["tokens_used"] = o.step.TokensUsed
		details["finish_reason"] = o.result.FinishReason
	} else {
		details["error"] = o.step.ErrorMessage
	}
	e.addHistory(ctx, rc, event, details)

	e.emit(ctx, rc, events.Event{
		Type:      events.TypeStepChange,
		Status:    string(o.step.Status),
		StepIndex: o.step.StepIndex,
		StepName:  spec.Name,
	})
	if len(outputs) > 0 {
		e.emit(ctx, rc, events.Event{
			Type:      events.TypeOutput,
			StepIndex: o.step.StepIndex,
			StepName:  spec.Name,
			Data:      outputs,
		})
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, rc *runContext, o stepOutcome) {
	e.addHistory(ctx, rc, EventStepFailed, map[string]any{
		"step":        o.step.StepName,
		"step_index":  o.step.StepIndex,
		"retry_count": o.step.RetryCount,
		"error":       o.step.ErrorMessage,
	})
	e.emit(ctx, rc, events.Event{
		Type:      events.TypeStepChange,
		Status:    string(StepFailed),
		StepIndex: o.step.StepIndex,
		StepName:  o.step.StepName,
	})
}

// start moves a pending run to running.
func (e *Engine) start(ctx context.Context, rc *runContext) error {
	if err := e.updateRun(ctx, rc.ar, func(r *Run) error {
		return r.Transition(RunRunning, e.now())
	}); err != nil {
		return err
	}
	if err := rc.state.UpdateStatus(ctx, RunRunning); err != nil {
		return err
	}
	rc.counted = true
	e.metrics.RunStarted()
	e.addHistory(ctx, rc, EventRunStarted, map[string]any{"workflow_version": rc.def.Version})
	e.emit(ctx, rc, events.Event{Type: events.TypeStatus, Status: string(RunRunning)})
	return nil
}

// finish moves the run to status unless it is already terminal, then
// mirrors the final status into run state and emits the completed event.
// Writes use a context detached from cancellation so a cancelled caller
// still leaves a terminal run behind.
func (e *Engine) finish(ctx context.Context, rc *runContext, status RunStatus, message string) {
	ctx = context.WithoutCancel(ctx)
	vars := rc.state.Variables()

	err := e.updateRun(ctx, rc.ar, func(r *Run) error {
		if r.Status.IsTerminal() {
			return nil
		}
		if err := r.Transition(status, e.now()); err != nil {
			return err
		}
		r.ErrorMessage = message
		if status == RunCompleted {
			r.OutputData = vars
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to persist run result", "run_id", rc.runID(), "status", status, "error", err)
	}

	final := rc.snapshot()
	if current := rc.state.Status(); current != "" && current != final.Status {
		if err := rc.state.UpdateStatus(ctx, final.Status); err != nil {
			e.logger.Warn("Failed to record final run status", "run_id", final.ID, "error", err)
		}
	}
	details := map[string]any{
		"status":            string(final.Status),
		"current_step":      final.CurrentStep,
		"execution_time_ms": final.ExecutionTimeMs,
	}
	if final.ErrorMessage != "" {
		details["error"] = final.ErrorMessage
	}
	e.addHistory(ctx, rc, EventRunFinished, details)

	if rc.counted {
		e.metrics.RunFinished(string(final.Status))
		rc.counted = false
	}
	e.emit(ctx, rc, events.Event{
		Type:       events.TypeCompleted,
		Status:     string(final.Status),
		StepIndex:  final.CurrentStep,
		DurationMs: final.ExecutionTimeMs,
	})

	if final.Status == RunFailed {
		e.logger.Error("Workflow run failed",
			"run_id", final.ID,
			"current_step", final.CurrentStep,
			"error", final.ErrorMessage)
		return
	}
	e.logger.Info("Workflow run finished",
		"run_id", final.ID,
		"status", final.Status,
		"current_step", final.CurrentStep,
		"execution_time_ms", final.ExecutionTimeMs)
}

// Cancel requests cancellation. A run being driven is marked cancelled now;
// its in-flight step finishes but no further step starts. A run not driven
// by this engine is marked cancelled directly.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID string) (*Run, error) {
	e.mu.Lock()
	ar := e.active[runID]
	e.mu.Unlock()

	if ar != nil && ar.tenantID() == tenantID {
		var out *Run
		err := e.updateRun(ctx, ar, func(r *Run) error {
			if err := r.Transition(RunCancelled, e.now()); err != nil {
				return err
			}
			r.ErrorMessage = "cancelled by request"
			out = cloneRun(r)
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.logger.Info("Run cancellation requested", "run_id", runID, "current_step", out.CurrentStep)
		return out, nil
	}

	run, err := e.repo.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := run.Transition(RunCancelled, e.now()); err != nil {
		return nil, err
	}
	run.ErrorMessage = "cancelled by request"
	if err := e.repo.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}

	state := runstate.NewStore(e.states, runstate.WithLogger(e.logger))
	if err := state.Load(ctx, tenantID, runID); err == nil {
		if err := state.UpdateStatus(ctx, RunCancelled); err != nil {
			e.logger.Warn("Failed to record cancellation in run state", "run_id", runID, "error", err)
		}
		_ = state.AddHistoryEntry(ctx, EventRunCancelled, nil)
	}
	e.logger.Info("Cancelled inactive run", "run_id", runID)
	return run, nil
}

// ExecuteStep dispatches a single step of an existing run against its current
// variables. stepIndex must be the run's current step. A completed or skipped step is merged and advances the cursor;
// a failed required step fails the run, and completing the last step
// completes it. Step failures are reported on the returned execution.
func (e *Engine) ExecuteStep(ctx context.Context, tenantID, runID string, stepIndex int) (*StepExecution, error) {
	run, err := e.repo.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, runID, run.Status)
	}
	def, err := e.repo.GetDefinition(ctx, tenantID, run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", run.WorkflowID, err)
	}
	if def.Version != run.WorkflowVersion {
		e.logger.Warn("Run was started on a different workflow version",
			"run_id", runID,
			"run_version", run.WorkflowVersion,
			"current_version", def.Version)
	}
	if stepIndex < 0 || stepIndex >= len(def.Steps) {
		return nil, fmt.Errorf("%w: step %d of workflow %s", ErrNotFound, stepIndex, def.ID)
	}
	if stepIndex != run.CurrentStep {
		return nil, fmt.Errorf("%w: run %s is at step %d, not %d", ErrInvalidTransition, runID, run.CurrentStep, stepIndex)
	}

	ar, err := e.register(run)
	if err != nil {
		return nil, err
	}
	defer e.unregister(runID)

	rc := &runContext{
		def:     def,
		ar:      ar,
		state:   runstate.NewStore(e.states, runstate.WithLogger(e.logger)),
		traceID: traceID(ctx, runID),
	}
	if err := rc.state.Load(ctx, tenantID, runID); err != nil {
		// A run created but never started has no state yet.
		if !errors.Is(err, runstate.ErrNotFound) || run.Status != RunPending {
			return nil, err
		}
		if err := rc.state.Init(ctx, runID, def.ID, tenantID, run.InputData); err != nil {
			return nil, err
		}
	}
	if cursor := rc.state.CurrentStep(); cursor != stepIndex {
		return nil, fmt.Errorf("%w: run %s is at step %d, not %d", ErrInvalidTransition, runID, cursor, stepIndex)
	}
	if run.Status == RunPending {
		if err := e.start(ctx, rc); err != nil {
			return nil, err
		}
	}

	o := e.runStep(ctx, rc, stepIndex, rc.state.Variables())
	switch {
	case o.step.Status == StepFailed:
		e.recordFailure(ctx, rc, o)
		e.finish(ctx, rc, RunFailed, fmt.Sprintf("step %s (%d) failed: %s", o.step.StepName, stepIndex, o.step.ErrorMessage))
	default:
		if err := e.commitStep(ctx, rc, o); err != nil {
			return o.step, err
		}
		if rc.state.CurrentStep() >= len(def.Steps) {
			e.finish(ctx, rc, RunCompleted, "")
		}
	}
	return o.step, nil
}

// GetRun returns a run, preferring the live copy of an active run.
func (e *Engine) GetRun(ctx context.Context, tenantID, runID string) (*Run, error) {
	e.mu.Lock()
	ar := e.active[runID]
	e.mu.Unlock()
	if ar != nil && ar.tenantID() == tenantID {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		return cloneRun(ar.run), nil
	}
	return e.repo.GetRun(ctx, tenantID, runID)
}

// ListStepExecutions returns a run's step executions ordered by step index.
func (e *Engine) ListStepExecutions(ctx context.Context, tenantID, runID string) ([]*StepExecution, error) {
	return e.repo.ListStepExecutions(ctx, tenantID, runID)
}

// RunState returns the persisted variables, cursor and history of a run.
func (e *Engine) RunState(ctx context.Context, tenantID, runID string) (*runstate.State, error) {
	return e.states.Load(ctx, tenantID, runID)
}

func (e *Engine) register(run *Run) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[run.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, run.ID)
	}
	ar := &activeRun{run: cloneRun(run)}
	e.active[run.ID] = ar
	return ar, nil
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

// updateRun applies fn to the live run and persists it. Nothing is written
// when fn fails.
func (e *Engine) updateRun(ctx context.Context, ar *activeRun, fn func(*Run) error) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if err := fn(ar.run); err != nil {
		return err
	}
	return e.repo.UpdateRun(context.WithoutCancel(ctx), ar.run)
}

func (e *Engine) saveStep(ctx context.Context, step *StepExecution) {
	if err := e.repo.SaveStepExecution(context.WithoutCancel(ctx), step); err != nil {
		e.logger.Warn("Failed to persist step execution",
			"run_id", step.RunID,
			"step", step.StepName,
			"status", step.Status,
			"error", err)
	}
}

func (e *Engine) addHistory(ctx context.Context, rc *runContext, event string, details map[string]any) {
	if err := rc.state.AddHistoryEntry(context.WithoutCancel(ctx), event, details); err != nil {
		e.logger.Warn("Failed to append run history", "run_id", rc.runID(), "event", event, "error", err)
	}
}

// emit publishes a progress event. Failures are logged and never affect the
// run.
func (e *Engine) emit(ctx context.Context, rc *runContext, event events.Event) {
	if !rc.emit || e.publisher == nil {
		return
	}
	event.RunID = rc.runID()
	event.TenantID = rc.tenantID()
	event.WorkflowID = rc.def.ID
	event.Timestamp = e.now()
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("Failed to publish run event",
			"run_id", event.RunID,
			"event", event.Type,
			"error", err)
	}
}

func (e *Engine) agentConfig(spec StepSpec) agent.Config {
	return e.base.Merge(e.perType[spec.AgentType]).Merge(spec.AgentConfig())
}

func (ar *activeRun) tenantID() string {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.run.TenantID
}

func (rc *runContext) cancelled() bool {
	rc.ar.mu.Lock()
	defer rc.ar.mu.Unlock()
	return rc.ar.run.Status == RunCancelled
}

func (rc *runContext) snapshot() *Run {
	rc.ar.mu.Lock()
	defer rc.ar.mu.Unlock()
	return cloneRun(rc.ar.run)
}

func traceID(ctx context.Context, fallback string) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return fallback
}

func retries(err error) int {
	var execErr *agent.ExecutionError
	if errors.As(err, &execErr) && execErr.Attempts > 0 {
		return execErr.Attempts - 1
	}
	return 0
}
