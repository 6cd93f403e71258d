// Package agent runs one workflow step: it assembles the prompt, drives the
// model through a bounded tool-calling loop and enforces a hard deadline and
// a retry policy around the whole execution.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/prompts"
	"github.com/c360studio/semflow/tools"
	"github.com/c360studio/semflow/usage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/c360studio/semflow/agent"

// ModelClient is the subset of *llm.Client the executor needs.
type ModelClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
	ContextWindow(capability, endpoint string) int
}

// Executor runs agents. It holds no per-execution state and is safe for
// concurrent use.
type Executor struct {
	client  ModelClient
	prompts *prompts.Assembler
	tools   *tools.Registry
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	maxBackoff  time.Duration
	backoffUnit time.Duration
	jitter      bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics records loop iterations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithTracer overrides the globally configured tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// WithMaxBackoff caps the wait between retries.
func WithMaxBackoff(d time.Duration) Option {
	return func(e *Executor) {
		e.maxBackoff = d
	}
}

// WithBackoffUnit sets the base of the 2^attempt retry schedule. The
// default is one second.
func WithBackoffUnit(d time.Duration) Option {
	return func(e *Executor) {
		e.backoffUnit = d
	}
}

// WithJitter randomizes retry waits by ±20%.
func WithJitter(enabled bool) Option {
	return func(e *Executor) {
		e.jitter = enabled
	}
}

// NewExecutor creates an executor. A nil registry gives agents no tools.
func NewExecutor(client ModelClient, assembler *prompts.Assembler, registry *tools.Registry, opts ...Option) *Executor {
	e := &Executor{
		client:      client,
		prompts:     assembler,
		tools:       registry,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		maxBackoff:  DefaultMaxBackoff,
		backoffUnit: time.Second,
	}
	if e.tools == nil {
		e.tools = tools.NewRegistry()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the agent once under cfg.Timeout. Expiry returns a
// *TimeoutError; the abandoned execution is cancelled but tool calls already
// in flight are not rolled back. Budget refusals and cancellation of ctx are
// returned as is; every other failure is an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, cfg Config, task Task) (*Result, error) {
	cfg = cfg.WithDefaults()
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "semflow.agent.execute",
		trace.WithAttributes(
			attribute.String("semflow.agent.type", cfg.AgentType),
			attribute.String("semflow.tenant_id", task.TenantID),
			attribute.String("semflow.run_id", task.RunID),
			attribute.String("semflow.step", task.StepName),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.run(runCtx, cfg, task)
		done <- outcome{res, err}
	}()

	var res *Result
	var err error
	select {
	case out := <-done:
		res, err = out.result, out.err
	case <-runCtx.Done():
	}

	switch {
	case err == nil && res != nil:
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = &TimeoutError{Agent: agentID(cfg, task), Timeout: cfg.Timeout}
	case !usage.IsBudgetExceeded(err):
		err = &ExecutionError{Agent: agentID(cfg, task), Attempts: 1, Err: err}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Agent execution failed",
			"agent_type", cfg.AgentType,
			"run_id", task.RunID,
			"step", task.StepName,
			"error", err)
		return nil, err
	}

	res.Duration = time.Since(started)
	res.Attempts = 1
	span.SetAttributes(
		attribute.Int("semflow.agent.iterations", res.Iterations),
		attribute.Int("semflow.agent.tokens", res.TokensUsed),
		attribute.String("semflow.agent.finish_reason", res.FinishReason),
	)
	span.SetStatus(codes.Ok, "")
	e.metrics.ObserveAgent(cfg.AgentType, res.FinishReason, res.Iterations)
	return res, nil
}

// run is the tool-calling loop.
func (e *Executor) run(ctx context.Context, cfg Config, task Task) (*Result, error) {
	ctx = e.traceContext(ctx, task)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: e.prompts.BuildSystemMessage(cfg.AgentType, cfg.Instructions)},
		{Role: llm.RoleUser, Content: e.prompts.BuildUserMessage(cfg.AgentType, task.Input)},
	}
	defs := e.toolDefinitions(cfg)
	execCtx := executionContext(task)

	window := e.client.ContextWindow(cfg.Capability, cfg.Endpoint)
	budget := window - cfg.MaxTokens

	res := &Result{Status: StatusCompleted}
	for i := 1; i <= cfg.MaxToolIterations; i++ {
		res.Iterations = i
		if budget > 0 {
			messages = prompts.TruncateToContextWindow(messages, budget, cfg.PreserveRecent)
		}

		resp, err := e.client.Chat(ctx, llm.Request{
			Capability:  cfg.Capability,
			Endpoint:    cfg.Endpoint,
			TenantID:    task.TenantID,
			Messages:    messages,
			Tools:       defs,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}

		res.TokensUsed += resp.Usage.TotalTokens
		res.Model = resp.Model
		res.Output = resp.Content
		res.FinishReason = resp.FinishReason
		messages = append(messages, resp.AssistantMessage())

		if !resp.HasToolCalls() {
			return finish(res), nil
		}

		e.logger.Debug("Executing tool calls",
			"agent_type", cfg.AgentType,
			"run_id", task.RunID,
			"iteration", i,
			"calls", len(resp.ToolCalls))

		results := e.tools.ExecuteBatch(ctx, resp.ToolCalls, execCtx)
		for j, r := range results {
			messages = append(messages, r.Message())
			res.ToolCalls = append(res.ToolCalls, ToolTrace{
				Iteration:       i,
				CallID:          r.ToolCallID,
				Name:            r.Name,
				Arguments:       resp.ToolCalls[j].Arguments,
				Success:         r.Success,
				Error:           r.Error,
				ExecutionTimeMs: r.ExecutionTimeMs,
			})
		}

		if resp.FinishReason == llm.FinishLength {
			e.logger.Info("Model hit its output limit, stopping tool loop",
				"agent_type", cfg.AgentType,
				"run_id", task.RunID,
				"iteration", i)
			return finish(res), nil
		}
	}

	res.FinishReason = FinishMaxIterations
	e.logger.Info("Tool loop reached max iterations",
		"agent_type", cfg.AgentType,
		"run_id", task.RunID,
		"max_tool_iterations", cfg.MaxToolIterations)
	return finish(res), nil
}

func finish(res *Result) *Result {
	if obj, ok := llm.DecodeObject(res.Output); ok {
		res.Structured = obj
	}
	return res
}

// toolDefinitions resolves the tools an agent declared.
func (e *Executor) toolDefinitions(cfg Config) []llm.ToolDefinition {
	if len(cfg.Tools) == 0 && cfg.ToolCategory == "" {
		return nil
	}
	var defs []llm.ToolDefinition
	seen := make(map[string]bool)
	add := func(list []llm.ToolDefinition) {
		for _, d := range list {
			if !seen[d.Name] {
				seen[d.Name] = true
				defs = append(defs, d)
			}
		}
	}
	if len(cfg.Tools) > 0 {
		add(e.tools.Definitions("", cfg.Tools))
		for _, name := range cfg.Tools {
			if !seen[name] {
				e.logger.Warn("Agent declares unknown tool", "agent_type", cfg.AgentType, "tool", name)
			}
		}
	}
	if cfg.ToolCategory != "" {
		add(e.tools.Definitions(cfg.ToolCategory, nil))
	}
	return defs
}

// traceContext fills trajectory fields the caller left empty.
func (e *Executor) traceContext(ctx context.Context, task Task) context.Context {
	tc := llm.GetTraceContext(ctx)
	if tc.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			tc.TraceID = sc.TraceID().String()
		} else {
			tc.TraceID = uuid.NewString()
		}
	}
	if tc.TenantID == "" {
		tc.TenantID = task.TenantID
	}
	if tc.RunID == "" {
		tc.RunID = task.RunID
	}
	if tc.StepName == "" {
		tc.StepName = task.StepName
	}
	return llm.WithTraceContext(ctx, tc)
}

func executionContext(task Task) map[string]any {
	execCtx := map[string]any{
		tools.ContextTenantID: task.TenantID,
		tools.ContextRunID:    task.RunID,
		tools.ContextStepName: task.StepName,
	}
	if task.IdempotencyKey != "" {
		execCtx[tools.ContextIdempotencyKey] = task.IdempotencyKey
	}
	return execCtx
}

func agentID(cfg Config, task Task) string {
	parts := []string{cfg.AgentType}
	if task.StepName != "" {
		parts = append(parts, task.StepName)
	}
	return strings.Join(parts, "/")
}
