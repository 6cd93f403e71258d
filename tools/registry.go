// Package tools is the catalog of capabilities agents can call.
//
// Handlers never abort the caller: unknown tools, handler errors and panics
// all come back as a failed Result that is fed to the model as tool content.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("duplicate tool")

// Handler runs a tool. args holds the model's arguments merged with the
// execution context.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered capability.
type Tool struct {
	Name         string
	Description  string
	Parameters   map[string]any
	Handler      Handler
	Category     string
	RequiresAuth bool
}

// Definition returns the vendor-neutral definition of t.
func (t Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Result is the outcome of one tool call.
type Result struct {
	ToolCallID      string `json:"tool_call_id"`
	Name            string `json:"name"`
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Content renders the result as the text returned to the model.
func (r Result) Content() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	switch v := r.Result.(type) {
	case nil:
		return "ok"
	case string:
		return v
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Sprint(r.Result)
	}
	return string(b)
}

// Message converts the result into a tool-role message.
func (r Result) Message() llm.Message {
	return llm.ToolResultMessage(r.ToolCallID, r.Name, r.Content())
}

// Recorder observes finished tool calls.
type Recorder interface {
	Record(ctx context.Context, call llm.ToolCall, result Result, started time.Time)
}

// Registry holds tools by name. Registration happens at startup; lookups and
// execution are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecorder records every execution on rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithMetrics records executions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tools sorted by name, filtered by category and, when names
// is non-empty, by name. Unknown names are ignored.
func (r *Registry) List(category string, names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var want map[string]bool
	if len(names) > 0 {
		want = make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
	}

	var out []Tool
	for _, t := range r.tools {
		if category != "" && t.Category != category {
			continue
		}
		if want != nil && !want[t.Name] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the vendor-neutral definitions of the named tools.
func (r *Registry) Definitions(category string, names []string) []llm.ToolDefinition {
	tools := r.List(category, names)
	defs := make([]llm.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.Definition()
	}
	return defs
}

// Schemas renders tools into a vendor's function-calling shape.
func (r *Registry) Schemas(formatter llm.ToolFormatter, category string, names []string) []map[string]any {
	defs := r.Definitions(category, names)
	out := make([]map[string]any, len(defs))
	for i, d := range defs {
		out[i] = formatter.FormatTool(d)
	}
	return out
}

// Execute runs one call. It never returns an error; failures are reported
// in the Result. execCtx values override model arguments of the same name.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall, execCtx map[string]any) Result {
	started := time.Now()
	result := Result{ToolCallID: call.ID, Name: call.Name}

	t, ok := r.Get(call.Name)
	if !ok {
		result.Error = "tool not found: " + call.Name
		r.finish(ctx, call, &result, started)
		return result
	}

	args := make(map[string]any, len(call.Arguments)+len(execCtx))
	for k, v := range call.Arguments {
		args[k] = v
	}
	for k, v := range execCtx {
		args[k] = v
	}

	out, err := r.invoke(ctx, t, args)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Result = out
	}
	r.finish(ctx, call, &result, started)
	return result
}

func (r *Registry) invoke(ctx context.Context, t Tool, args map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool handler panicked", "tool", t.Name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %s panicked: %v", t.Name, p)
		}
	}()
	return t.Handler(ctx, args)
}

func (r *Registry) finish(ctx context.Context, call llm.ToolCall, result *Result, started time.Time) {
	elapsed := time.Since(started)
	result.ExecutionTimeMs = elapsed.Milliseconds()
	r.metrics.ObserveTool(call.Name, result.Success, elapsed)

	if !result.Success {
		r.logger.Debug("Tool call failed", "tool", call.Name, "call_id", call.ID, "error", result.Error)
	}
	if r.recorder != nil {
		r.recorder.Record(ctx, call, *result, started)
	}
}

// ExecuteBatch runs calls concurrently. Results are in input order; one
// failing call does not affect the others.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []llm.ToolCall, execCtx map[string]any) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.Execute(ctx, call, execCtx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
