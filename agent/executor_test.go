package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semflow/agent"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/llm/testutil"
	"github.com/c360studio/semflow/prompts"
	"github.com/c360studio/semflow/tools"
	"github.com/c360studio/semflow/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	client   *testutil.MockClient
	registry *tools.Registry
	executor *agent.Executor

	mu       sync.Mutex
	toolArgs []map[string]any
}

func newHarness(t *testing.T, steps ...testutil.Step) *harness {
	t.Helper()
	assembler, err := prompts.NewAssembler()
	require.NoError(t, err)

	h := &harness{client: testutil.NewMockClient(steps...), registry: tools.NewRegistry()}
	require.NoError(t, h.registry.Register(tools.Tool{
		Name:     "search_contacts",
		Category: "crm",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			h.mu.Lock()
			h.toolArgs = append(h.toolArgs, args)
			h.mu.Unlock()
			return nil, errors.New("CRM unreachable")
		},
	}))
	require.NoError(t, h.registry.Register(tools.Tool{
		Name:     "create_contact",
		Category: "crm",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"contact_id": "c-1"}, nil
		},
	}))
	require.NoError(t, h.registry.Register(tools.Tool{
		Name:     "send_email",
		Category: "email",
		Handler: func(context.Context, map[string]any) (any, error) {
			return "sent", nil
		},
	}))

	h.executor = agent.NewExecutor(h.client, assembler, h.registry, agent.WithBackoffUnit(time.Millisecond))
	return h
}

var task = agent.Task{
	TenantID:       "acme",
	RunID:          "run-1",
	StepName:       "qualify",
	Input:          map[string]any{"lead_email": "ada@example.com"},
	IdempotencyKey: "run-1/0",
}

func searchCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "search_contacts", Arguments: map[string]any{"query": "ada@example.com"}}
}

func TestExecute_FinalAnswer(t *testing.T) {
	h := newHarness(t, testutil.Reply("```json\n{\"score\": 82, \"qualified\": true}\n```"))

	res, err := h.executor.Execute(context.Background(), agent.Config{AgentType: "lead_qualifier"}, task)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, llm.FinishStop, res.FinishReason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 15, res.TokensUsed)
	assert.Equal(t, 82.0, res.Structured["score"])
	assert.Empty(t, res.ToolCalls)

	req := h.client.Requests()[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "ada@example.com")
	assert.Equal(t, "acme", req.TenantID)
	assert.Nil(t, req.Tools, "agent without declared tools is offered none")
}

func TestExecute_ToolFailureFeedsBackToModel(t *testing.T) {
	h := newHarness(t,
		testutil.ToolCalls(searchCall("call-1")),
		testutil.Reply("No contact found; creating one is recommended."),
	)
	cfg := agent.Config{AgentType: "lead_qualifier", Tools: []string{"search_contacts"}}

	res, err := h.executor.Execute(context.Background(), cfg, task)
	require.NoError(t, err, "a failing tool does not abort the step")

	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 30, res.TokensUsed)
	require.Len(t, res.ToolCalls, 1)
	assert.False(t, res.ToolCalls[0].Success)
	assert.Equal(t, "CRM unreachable", res.ToolCalls[0].Error)

	reqs := h.client.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "search_contacts", reqs[0].Tools[0].Name)

	second := reqs[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "call-1", second[3].ToolCallID)
	assert.Equal(t, "Error: CRM unreachable", second[3].Content)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.toolArgs, 1)
	assert.Equal(t, "acme", h.toolArgs[0]["tenant_id"])
	assert.Equal(t, "run-1", h.toolArgs[0]["run_id"])
	assert.Equal(t, "ada@example.com", h.toolArgs[0]["query"])
}

func TestExecute_ToolCategory(t *testing.T) {
	h := newHarness(t, testutil.Reply("ok"))
	cfg := agent.Config{AgentType: "email_writer", Tools: []string{"send_email", "missing_tool"}, ToolCategory: "crm"}

	_, err := h.executor.Execute(context.Background(), cfg, task)
	require.NoError(t, err)

	var names []string
	for _, d := range h.client.Requests()[0].Tools {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"send_email", "create_contact", "search_contacts"}, names)
}

func TestExecute_MaxIterationsIsSoftCompletion(t *testing.T) {
	h := newHarness(t, testutil.ToolCalls(searchCall("loop")))
	cfg := agent.Config{AgentType: "research", Tools: []string{"search_contacts"}, MaxToolIterations: 3}

	res, err := h.executor.Execute(context.Background(), cfg, task)
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, agent.FinishMaxIterations, res.FinishReason)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.ToolCalls, 3)
	assert.Equal(t, 3, h.client.CallCount())
}

func TestExecute_DefaultIterationLimit(t *testing.T) {
	h := newHarness(t, testutil.ToolCalls(searchCall("loop")))
	cfg := agent.Config{AgentType: "research", Tools: []string{"search_contacts"}}

	res, err := h.executor.Execute(context.Background(), cfg, task)
	require.NoError(t, err)
	assert.Equal(t, agent.FinishMaxIterations, res.FinishReason)
	assert.Equal(t, agent.DefaultMaxToolIterations, h.client.CallCount())
}

func TestExecute_LengthStopsLoop(t *testing.T) {
	truncated := testutil.ToolCalls(searchCall("c1"))
	truncated.Response.FinishReason = llm.FinishLength
	truncated.Response.Content = "partial"
	h := newHarness(t, truncated, testutil.Reply("never reached"))
	cfg := agent.Config{AgentType: "research", Tools: []string{"search_contacts"}}

	res, err := h.executor.Execute(context.Background(), cfg, task)
	require.NoError(t, err)

	assert.Equal(t, llm.FinishLength, res.FinishReason)
	assert.Equal(t, "partial", res.Output)
	assert.Equal(t, 1, res.Iterations)
	assert.Len(t, res.ToolCalls, 1, "calls requested before the limit still run")
	assert.Equal(t, 1, h.client.CallCount())
}

func TestExecute_SetsTraceContext(t *testing.T) {
	h := newHarness(t, testutil.Reply("ok"))

	_, err := h.executor.Execute(context.Background(), agent.Config{AgentType: "scheduler"}, task)
	require.NoError(t, err)

	tc := llm.GetTraceContext(h.client.CapturedContext())
	assert.NotEmpty(t, tc.TraceID)
	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "qualify", tc.StepName)
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t, testutil.Hang(2*time.Second))
	cfg := agent.Config{AgentType: "research", Timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := h.executor.ExecuteWithRetry(context.Background(), cfg, task)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var te *agent.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "research/qualify", te.Agent)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.Equal(t, 1, h.client.CallCount(), "timeouts are never retried")
}

func TestExecute_ParentCancel(t *testing.T) {
	h := newHarness(t, testutil.Hang(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := h.executor.Execute(ctx, agent.Config{AgentType: "research"}, task)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, agent.IsTimeout(err))
}

func TestExecuteWithRetry(t *testing.T) {
	transient := llm.NewTransientError(errors.New("upstream 503"))

	tests := []struct {
		name      string
		steps     []testutil.Step
		wantErr   bool
		wantCalls int
		check     func(t *testing.T, res *agent.Result, err error)
	}{
		{
			name:      "recovers after transient failures",
			steps:     []testutil.Step{testutil.Fail(transient), testutil.Fail(transient), testutil.Reply("done")},
			wantCalls: 3,
			check: func(t *testing.T, res *agent.Result, _ error) {
				assert.Equal(t, 3, res.Attempts)
				assert.Equal(t, "done", res.Output)
			},
		},
		{
			name:      "gives up after max retries",
			steps:     []testutil.Step{testutil.Fail(transient)},
			wantErr:   true,
			wantCalls: 3,
			check: func(t *testing.T, _ *agent.Result, err error) {
				var execErr *agent.ExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, 3, execErr.Attempts)
				assert.ErrorIs(t, err, transient)
				assert.Contains(t, err.Error(), "after 3 attempts")
			},
		},
		{
			name: "budget refusal is not retried",
			steps: []testutil.Step{testutil.Fail(&usage.BudgetExceededError{
				TenantID: "acme", Used: 0.45, Limit: 0.01,
			})},
			wantErr:   true,
			wantCalls: 1,
			check: func(t *testing.T, _ *agent.Result, err error) {
				assert.ErrorIs(t, err, usage.ErrBudgetExceeded)
				var execErr *agent.ExecutionError
				assert.False(t, errors.As(err, &execErr))
			},
		},
		{
			name:      "fatal model error is not retried",
			steps:     []testutil.Step{testutil.Fail(llm.NewFatalError(errors.New("invalid api key")))},
			wantErr:   true,
			wantCalls: 1,
			check: func(t *testing.T, _ *agent.Result, err error) {
				assert.True(t, llm.IsFatal(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.steps...)
			res, err := h.executor.ExecuteWithRetry(context.Background(), agent.Config{AgentType: "research"}, task)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, h.client.CallCount())
			tt.check(t, res, err)
		})
	}
}

func TestExecuteWithRetry_BackoffIsCapped(t *testing.T) {
	assembler, err := prompts.NewAssembler()
	require.NoError(t, err)
	client := testutil.NewMockClient(testutil.Fail(llm.NewTransientError(errors.New("503"))))
	executor := agent.NewExecutor(client, assembler, nil,
		agent.WithBackoffUnit(time.Second),
		agent.WithMaxBackoff(10*time.Millisecond),
	)

	start := time.Now()
	_, err = executor.ExecuteWithRetry(context.Background(), agent.Config{AgentType: "research", MaxRetries: 4}, task)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 4, client.CallCount())
}

func TestExecuteWithRetry_WaitSchedule(t *testing.T) {
	assembler, err := prompts.NewAssembler()
	require.NoError(t, err)
	client := testutil.NewMockClient(testutil.Fail(llm.NewTransientError(errors.New("503"))))
	executor := agent.NewExecutor(client, assembler, nil, agent.WithBackoffUnit(20*time.Millisecond))

	// Three attempts wait 2 then 4 units.
	start := time.Now()
	_, err = executor.ExecuteWithRetry(context.Background(), agent.Config{AgentType: "research", MaxRetries: 3}, task)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Equal(t, 3, client.CallCount())
	assert.GreaterOrEqual(t, elapsed, 120*time.Millisecond)
	assert.Less(t, elapsed, 280*time.Millisecond)
}

func TestConfigMerge(t *testing.T) {
	temp := 0.2
	base := agent.Config{AgentType: "support_triage", Capability: "fast", MaxRetries: 2, Tools: []string{"create_ticket"}}
	merged := base.Merge(agent.Config{Capability: "reasoning", Temperature: &temp})

	assert.Equal(t, "support_triage", merged.AgentType)
	assert.Equal(t, "reasoning", merged.Capability)
	assert.Equal(t, 2, merged.MaxRetries)
	assert.Equal(t, []string{"create_ticket"}, merged.Tools)
	assert.Equal(t, &temp, merged.Temperature)

	d := agent.Config{}.WithDefaults()
	assert.Equal(t, 10, d.MaxToolIterations)
	assert.Equal(t, 300*time.Second, d.Timeout)
	assert.Equal(t, agent.DefaultMaxRetries, d.MaxRetries)
}
