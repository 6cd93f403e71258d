package tools_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semflow/actions"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/llm/providers"
	"github.com/c360studio/semflow/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name, category string) tools.Tool {
	return tools.Tool{
		Name:        name,
		Description: "Echo " + name,
		Category:    category,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestRegister(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echoTool("search_contacts", "crm")))

	err := reg.Register(echoTool("search_contacts", "crm"))
	require.ErrorIs(t, err, tools.ErrDuplicateTool)

	require.Error(t, reg.Register(tools.Tool{Name: "no_handler"}))
	require.Error(t, reg.Register(tools.Tool{Handler: echoTool("x", "").Handler}))
}

func TestListAndSchemas(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echoTool("send_email", "email")))
	require.NoError(t, reg.Register(echoTool("create_ticket", "helpdesk")))
	require.NoError(t, reg.Register(echoTool("update_ticket", "helpdesk")))

	all := reg.List("", nil)
	require.Len(t, all, 3)
	assert.Equal(t, "create_ticket", all[0].Name)

	assert.Len(t, reg.List("helpdesk", nil), 2)
	assert.Len(t, reg.List("", []string{"send_email", "unknown"}), 1)
	assert.Len(t, reg.List("helpdesk", []string{"send_email"}), 0)

	anthropic, err := providers.Formatter("anthropic")
	require.NoError(t, err)
	schemas := reg.Schemas(anthropic, "helpdesk", nil)
	require.Len(t, schemas, 2)
	assert.Equal(t, "create_ticket", schemas[0]["name"])
	assert.Contains(t, schemas[0], "input_schema")

	openai, err := providers.Formatter("openai")
	require.NoError(t, err)
	schemas = reg.Schemas(openai, "", []string{"send_email"})
	require.Len(t, schemas, 1)
	assert.Equal(t, "function", schemas[0]["type"])
}

func TestExecute(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echoTool("echo", "")))
	require.NoError(t, reg.Register(tools.Tool{
		Name: "search_contacts",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("CRM unreachable")
		},
	}))
	require.NoError(t, reg.Register(tools.Tool{
		Name: "explode",
		Handler: func(context.Context, map[string]any) (any, error) {
			panic("boom")
		},
	}))
	ctx := context.Background()

	t.Run("merges execution context over arguments", func(t *testing.T) {
		res := reg.Execute(ctx, llm.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{
			"query":     "Ada",
			"tenant_id": "spoofed",
		}}, map[string]any{"tenant_id": "acme"})

		require.True(t, res.Success)
		assert.Equal(t, "c1", res.ToolCallID)
		out := res.Result.(map[string]any)
		assert.Equal(t, "Ada", out["query"])
		assert.Equal(t, "acme", out["tenant_id"])
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := reg.Execute(ctx, llm.ToolCall{ID: "c2", Name: "missing"}, nil)
		assert.False(t, res.Success)
		assert.Equal(t, "tool not found: missing", res.Error)
	})

	t.Run("handler error is captured", func(t *testing.T) {
		res := reg.Execute(ctx, llm.ToolCall{ID: "c3", Name: "search_contacts"}, nil)
		assert.False(t, res.Success)
		assert.Equal(t, "CRM unreachable", res.Error)
		assert.Equal(t, "Error: CRM unreachable", res.Content())

		msg := res.Message()
		assert.Equal(t, llm.RoleTool, msg.Role)
		assert.Equal(t, "c3", msg.ToolCallID)
	})

	t.Run("panic is captured", func(t *testing.T) {
		res := reg.Execute(ctx, llm.ToolCall{ID: "c4", Name: "explode"}, nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "panicked")
	})
}

func TestResultContent(t *testing.T) {
	assert.Equal(t, "ok", tools.Result{Success: true}.Content())
	assert.Equal(t, "plain", tools.Result{Success: true, Result: "plain"}.Content())
	assert.JSONEq(t, `{"id":"c-1"}`, tools.Result{Success: true, Result: map[string]any{"id": "c-1"}}.Content())
}

func TestExecuteBatch_PreservesOrder(t *testing.T) {
	reg := tools.NewRegistry()
	delays := map[string]time.Duration{"slow": 60 * time.Millisecond, "medium": 30 * time.Millisecond, "fast": 0}
	var mu sync.Mutex
	var completed []string

	for name, d := range delays {
		require.NoError(t, reg.Register(tools.Tool{
			Name: name,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				time.Sleep(d)
				mu.Lock()
				completed = append(completed, name)
				mu.Unlock()
				if name == "medium" {
					return nil, errors.New("medium failed")
				}
				return name, nil
			},
		}))
	}

	calls := []llm.ToolCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "medium"},
		{ID: "3", Name: "fast"},
		{ID: "4", Name: "nope"},
	}
	results := reg.ExecuteBatch(context.Background(), calls, nil)

	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.ToolCallID)
	}
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success, "one failure does not cancel siblings")
	assert.True(t, results[2].Success)
	assert.False(t, results[3].Success)
	assert.Equal(t, "fast", completed[0], "calls ran concurrently")
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []fakeCall
}

type fakeCall struct {
	action actions.Action
	params map[string]any
	key    string
}

func (f *fakeExecutor) Name() string       { return "fake-crm" }
func (f *fakeExecutor) Kind() actions.Kind { return actions.KindCRM }

func (f *fakeExecutor) ExecuteWithRetry(_ context.Context, action actions.Action, params map[string]any, key string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{action, params, key})
	if action == actions.UpdateDeal {
		return nil, &actions.NotFoundError{Failure: actions.Failure{Provider: "fake-crm", Action: action, Message: "deal d-9"}}
	}
	return map[string]any{"ok": true}, nil
}

func TestRegisterActions(t *testing.T) {
	reg := tools.NewRegistry()
	exec := &fakeExecutor{}
	require.NoError(t, tools.RegisterActions(reg, exec))

	crm := reg.List("crm", nil)
	assert.Len(t, crm, len(actions.ForKind(actions.KindCRM)))
	for _, tool := range crm {
		assert.True(t, tool.RequiresAuth)
		assert.NotEmpty(t, tool.Parameters["properties"])
	}

	execCtx := map[string]any{
		tools.ContextTenantID:       "acme",
		tools.ContextRunID:          "run-1",
		tools.ContextIdempotencyKey: "run-1/0",
	}
	res := reg.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "create_contact", Arguments: map[string]any{"email": "ada@example.com"}}, execCtx)
	require.True(t, res.Success)

	res = reg.Execute(context.Background(), llm.ToolCall{ID: "c2", Name: "update_deal", Arguments: map[string]any{"deal_id": "d-9"}}, execCtx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	require.Len(t, exec.calls, 2)
	first := exec.calls[0]
	assert.Equal(t, actions.CreateContact, first.action)
	assert.Equal(t, "acme", first.params["tenant_id"])
	assert.NotContains(t, first.params, tools.ContextRunID)
	assert.NotContains(t, first.params, tools.ContextIdempotencyKey)
	assert.Contains(t, first.key, "run-1/0/create_contact/")
	assert.NotEqual(t, first.key, exec.calls[1].key)

	// A second registration of the same kind collides.
	require.ErrorIs(t, tools.RegisterActions(reg, exec), tools.ErrDuplicateTool)
}

type sink struct {
	mu      sync.Mutex
	records []*llm.ToolCallRecord
}

func (s *sink) Store(_ context.Context, r *llm.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestStoreRecorder(t *testing.T) {
	store := &sink{}
	reg := tools.NewRegistry(tools.WithRecorder(tools.NewStoreRecorder(store, nil)))
	require.NoError(t, reg.Register(echoTool("echo", "")))

	ctx := llm.WithTraceContext(context.Background(), llm.TraceContext{RunID: "run-7", TenantID: "acme"})
	reg.Execute(ctx, llm.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"q": "x"}}, nil)
	reg.Execute(ctx, llm.ToolCall{ID: "c2", Name: "missing"}, nil)

	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	byID := map[string]*llm.ToolCallRecord{}
	for _, r := range store.records {
		byID[r.CallID] = r
	}
	assert.Equal(t, "run-7", byID["c1"].RunID)
	assert.Equal(t, "success", byID["c1"].Status)
	assert.Equal(t, "error", byID["c2"].Status)
	assert.Equal(t, "tool not found: missing", byID["c2"].Error)
}
