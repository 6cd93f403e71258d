package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/llm/providers"
	"github.com/c360studio/semflow/llm/testutil"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = llm.RetryConfig{
	MaxAttempts:       3,
	BackoffBase:       time.Millisecond,
	BackoffMultiplier: 1,
	MaxBackoff:        time.Millisecond,
}

// twoEndpoints builds a registry whose "fast" chain is primary then backup.
func twoEndpoints() *model.Registry {
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {
				Preferred: []string{"primary"},
				Fallback:  []string{"backup"},
			},
		},
		map[string]*model.EndpointConfig{
			"primary": {Provider: "mock-a", Model: "gpt-4o"},
			"backup":  {Provider: "mock-b", Model: "gpt-4o-mini"},
		},
	)
}

func newClient(t *testing.T, a, b *testutil.MockProvider, opts ...llm.ClientOption) *llm.Client {
	t.Helper()
	reg := llm.NewRegistry()
	reg.Register("mock-a", a.Factory())
	reg.Register("mock-b", b.Factory())
	opts = append([]llm.ClientOption{llm.WithRetryConfig(fastRetry)}, opts...)
	return llm.NewClient(twoEndpoints(), reg, opts...)
}

func userRequest(tenant string) llm.Request {
	return llm.Request{
		Capability: "fast",
		TenantID:   tenant,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	}
}

func TestClient_Chat_Success(t *testing.T) {
	a := testutil.NewMockProvider("mock-a", testutil.Reply("Hi there"))
	b := testutil.NewMockProvider("mock-b")
	client := newClient(t, a, b)

	resp, err := client.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, "primary", resp.Endpoint)
	assert.Equal(t, "mock-a", resp.Provider)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "gpt-4o", a.LastRequest().Model)
	assert.Equal(t, 0, b.CallCount())
}

func TestClient_Chat_RetriesTransient(t *testing.T) {
	a := testutil.NewMockProvider("mock-a",
		testutil.Fail(llm.NewTransientError(errors.New("503"))),
		testutil.Reply("recovered"),
	)
	b := testutil.NewMockProvider("mock-b")
	client := newClient(t, a, b)

	resp, err := client.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, a.CallCount())
	assert.Equal(t, 0, b.CallCount())
}

func TestClient_Chat_HonoursRetryAfter(t *testing.T) {
	limited := llm.ClassifyStatus(http.StatusTooManyRequests, []byte("slow down"), 50*time.Millisecond)
	a := testutil.NewMockProvider("mock-a", testutil.Fail(limited), testutil.Reply("after wait"))
	b := testutil.NewMockProvider("mock-b")
	client := newClient(t, a, b)

	start := time.Now()
	resp, err := client.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "after wait", resp.Content)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, a.CallCount())
}

func TestClient_Chat_FatalStopsChain(t *testing.T) {
	a := testutil.NewMockProvider("mock-a", testutil.Fail(llm.NewFatalError(errors.New("401 unauthorized"))))
	b := testutil.NewMockProvider("mock-b", testutil.Reply("should not be used"))
	client := newClient(t, a, b)

	_, err := client.Chat(context.Background(), userRequest(""))
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, 1, a.CallCount())
	assert.Equal(t, 0, b.CallCount())
}

func TestClient_Chat_FallsBackAfterRetries(t *testing.T) {
	a := testutil.NewMockProvider("mock-a", testutil.Fail(llm.NewTransientError(errors.New("overloaded"))))
	b := testutil.NewMockProvider("mock-b", testutil.Reply("from backup"))
	client := newClient(t, a, b)

	resp, err := client.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, "backup", resp.Endpoint)
	assert.Equal(t, fastRetry.MaxAttempts, a.CallCount())
}

func TestClient_Chat_AllEndpointsFail(t *testing.T) {
	a := testutil.NewMockProvider("mock-a", testutil.Fail(llm.NewTransientError(errors.New("down"))))
	b := testutil.NewMockProvider("mock-b", testutil.Fail(llm.NewTransientError(errors.New("also down"))))
	client := newClient(t, a, b)

	_, err := client.Chat(context.Background(), userRequest(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all endpoints failed")
	assert.True(t, llm.IsTransient(err))
}

func TestClient_Chat_CircuitBreakerSkipsEndpoint(t *testing.T) {
	a := testutil.NewMockProvider("mock-a", testutil.Fail(llm.NewTransientError(errors.New("down"))))
	b := testutil.NewMockProvider("mock-b", testutil.Reply("ok"))
	client := newClient(t, a, b, llm.WithRetryConfig(llm.RetryConfig{MaxAttempts: 1}))

	// Three exhausted calls open the primary's breaker.
	for range 3 {
		_, err := client.Chat(context.Background(), userRequest(""))
		require.NoError(t, err)
	}
	calls := a.CallCount()

	_, err := client.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)
	assert.Equal(t, calls, a.CallCount(), "open circuit should skip the primary")
}

func TestClient_Chat_ContextCanceled(t *testing.T) {
	a := testutil.NewMockProvider("mock-a", testutil.Fail(llm.NewTransientError(errors.New("slow"))))
	b := testutil.NewMockProvider("mock-b", testutil.Reply("unused"))
	client := newClient(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Chat(ctx, userRequest(""))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.CallCount())
}

func TestClient_Chat_Validation(t *testing.T) {
	client := newClient(t, testutil.NewMockProvider("mock-a"), testutil.NewMockProvider("mock-b"))

	tests := []struct {
		name    string
		req     llm.Request
		wantErr string
	}{
		{
			name:    "missing capability",
			req:     llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}},
			wantErr: "capability is required",
		},
		{
			name:    "no messages",
			req:     llm.Request{Capability: "fast"},
			wantErr: "at least one message is required",
		},
		{
			name:    "unknown endpoint",
			req:     llm.Request{Endpoint: "nope", Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}},
			wantErr: "unknown endpoint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Chat(context.Background(), tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_Chat_EnforcesBudget(t *testing.T) {
	ledger := usage.NewLedger(usage.WithBudgets(map[string]float64{"acme": 0.01}))
	ledger.Record("acme", usage.Stats{PromptTokens: 100000, CompletionTokens: 50000, Model: "gpt-4o"})

	a := testutil.NewMockProvider("mock-a", testutil.Reply("never"))
	client := newClient(t, a, testutil.NewMockProvider("mock-b"), llm.WithLedger(ledger, true))

	_, err := client.Chat(context.Background(), userRequest("acme"))
	require.ErrorIs(t, err, usage.ErrBudgetExceeded)
	assert.Equal(t, 0, a.CallCount())

	// Other tenants are unaffected.
	_, err = client.Chat(context.Background(), userRequest("globex"))
	require.NoError(t, err)
}

func TestClient_Chat_RecordsUsage(t *testing.T) {
	ledger := usage.NewLedger()
	reply := testutil.Reply("hello")
	reply.Response.Model = "gpt-4o"
	a := testutil.NewMockProvider("mock-a", reply)
	client := newClient(t, a, testutil.NewMockProvider("mock-b"), llm.WithLedger(ledger, false))

	_, err := client.Chat(context.Background(), userRequest("acme"))
	require.NoError(t, err)

	u := ledger.Usage("acme")
	assert.Equal(t, int64(10), u.PromptTokens)
	assert.Equal(t, int64(5), u.CompletionTokens)
	assert.Greater(t, u.Cost, 0.0)
}

func TestClient_ProviderInitFailureCached(t *testing.T) {
	var builds atomic.Int32
	reg := llm.NewRegistry()
	reg.Register("mock-a", func(llm.ProviderConfig) (llm.Provider, error) {
		builds.Add(1)
		return nil, errors.New("missing credential")
	})
	reg.Register("mock-b", testutil.NewMockProvider("mock-b", testutil.Reply("unused")).Factory())
	client := llm.NewClient(twoEndpoints(), reg, llm.WithRetryConfig(fastRetry))

	for range 2 {
		_, err := client.Chat(context.Background(), userRequest(""))
		require.Error(t, err)
		assert.True(t, llm.IsFatal(err))
		assert.Contains(t, err.Error(), "missing credential")
	}
	assert.Equal(t, int32(1), builds.Load())
}

func TestClient_Stream_RecordsUsageOnDrain(t *testing.T) {
	ledger := usage.NewLedger()
	a := testutil.NewMockProvider("mock-a", testutil.Reply("streamed text"))
	client := newClient(t, a, testutil.NewMockProvider("mock-b"), llm.WithLedger(ledger, false))

	s, err := client.Stream(context.Background(), userRequest("acme"))
	require.NoError(t, err)

	assert.Zero(t, ledger.Usage("acme").PromptTokens, "usage is recorded only once drained")

	resp, err := llm.Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "streamed text", resp.Content)
	assert.Equal(t, int64(15), ledger.Usage("acme").TotalTokens())
}

func TestClient_Embed_SkipsUnsupported(t *testing.T) {
	client := newClient(t, testutil.NewMockProvider("mock-a"), testutil.NewMockProvider("mock-b"))

	_, err := client.Embed(context.Background(), llm.EmbedRequest{Capability: "fast", Texts: []string{"x"}})
	require.ErrorIs(t, err, llm.ErrUnsupportedOperation)
}

func TestClient_WithOllamaAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3.1", body["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "llama3.1",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "Hello from llama"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 4, "total_tokens": 11},
		})
	}))
	defer server.Close()

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {Preferred: []string{"local"}},
		},
		map[string]*model.EndpointConfig{
			"local": {Provider: "ollama", URL: server.URL + "/v1", Model: "llama3.1"},
		},
	)
	client := llm.NewClient(registry, providers.NewRegistry(), llm.WithRetryConfig(fastRetry))

	resp, err := client.Chat(context.Background(), userRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "Hello from llama", resp.Content)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, 11, resp.Usage.TotalTokens)
}

func TestClient_ContextWindow(t *testing.T) {
	registry := model.NewDefaultRegistry()
	client := llm.NewClient(registry, providers.NewRegistry())

	assert.Equal(t, registry.GetEndpoint(registry.Resolve(model.CapabilityWriting)).MaxTokens,
		client.ContextWindow("writing", ""))
	assert.Zero(t, client.ContextWindow("", "missing"))
}
