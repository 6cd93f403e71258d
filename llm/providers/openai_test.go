package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/c360studio/semflow/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(llm.ProviderConfig{Getenv: func(string) string { return "" }})
	require.Error(t, err)

	p, err := NewOllama(llm.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

func TestOpenAI_ToolCallRoundTrip(t *testing.T) {
	p := &OllamaProvider{}
	call := llm.ToolCall{ID: "call_1", Name: "schedule_meeting", Arguments: map[string]any{"duration": float64(30)}}

	raw, err := p.FormatToolCall(call)
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(raw, &shape))
	assert.Equal(t, "function", shape["type"])
	fn := shape["function"].(map[string]any)
	assert.Equal(t, "schedule_meeting", fn["name"])
	assert.JSONEq(t, `{"duration":30}`, fn["arguments"].(string))

	parsed, err := p.ParseToolCall(raw)
	require.NoError(t, err)
	assert.Equal(t, call, parsed)
}

func TestOpenAI_ParseMalformedArguments(t *testing.T) {
	p := &OllamaProvider{}
	call, err := p.ParseToolCall(json.RawMessage(`{"id":"c","type":"function","function":{"name":"x","arguments":"{not json"}}`))
	require.Error(t, err)
	assert.Equal(t, "x", call.Name)
	assert.Empty(t, call.Arguments)
}

func TestOpenAI_FormatTool(t *testing.T) {
	p := &OpenAIProvider{}
	out := p.FormatTool(llm.ToolDefinition{
		Name:        "create_deal",
		Description: "Create a deal",
		Parameters:  map[string]any{"type": "object"},
	})
	assert.Equal(t, "function", out["type"])
	assert.Equal(t, "create_deal", out["function"].(map[string]any)["name"])
}

func TestOpenAI_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body["tools"], 1)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "search_contacts", "arguments": "{\"query\":\"Ada\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 10, "total_tokens": 40}
		}`)
	}))
	defer server.Close()

	p, err := NewOpenAI(llm.ProviderConfig{URL: server.URL, APIKey: "sk-test"})
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Find Ada"}},
		Tools:    []llm.ToolDefinition{{Name: "search_contacts"}},
	})
	require.NoError(t, err)
	assert.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "Ada", resp.ToolCalls[0].Arguments["query"])
	assert.Equal(t, 40, resp.Usage.TotalTokens)
}

func TestOpenAI_ChatErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad key", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"failure","type":"server_error"}}`)
			}))
			defer server.Close()

			p, err := NewOllama(llm.ProviderConfig{URL: server.URL})
			require.NoError(t, err)

			_, err = p.Chat(context.Background(), llm.ChatRequest{
				Model:    "llama3.1",
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, llm.IsTransient(err))
		})
	}
}

func TestOllama_Stream(t *testing.T) {
	chunks := []string{
		`{"id":"1","model":"llama3.1","choices":[{"index":0,"delta":{"role":"assistant","content":"Sure"}}]}`,
		`{"id":"1","model":"llama3.1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"cancel_meeting","arguments":"{\"meeting_"}}]}}]}`,
		`{"id":"1","model":"llama3.1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"id\":\"m1\"}"}}]}}]}`,
		`{"id":"1","model":"llama3.1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p, err := NewOllama(llm.ProviderConfig{URL: server.URL})
	require.NoError(t, err)

	s, err := p.Stream(context.Background(), llm.ChatRequest{
		Model:    "llama3.1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "cancel it"}},
	})
	require.NoError(t, err)

	resp, err := llm.Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Sure", resp.Content)
	assert.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "m1", resp.ToolCalls[0].Arguments["meeting_id"])
}

func TestOllama_TrimsChatCompletionsSuffix(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	p, err := NewOllama(llm.ProviderConfig{URL: server.URL + "/v1/chat/completions"})
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), llm.ChatRequest{
		Model:    "llama3.1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", path)
}
