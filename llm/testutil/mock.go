// Package testutil provides scripted model doubles for tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360studio/semflow/llm"
)

// Step is one scripted reply. Err takes precedence over Response.
type Step struct {
	Response *llm.Response
	Err      error

	// Delay holds the reply back. A context that ends first wins.
	Delay time.Duration
}

// Reply is a scripted text response.
func Reply(content string) Step {
	return Step{Response: &llm.Response{
		Content:      content,
		Model:        "test-model",
		FinishReason: llm.FinishStop,
		Usage:        llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// ToolCalls is a scripted response requesting the given tool calls.
func ToolCalls(calls ...llm.ToolCall) Step {
	return Step{Response: &llm.Response{
		Model:        "test-model",
		FinishReason: llm.FinishToolCalls,
		ToolCalls:    calls,
		Usage:        llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

// Fail is a scripted error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Hang is a reply that only arrives after d.
func Hang(d time.Duration) Step {
	step := Reply("too late")
	step.Delay = d
	return step
}

type script struct {
	mu       sync.Mutex
	steps    []Step
	index    int
	requests []llm.ChatRequest
	ctx      context.Context
}

func (s *script) next(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	step, ok := s.advance(ctx, req)
	if !ok {
		return &llm.Response{Model: "test-model", FinishReason: llm.FinishStop}, nil
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

func (s *script) advance(ctx context.Context, req llm.ChatRequest) (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return Step{}, false
	}

	// The last step repeats once the script runs out.
	step := s.steps[min(s.index, len(s.steps)-1)]
	s.index++
	return step, true
}

func (s *script) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *script) last() llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return llm.ChatRequest{}
	}
	return s.requests[len(s.requests)-1]
}

// MockProvider is a scripted llm.Provider. It is safe for concurrent use.
type MockProvider struct {
	script
	ProviderName string
}

// NewMockProvider returns a provider that plays steps in order.
func NewMockProvider(name string, steps ...Step) *MockProvider {
	return &MockProvider{script: script{steps: steps}, ProviderName: name}
}

// Factory returns a ProviderFactory that always yields m.
func (m *MockProvider) Factory() llm.ProviderFactory {
	return func(llm.ProviderConfig) (llm.Provider, error) {
		return m, nil
	}
}

func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	return m.next(ctx, req)
}

// Stream replays the next scripted response as a single chunk.
func (m *MockProvider) Stream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	resp, err := m.next(ctx, req)
	if err != nil {
		return nil, err
	}
	usage := resp.Usage
	return llm.NewSliceStream(llm.StreamChunk{
		ContentDelta: resp.Content,
		FinishReason: resp.FinishReason,
		ToolCalls:    resp.ToolCalls,
		Usage:        &usage,
	}), nil
}

func (m *MockProvider) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, llm.ErrUnsupportedOperation
}

func (m *MockProvider) CountTokens(messages []llm.Message) int {
	return llm.EstimateConversationTokens(messages)
}

func (m *MockProvider) FormatToolCall(call llm.ToolCall) (json.RawMessage, error) {
	return json.Marshal(call)
}

func (m *MockProvider) ParseToolCall(raw json.RawMessage) (llm.ToolCall, error) {
	var call llm.ToolCall
	err := json.Unmarshal(raw, &call)
	return call, err
}

func (m *MockProvider) FormatTool(def llm.ToolDefinition) map[string]any {
	return map[string]any{"name": def.Name, "description": def.Description, "parameters": def.Parameters}
}

// CallCount returns the number of Chat and Stream calls.
func (m *MockProvider) CallCount() int {
	return m.calls()
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() llm.ChatRequest {
	return m.last()
}

// MockClient scripts the model client facade used by agents.
type MockClient struct {
	script
	mu       sync.Mutex
	received []llm.Request
}

// NewMockClient returns a client that plays steps in order.
func NewMockClient(steps ...Step) *MockClient {
	return &MockClient{script: script{steps: steps}}
}

// Chat returns the next scripted reply.
func (m *MockClient) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.received = append(m.received, req)
	m.mu.Unlock()
	return m.next(ctx, llm.ChatRequest{Messages: req.Messages, Tools: req.Tools})
}

// ContextWindow reports no known window.
func (m *MockClient) ContextWindow(string, string) int {
	return 0
}

// CallCount returns the number of Chat calls.
func (m *MockClient) CallCount() int {
	return m.calls()
}

// Requests returns a copy of every request received.
func (m *MockClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.received...)
}

// CapturedContext returns the context of the last call.
func (m *MockClient) CapturedContext() context.Context {
	m.script.mu.Lock()
	defer m.script.mu.Unlock()
	return m.ctx
}
