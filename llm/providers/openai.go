package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/c360studio/semflow/llm"
	openai "github.com/sashabaranov/go-openai"
)

const (
	openAIDefaultURL = "https://api.openai.com/v1"
	ollamaDefaultURL = "http://localhost:11434/v1"
)

// OllamaProvider speaks the OpenAI-compatible chat completions API served by
// Ollama, vLLM and similar local runtimes. Credentials are optional.
type OllamaProvider struct {
	client      *openai.Client
	logger      *slog.Logger
	streamUsage bool
}

// OpenAIProvider is the OpenAI (or OpenRouter) flavor of the same API. It
// requires a credential and asks for usage on streamed responses.
type OpenAIProvider struct {
	OllamaProvider
}

// NewOllama creates an OpenAI-compatible provider for local runtimes.
func NewOllama(cfg llm.ProviderConfig) (llm.Provider, error) {
	p := &OllamaProvider{}
	p.init(cfg, cfg.APIKey, ollamaDefaultURL)
	return p, nil
}

// NewOpenAI creates the OpenAI provider. It fails without a credential.
func NewOpenAI(cfg llm.ProviderConfig) (llm.Provider, error) {
	key := cfg.Credential("OPENAI_API_KEY")
	if key == "" {
		return nil, errors.New("openai: OPENAI_API_KEY not set")
	}
	p := &OpenAIProvider{}
	p.init(cfg, key, openAIDefaultURL)
	p.streamUsage = true
	return p, nil
}

func (o *OllamaProvider) init(cfg llm.ProviderConfig, key, defaultURL string) {
	baseURL := strings.TrimSuffix(cfg.URL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/chat/completions")
	if baseURL == "" {
		baseURL = defaultURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if strings.Contains(baseURL, "openrouter.ai") {
		httpClient = withHeaders(httpClient, http.Header{
			"HTTP-Referer": {"https://github.com/c360studio/semflow"},
			"X-Title":      {"semflow"},
		})
	}

	oc := openai.DefaultConfig(key)
	oc.BaseURL = baseURL
	oc.HTTPClient = httpClient

	o.client = openai.NewClientWithConfig(oc)
	o.logger = cfg.Logger
	if o.logger == nil {
		o.logger = slog.Default()
	}
}

func (o *OllamaProvider) Name() string {
	return "ollama"
}

func (o *OpenAIProvider) Name() string {
	return "openai"
}

func (o *OllamaProvider) buildRequest(req llm.ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}

	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toOpenAIToolCall(tc))
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaOrEmpty(def.Parameters),
			},
		})
	}
	return out
}

// Chat sends one chat completion request.
func (o *OllamaProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	o.logger.Debug("Sending LLM request", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(req))
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: openAIFinishReason(string(choice.FinishReason)),
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := fromOpenAIToolCall(tc)
		if err != nil {
			o.logger.Warn("Model produced malformed tool arguments", "tool", tc.Function.Name, "error", err)
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = llm.FinishToolCalls
	}
	return out, nil
}

func openAIFinishReason(r string) string {
	if r == "function_call" {
		return llm.FinishToolCalls
	}
	return r
}

// Stream opens a streamed chat completion.
func (o *OllamaProvider) Stream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	creq := o.buildRequest(req)
	if o.streamUsage {
		creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	s, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	return &openAIStream{stream: s, tools: make(map[int]*openai.ToolCall)}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	tools  map[int]*openai.ToolCall
}

func (s *openAIStream) Recv() (llm.StreamChunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if calls := s.flushTools(); len(calls) > 0 {
				return llm.StreamChunk{ToolCalls: calls}, nil
			}
			return llm.StreamChunk{}, io.EOF
		}
		if err != nil {
			return llm.StreamChunk{}, llm.NewTransientError(fmt.Errorf("read stream: %w", err))
		}

		var chunk llm.StreamChunk
		if resp.Usage != nil {
			chunk.Usage = &llm.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			chunk.ContentDelta = choice.Delta.Content
			s.accumulate(choice.Delta.ToolCalls)
			if choice.FinishReason != "" {
				chunk.FinishReason = openAIFinishReason(string(choice.FinishReason))
				chunk.ToolCalls = s.flushTools()
			}
		}
		if chunk.ContentDelta == "" && chunk.FinishReason == "" && chunk.Usage == nil && len(chunk.ToolCalls) == 0 {
			continue
		}
		return chunk, nil
	}
}

// accumulate merges tool call fragments keyed by their stream index.
func (s *openAIStream) accumulate(deltas []openai.ToolCall) {
	for i, d := range deltas {
		idx := i
		if d.Index != nil {
			idx = *d.Index
		}
		tc, ok := s.tools[idx]
		if !ok {
			tc = &openai.ToolCall{Type: openai.ToolTypeFunction}
			s.tools[idx] = tc
		}
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Function.Name != "" {
			tc.Function.Name = d.Function.Name
		}
		tc.Function.Arguments += d.Function.Arguments
	}
}

func (s *openAIStream) flushTools() []llm.ToolCall {
	if len(s.tools) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.tools))
	for idx := range s.tools {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]llm.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call, _ := fromOpenAIToolCall(*s.tools[idx])
		calls = append(calls, call)
	}
	s.tools = make(map[int]*openai.ToolCall)
	return calls
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// Embed calls the embeddings endpoint.
func (o *OllamaProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

// CountTokens estimates the prompt size.
func (o *OllamaProvider) CountTokens(messages []llm.Message) int {
	return llm.EstimateConversationTokens(messages)
}

// FormatToolCall renders {"id", "type": "function", "function": {"name", "arguments"}}.
func (o *OllamaProvider) FormatToolCall(call llm.ToolCall) (json.RawMessage, error) {
	return json.Marshal(toOpenAIToolCall(call))
}

// ParseToolCall reads an OpenAI-style tool call.
func (o *OllamaProvider) ParseToolCall(raw json.RawMessage) (llm.ToolCall, error) {
	var tc openai.ToolCall
	if err := json.Unmarshal(raw, &tc); err != nil {
		return llm.ToolCall{}, fmt.Errorf("parse tool call: %w", err)
	}
	return fromOpenAIToolCall(tc)
}

// FormatTool renders {"type": "function", "function": {...}}.
func (o *OllamaProvider) FormatTool(def llm.ToolDefinition) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"parameters":  schemaOrEmpty(def.Parameters),
		},
	}
}

func toOpenAIToolCall(call llm.ToolCall) openai.ToolCall {
	return openai.ToolCall{
		ID:   call.ID,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      call.Name,
			Arguments: llm.ArgumentsJSON(call.Arguments),
		},
	}
}

// fromOpenAIToolCall decodes the argument string. Malformed arguments yield
// an empty map alongside the error so the tool can still report a failure.
func fromOpenAIToolCall(tc openai.ToolCall) (llm.ToolCall, error) {
	call := llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
	if strings.TrimSpace(tc.Function.Arguments) == "" {
		return call, nil
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
		call.Arguments = map[string]any{}
		return call, fmt.Errorf("tool %s arguments: %w", tc.Function.Name, err)
	}
	return call, nil
}

// classifyOpenAIError maps client errors onto transient and fatal classes.
func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return llm.ClassifyStatus(apiErr.HTTPStatusCode, []byte(apiErr.Message), 0)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return llm.ClassifyStatus(reqErr.HTTPStatusCode, []byte(reqErr.Error()), 0)
	}
	return llm.NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func withHeaders(c *http.Client, headers http.Header) *http.Client {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *c
	clone.Transport = &headerTransport{base: base, headers: headers}
	return &clone
}
