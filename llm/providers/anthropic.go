// Package providers implements the vendor adapters behind llm.Provider.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360studio/semflow/llm"
)

const (
	anthropicVersion    = "2023-06-01"
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicMaxTokens  = 4096
)

// AnthropicProvider implements the Anthropic Messages API. System messages
// are hoisted into the request's system field and tool results travel as
// tool_result blocks on user turns.
type AnthropicProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropic creates the provider. It fails without a credential.
func NewAnthropic(cfg llm.ProviderConfig) (llm.Provider, error) {
	key := cfg.Credential("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, errors.New("anthropic: ANTHROPIC_API_KEY not set")
	}
	p := &AnthropicProvider{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     key,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if p.baseURL == "" {
		p.baseURL = anthropicDefaultURL
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

func (a *AnthropicProvider) url() string {
	base := strings.TrimSuffix(a.baseURL, "/v1/messages")
	return base + "/v1/messages"
}

func (a *AnthropicProvider) headers() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []map[string]any   `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

func textBlock(text string) json.RawMessage {
	b, _ := json.Marshal(anthropicBlock{Type: "text", Text: text})
	return b
}

// buildRequest converts canonical messages. Consecutive tool results are
// merged into one user turn because the API requires alternating roles.
func (a *AnthropicProvider) buildRequest(req llm.ChatRequest, stream bool) (*anthropicRequest, error) {
	var system []string
	var msgs []anthropicMessage

	appendBlocks := func(role string, blocks ...json.RawMessage) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role && role == "user" {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleTool:
			b, err := json.Marshal(anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
			if err != nil {
				return nil, err
			}
			appendBlocks("user", b)
		case llm.RoleAssistant:
			var blocks []json.RawMessage
			if m.Content != "" {
				blocks = append(blocks, textBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				b, err := a.FormatToolCall(tc)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, b)
			}
			if len(blocks) == 0 {
				blocks = append(blocks, textBlock(""))
			}
			appendBlocks("assistant", blocks...)
		default:
			appendBlocks("user", textBlock(m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Messages:    msgs,
		System:      strings.Join(system, "\n\n"),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, a.FormatTool(def))
	}
	return out, nil
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Model      string            `json:"model"`
	Content    []json.RawMessage `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      anthropicUsage    `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat sends one Messages API request.
func (a *AnthropicProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	body, err := a.buildRequest(req, false)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("build request: %w", err))
	}

	a.logger.Debug("Sending LLM request", "provider", "anthropic", "model", req.Model, "messages", len(req.Messages))
	raw, err := llm.PostJSON(ctx, a.httpClient, a.url(), a.headers(), body)
	if err != nil {
		return nil, err
	}
	return a.parseResponse(raw)
}

func (a *AnthropicProvider) parseResponse(raw []byte) (*llm.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	out := &llm.Response{
		Model:        resp.Model,
		FinishReason: anthropicFinishReason(resp.StopReason),
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, rawBlock := range resp.Content {
		var block anthropicBlock
		if err := json.Unmarshal(rawBlock, &block); err != nil {
			return nil, fmt.Errorf("parse content block: %w", err)
		}
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tc, err := a.ParseToolCall(rawBlock)
			if err != nil {
				return nil, err
			}
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}
	out.Content = text.String()
	return out, nil
}

func anthropicFinishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	}
	return stop
}

// Stream opens a server-sent event stream.
func (a *AnthropicProvider) Stream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	body, err := a.buildRequest(req, true)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("build request: %w", err))
	}
	rc, err := llm.OpenStream(ctx, a.httpClient, a.url(), a.headers(), body)
	if err != nil {
		return nil, err
	}
	return &anthropicStream{
		body:   rc,
		events: llm.NewSSEReader(rc),
		tools:  make(map[int]*pendingToolUse),
	}, nil
}

type pendingToolUse struct {
	id, name string
	input    strings.Builder
}

type anthropicStream struct {
	body   io.ReadCloser
	events *llm.SSEReader
	tools  map[int]*pendingToolUse
	input  int
	done   bool
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock anthropicBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *anthropicStream) Recv() (llm.StreamChunk, error) {
	for !s.done {
		_, data, err := s.events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				break
			}
			return llm.StreamChunk{}, err
		}

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return llm.StreamChunk{}, fmt.Errorf("parse stream event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			s.input = ev.Message.Usage.InputTokens
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				s.tools[ev.Index] = &pendingToolUse{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				return llm.StreamChunk{ContentDelta: ev.Delta.Text}, nil
			case "input_json_delta":
				if t, ok := s.tools[ev.Index]; ok {
					t.input.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			t, ok := s.tools[ev.Index]
			if !ok {
				continue
			}
			delete(s.tools, ev.Index)
			args := map[string]any{}
			if in := t.input.String(); in != "" {
				if err := json.Unmarshal([]byte(in), &args); err != nil {
					return llm.StreamChunk{}, fmt.Errorf("parse tool input: %w", err)
				}
			}
			return llm.StreamChunk{ToolCalls: []llm.ToolCall{{ID: t.id, Name: t.name, Arguments: args}}}, nil
		case "message_delta":
			out := ev.Usage.OutputTokens
			return llm.StreamChunk{
				FinishReason: anthropicFinishReason(ev.Delta.StopReason),
				Usage: &llm.TokenUsage{
					PromptTokens:     s.input,
					CompletionTokens: out,
					TotalTokens:      s.input + out,
				},
			}, nil
		case "message_stop":
			s.done = true
		case "error":
			s.done = true
			return llm.StreamChunk{}, llm.NewTransientError(fmt.Errorf("anthropic stream error (%s): %s", ev.Error.Type, ev.Error.Message))
		}
	}
	return llm.StreamChunk{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.body.Close()
}

// Embed is not offered by Anthropic.
func (a *AnthropicProvider) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic embeddings: %w", llm.ErrUnsupportedOperation)
}

// CountTokens estimates the prompt size; Anthropic has no local tokenizer.
func (a *AnthropicProvider) CountTokens(messages []llm.Message) int {
	return llm.EstimateConversationTokens(messages)
}

// FormatToolCall renders a tool_use content block.
func (a *AnthropicProvider) FormatToolCall(call llm.ToolCall) (json.RawMessage, error) {
	input := call.Arguments
	if input == nil {
		input = map[string]any{}
	}
	return json.Marshal(struct {
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}{"tool_use", call.ID, call.Name, input})
}

// ParseToolCall reads a tool_use content block.
func (a *AnthropicProvider) ParseToolCall(raw json.RawMessage) (llm.ToolCall, error) {
	var block anthropicBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return llm.ToolCall{}, fmt.Errorf("parse tool_use block: %w", err)
	}
	if block.Type != "tool_use" {
		return llm.ToolCall{}, fmt.Errorf("expected tool_use block, got %q", block.Type)
	}
	args := block.Input
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args}, nil
}

// FormatTool renders {name, description, input_schema}.
func (a *AnthropicProvider) FormatTool(def llm.ToolDefinition) map[string]any {
	return map[string]any{
		"name":         def.Name,
		"description":  def.Description,
		"input_schema": schemaOrEmpty(def.Parameters),
	}
}

func schemaOrEmpty(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return params
}
