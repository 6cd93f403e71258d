// Package llm provides the vendor-neutral model client used by agents.
//
// The Client resolves a capability (or an explicit endpoint) to a fallback
// chain from the model registry, lazily constructs one Provider per
// endpoint, enforces tenant budgets before a call and records usage after
// it. Transient vendor failures are retried with jittered backoff; fatal
// ones (bad credentials, bad requests) are returned immediately.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/usage"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Request is a chat request addressed by capability or endpoint.
type Request struct {
	// Capability selects a fallback chain from the model registry.
	Capability string

	// Endpoint names a single registry endpoint and overrides Capability.
	Endpoint string

	// TenantID enables budget enforcement and usage accounting.
	TenantID string

	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
	MaxTokens   int
}

// EmbedRequest asks for embeddings of Texts.
type EmbedRequest struct {
	Capability string
	Endpoint   string
	TenantID   string
	Texts      []string
}

// Client is the model facade shared by every agent. Safe for concurrent use.
type Client struct {
	registry     *model.Registry
	providers    *Registry
	httpClient   *http.Client
	retryConfig  RetryConfig
	ledger       *usage.Ledger
	costTracking bool
	callStore    CallRecorder
	metrics      *metrics.Metrics
	logger       *slog.Logger
	getenv       func(string) string

	mu        sync.Mutex
	instances map[string]*providerSlot
}

type providerSlot struct {
	once     sync.Once
	provider Provider
	err      error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client handed to providers.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRetryConfig sets the per-endpoint retry policy.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCallStore records every call on store.
func WithCallStore(store CallRecorder) ClientOption {
	return func(c *Client) {
		c.callStore = store
	}
}

// WithLedger records usage on ledger and, with cost tracking on, enforces
// tenant budgets before each call.
func WithLedger(ledger *usage.Ledger, costTracking bool) ClientOption {
	return func(c *Client) {
		c.ledger = ledger
		c.costTracking = costTracking
	}
}

// WithMetrics records request metrics on m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithGetenv replaces os.Getenv for credential lookup.
func WithGetenv(getenv func(string) string) ClientOption {
	return func(c *Client) {
		c.getenv = getenv
	}
}

// NewClient creates a client over a model registry and a provider registry.
func NewClient(registry *model.Registry, providers *Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		providers:   providers,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		retryConfig: DefaultRetryConfig(),
		logger:      slog.Default(),
		getenv:      os.Getenv,
		instances:   make(map[string]*providerSlot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends a chat request through the fallback chain.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := c.enforceBudget(req.TenantID); err != nil {
		return nil, err
	}

	call := c.newCall(ctx, "chat", req.Capability, req.TenantID, len(req.Messages))
	chain, err := c.chain(req.Capability, req.Endpoint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, name := range chain {
		ep, p, err := c.endpoint(name, req.Endpoint != "")
		if err != nil {
			call.fail(c, name, err)
			return nil, err
		}
		if ep == nil {
			continue
		}

		started := time.Now()
		resp, err := retryEndpoint(ctx, c, call, name, func() (*Response, error) {
			return p.Chat(ctx, ChatRequest{
				Model:       ep.Model,
				Messages:    req.Messages,
				Tools:       req.Tools,
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
			})
		})
		c.metrics.ObserveLLMCall(p.Name(), ep.Model, err, time.Since(started))

		if err == nil {
			resp.RequestID = call.record.RequestID
			resp.Endpoint = name
			resp.Provider = p.Name()
			if resp.Model == "" {
				resp.Model = ep.Model
			}
			cost := c.recordUsage(req.TenantID, resp.Model, resp.Usage)
			call.succeed(c, name, p.Name(), resp, cost)
			return resp, nil
		}

		lastErr = err
		call.record.FallbacksUsed = append(call.record.FallbacksUsed, name)
		if ctx.Err() != nil {
			call.fail(c, name, ctx.Err())
			return nil, ctx.Err()
		}
		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks", "endpoint", name, "error", err)
			call.fail(c, name, err)
			return nil, err
		}
		c.logger.Warn("Endpoint failed, trying fallback", "endpoint", name, "provider", ep.Provider, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable endpoint in chain %v", chain)
	}
	err = fmt.Errorf("all endpoints failed for %s: %w", target(req.Capability, req.Endpoint), lastErr)
	call.fail(c, "", err)
	return nil, err
}

// Stream opens a streamed completion on the first endpoint that accepts it.
// Usage is recorded when the caller drains or closes the stream.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := c.enforceBudget(req.TenantID); err != nil {
		return nil, err
	}

	call := c.newCall(ctx, "stream", req.Capability, req.TenantID, len(req.Messages))
	chain, err := c.chain(req.Capability, req.Endpoint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, name := range chain {
		ep, p, err := c.endpoint(name, req.Endpoint != "")
		if err != nil {
			call.fail(c, name, err)
			return nil, err
		}
		if ep == nil {
			continue
		}

		started := time.Now()
		s, err := retryEndpoint(ctx, c, call, name, func() (Stream, error) {
			return p.Stream(ctx, ChatRequest{
				Model:       ep.Model,
				Messages:    req.Messages,
				Tools:       req.Tools,
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
			})
		})
		if err == nil {
			endpointName, providerName := name, p.Name()
			return &meteredStream{
				inner: s,
				onFinish: func(u TokenUsage, content string, streamErr error) {
					if u.PromptTokens == 0 {
						u.PromptTokens = p.CountTokens(req.Messages)
						u.TotalTokens = u.PromptTokens + u.CompletionTokens
					}
					c.metrics.ObserveLLMCall(providerName, ep.Model, streamErr, time.Since(started))
					cost := c.recordUsage(req.TenantID, ep.Model, u)
					if streamErr != nil {
						call.fail(c, endpointName, streamErr)
						return
					}
					call.succeed(c, endpointName, providerName, &Response{
						Content: content, Model: ep.Model, Usage: u, FinishReason: FinishStop,
					}, cost)
				},
			}, nil
		}

		c.metrics.ObserveLLMCall(p.Name(), ep.Model, err, time.Since(started))
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsFatal(err) {
			call.fail(c, name, err)
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable endpoint in chain %v", chain)
	}
	err = fmt.Errorf("all endpoints failed for %s: %w", target(req.Capability, req.Endpoint), lastErr)
	call.fail(c, "", err)
	return nil, err
}

// Embed returns embeddings from the first endpoint in the chain whose
// provider supports them.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	if len(req.Texts) == 0 {
		return nil, fmt.Errorf("at least one text is required")
	}
	if err := c.enforceBudget(req.TenantID); err != nil {
		return nil, err
	}

	chain, err := c.chain(req.Capability, req.Endpoint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, name := range chain {
		ep, p, err := c.endpoint(name, req.Endpoint != "")
		if err != nil {
			return nil, err
		}
		if ep == nil {
			continue
		}

		vectors, err := p.Embed(ctx, req.Texts, ep.Model)
		if err == nil {
			prompt := 0
			for _, t := range req.Texts {
				prompt += EstimateTokens(t)
			}
			c.recordUsage(req.TenantID, ep.Model, TokenUsage{PromptTokens: prompt, TotalTokens: prompt})
			return vectors, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnsupportedOperation) && IsFatal(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = ErrUnsupportedOperation
	}
	return nil, fmt.Errorf("embed via %s: %w", target(req.Capability, req.Endpoint), lastErr)
}

// CountTokens delegates to the provider of the first endpoint in the chain.
func (c *Client) CountTokens(req Request) (int, error) {
	chain, err := c.chain(req.Capability, req.Endpoint)
	if err != nil {
		return 0, err
	}
	for _, name := range chain {
		ep, p, err := c.endpoint(name, true)
		if err != nil {
			return 0, err
		}
		if ep != nil {
			return p.CountTokens(req.Messages), nil
		}
	}
	return EstimateConversationTokens(req.Messages), nil
}

// ContextWindow returns the context size of the first endpoint in the chain,
// or zero when unknown.
func (c *Client) ContextWindow(capability, endpoint string) int {
	chain, err := c.chain(capability, endpoint)
	if err != nil {
		return 0
	}
	for _, name := range chain {
		if ep := c.registry.GetEndpoint(name); ep != nil {
			return ep.MaxTokens
		}
	}
	return 0
}

func validateRequest(req Request) error {
	if req.Capability == "" && req.Endpoint == "" {
		return fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	return nil
}

func target(capability, endpoint string) string {
	if endpoint != "" {
		return "endpoint " + endpoint
	}
	return "capability " + capability
}

func (c *Client) chain(capability, endpoint string) ([]string, error) {
	if endpoint != "" {
		return []string{endpoint}, nil
	}
	if capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	chain := c.registry.GetAvailableFallbackChain(model.Capability(capability))
	if len(chain) == 0 {
		return nil, fmt.Errorf("no models configured for capability %s", capability)
	}
	return chain, nil
}

// endpoint returns the endpoint config and its provider. A nil config with a
// nil error means the endpoint should be skipped.
func (c *Client) endpoint(name string, explicit bool) (*model.EndpointConfig, Provider, error) {
	ep := c.registry.GetEndpoint(name)
	if ep == nil {
		if explicit {
			return nil, nil, NewFatalError(fmt.Errorf("unknown endpoint: %s", name))
		}
		c.logger.Debug("No endpoint for model, skipping", "endpoint", name)
		return nil, nil, nil
	}
	if !explicit && !c.registry.IsEndpointAvailable(name) {
		c.logger.Debug("Endpoint circuit open, skipping", "endpoint", name)
		return nil, nil, nil
	}

	p, err := c.provider(name, ep)
	if err != nil {
		return nil, nil, err
	}
	return ep, p, nil
}

// provider constructs the endpoint's provider on first use. A construction
// failure is cached and returned on every later call.
func (c *Client) provider(name string, ep *model.EndpointConfig) (Provider, error) {
	c.mu.Lock()
	slot, ok := c.instances[name]
	if !ok {
		slot = &providerSlot{}
		c.instances[name] = slot
	}
	c.mu.Unlock()

	slot.once.Do(func() {
		cfg := ProviderConfig{
			URL:        ep.URL,
			HTTPClient: c.httpClient,
			Logger:     c.logger,
			Getenv:     c.getenv,
		}
		if ep.APIKeyEnv != "" {
			cfg.APIKey = c.getenv(ep.APIKeyEnv)
		}
		p, err := c.providers.New(ep.Provider, cfg)
		if err != nil {
			slot.err = NewFatalError(fmt.Errorf("initialize provider %s for endpoint %s: %w", ep.Provider, name, err))
			c.logger.Error("Provider initialization failed", "endpoint", name, "provider", ep.Provider, "error", err)
			return
		}
		slot.provider = p
	})
	return slot.provider, slot.err
}

func (c *Client) enforceBudget(tenantID string) error {
	if c.ledger == nil || !c.costTracking || tenantID == "" {
		return nil
	}
	return c.ledger.EnforceBudget(tenantID)
}

func (c *Client) recordUsage(tenantID, modelName string, u TokenUsage) float64 {
	if c.ledger == nil || tenantID == "" {
		return 0
	}
	return c.ledger.Record(tenantID, usage.Stats{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Model:            modelName,
		Timestamp:        time.Now(),
	})
}

// retryEndpoint calls fn until it succeeds, fails fatally, the context ends
// or attempts run out, then updates the endpoint's circuit breaker.
func retryEndpoint[T any](ctx context.Context, c *Client, call *pendingCall, name string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := 0
	policy := c.retryConfig.policy()

	operation := func() (T, error) {
		attempts++
		result, err := fn()
		if err == nil {
			return result, nil
		}
		// Fatal errors point at configuration, not endpoint health.
		if IsFatal(err) {
			return zero, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		var te *TransientError
		if errors.As(err, &te) {
			policy.retryAfter = te.RetryAfter
		}
		return zero, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Request failed, retrying",
			"endpoint", name,
			"attempt", attempts,
			"max_attempts", max(c.retryConfig.MaxAttempts, 1),
			"backoff", wait,
			"error", err)
		call.record.Retries++
	}

	result, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		c.registry.MarkEndpointSuccess(name)
		return result, nil
	}
	if IsFatal(err) {
		return zero, err
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	c.registry.MarkEndpointFailure(name)
	return zero, err
}

type pendingCall struct {
	ctx    context.Context
	record CallRecord
}

func (c *Client) newCall(ctx context.Context, op, capability, tenantID string, messages int) *pendingCall {
	tc := GetTraceContext(ctx)
	if tenantID == "" {
		tenantID = tc.TenantID
	}
	return &pendingCall{
		ctx: ctx,
		record: CallRecord{
			RequestID:    uuid.New().String(),
			TraceID:      tc.TraceID,
			TenantID:     tenantID,
			RunID:        tc.RunID,
			StepName:     tc.StepName,
			Capability:   capability,
			Operation:    op,
			MessageCount: messages,
			StartedAt:    time.Now(),
		},
	}
}

func (p *pendingCall) succeed(c *Client, endpoint, provider string, resp *Response, cost float64) {
	p.record.Endpoint = endpoint
	p.record.Provider = provider
	p.record.Model = resp.Model
	p.record.Response = truncate(resp.Content, MaxStoredResult)
	p.record.ToolCalls = len(resp.ToolCalls)
	p.record.PromptTokens = resp.Usage.PromptTokens
	p.record.CompletionTokens = resp.Usage.CompletionTokens
	p.record.TotalTokens = resp.Usage.TotalTokens
	p.record.FinishReason = resp.FinishReason
	p.record.Cost = cost
	c.store(p)
}

func (p *pendingCall) fail(c *Client, endpoint string, err error) {
	p.record.Endpoint = endpoint
	p.record.Error = err.Error()
	c.store(p)
}

// store records the call asynchronously; failures are logged only.
func (c *Client) store(p *pendingCall) {
	if c.callStore == nil {
		return
	}
	p.record.CompletedAt = time.Now()
	p.record.DurationMs = p.record.CompletedAt.Sub(p.record.StartedAt).Milliseconds()
	record := p.record

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
		defer cancel()
		if err := c.callStore.Store(ctx, &record); err != nil {
			c.logger.Warn("Failed to record LLM call",
				"request_id", record.RequestID,
				"run_id", record.RunID,
				"error", err)
		}
	}()
}
