// Package httpaction is a generic action provider for integration gateways
// that accept JSON over HTTP.
//
// Every action is a POST to <base_url>/actions/<action> with body
// {"action": ..., "parameters": {...}}. The gateway answers with a JSON
// object; non-2xx statuses map onto the typed errors in package actions.
package httpaction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semflow/actions"
)

const maxResponseBytes = 10 << 20

// Config configures one gateway.
type Config struct {
	Name    string        `yaml:"name"`
	Kind    actions.Kind  `yaml:"kind"`
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Provider implements actions.Provider over HTTP.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New creates a gateway provider.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base_url is required")
	}
	if len(actions.ForKind(cfg.Kind)) == 0 {
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Kind() actions.Kind { return p.cfg.Kind }

type requestBody struct {
	Action     actions.Action `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// Execute sends one request.
func (p *Provider) Execute(ctx context.Context, action actions.Action, params map[string]any, idempotencyKey string) (map[string]any, error) {
	fail := actions.Failure{Provider: p.cfg.Name, Action: action}
	if params == nil {
		params = map[string]any{}
	}

	body, err := json.Marshal(requestBody{Action: action, Parameters: params})
	if err != nil {
		fail.Message = fmt.Sprintf("marshal parameters: %v", err)
		return nil, &actions.ValidationError{Failure: fail}
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/actions/" + string(action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fail.Message = "request failed"
		return nil, &actions.UnavailableError{Failure: fail, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		fail.Message = "read response"
		return nil, &actions.UnavailableError{Failure: fail, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fail.Message = errorMessage(resp.StatusCode, data)
		return nil, classify(resp, fail)
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		fail.Message = fmt.Sprintf("invalid JSON response: %v", err)
		return nil, &actions.UnavailableError{Failure: fail, Err: err}
	}
	p.logger.Debug("Action completed", "provider", p.cfg.Name, "action", action, "status", resp.StatusCode)
	return out, nil
}

func classify(resp *http.Response, fail actions.Failure) error {
	switch code := resp.StatusCode; {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return &actions.ValidationError{Failure: fail}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &actions.AuthenticationError{Failure: fail}
	case code == http.StatusNotFound:
		return &actions.NotFoundError{Failure: fail}
	case code == http.StatusTooManyRequests:
		return &actions.RateLimitError{Failure: fail, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case code >= 500:
		return &actions.UnavailableError{Failure: fail, Err: fmt.Errorf("status %d", code)}
	default:
		return &actions.ValidationError{Failure: fail}
	}
}

// errorMessage prefers a gateway-supplied {"error": "..."} or
// {"error": {"message": "..."}} over the raw body.
func errorMessage(status int, body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		var s string
		if json.Unmarshal(envelope.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return fmt.Sprintf("status %d: %s", status, text)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
