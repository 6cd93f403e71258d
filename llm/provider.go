package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
)

// Provider adapts one vendor's chat-completion API to the canonical types.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// Chat performs one turn-based completion.
	Chat(ctx context.Context, req ChatRequest) (*Response, error)

	// Stream performs a completion and yields incremental chunks. Each call
	// re-issues the full request.
	Stream(ctx context.Context, req ChatRequest) (Stream, error)

	// Embed returns one vector per text, or ErrUnsupportedOperation.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)

	// CountTokens estimates the prompt size of messages.
	CountTokens(messages []Message) int

	// FormatToolCall renders a canonical tool call in the vendor's shape.
	FormatToolCall(call ToolCall) (json.RawMessage, error)

	// ParseToolCall converts a vendor-shaped tool call to the canonical form.
	ParseToolCall(raw json.RawMessage) (ToolCall, error)

	// FormatTool renders a tool definition as the vendor's function-calling schema.
	FormatTool(def ToolDefinition) map[string]any
}

// ProviderConfig is passed to a ProviderFactory.
type ProviderConfig struct {
	// URL overrides the vendor's default base URL.
	URL string

	// APIKey is the credential. Factories for hosted vendors fail without one.
	APIKey string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Getenv resolves the vendor's conventional credential variable when
	// APIKey is empty. Nil means os.Getenv.
	Getenv func(string) string
}

// Credential returns APIKey, falling back to the environment variable env.
func (cfg ProviderConfig) Credential(env string) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if env == "" {
		return ""
	}
	if cfg.Getenv != nil {
		return cfg.Getenv(env)
	}
	return os.Getenv(env)
}

// ProviderFactory constructs a Provider.
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// Registry maps provider names to factories. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New constructs the named provider.
func (r *Registry) New(name string, cfg ProviderConfig) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return factory(cfg)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolFormatter renders tool definitions for one vendor. Every Provider is
// one; formatters can also be obtained without credentials for inspection.
type ToolFormatter interface {
	Name() string
	FormatTool(def ToolDefinition) map[string]any
}
