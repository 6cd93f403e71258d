package model

import (
	"sort"
	"sync"
)

// Registry maps capabilities to endpoints with fallback chains and tracks
// per-endpoint health.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaults     *DefaultsConfig
	health       *healthState
}

// CapabilityConfig defines endpoint preferences for a capability.
type CapabilityConfig struct {
	Description string `json:"description" yaml:"description"`

	// Preferred lists endpoints in order of preference.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists backup endpoints tried after every preferred one failed.
	Fallback []string `json:"fallback" yaml:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the adapter name (anthropic, openai, ollama).
	Provider string `json:"provider" yaml:"provider"`

	// URL overrides the provider's default API URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the identifier sent to the vendor, also used for pricing.
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// APIKeyEnv names the environment variable holding the credential.
	// Empty means the provider's conventional variable.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

// DefaultsConfig holds default model settings.
type DefaultsConfig struct {
	// Model is the endpoint used when no capability matches.
	Model string `json:"model" yaml:"model"`
}

// NewRegistry creates a registry with the given capabilities and endpoints.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	if caps == nil {
		caps = make(map[Capability]*CapabilityConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults:     &DefaultsConfig{Model: "default"},
		health:       newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry with hosted models preferred and a
// local Ollama model as the last resort.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityReasoning: {
				Description: "Qualification, triage, multi-step tool use",
				Preferred:   []string{"claude-sonnet", "gpt-4o"},
				Fallback:    []string{"llama3.1"},
			},
			CapabilityWriting: {
				Description: "Customer-facing emails and replies",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"gpt-4o-mini", "llama3.1"},
			},
			CapabilityExtraction: {
				Description: "Structured field extraction",
				Preferred:   []string{"gpt-4o-mini"},
				Fallback:    []string{"claude-haiku", "llama3.1"},
			},
			CapabilityFast: {
				Description: "Quick responses, simple lookups",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"gpt-4o-mini"},
			},
		},
		map[string]*EndpointConfig{
			"claude-sonnet": {Provider: "anthropic", Model: "claude-sonnet-4-20250514", MaxTokens: 200000},
			"claude-haiku":  {Provider: "anthropic", Model: "claude-3-5-haiku-20241022", MaxTokens: 200000},
			"gpt-4o":        {Provider: "openai", Model: "gpt-4o", MaxTokens: 128000},
			"gpt-4o-mini":   {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 128000},
			"llama3.1": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "llama3.1",
				MaxTokens: 128000,
			},
		},
	)
	r.defaults.Model = "claude-sonnet"
	return r
}

// Resolve returns the first preferred endpoint for a capability.
func (r *Registry) Resolve(c Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// GetFallbackChain returns every endpoint for a capability in order of preference.
func (r *Registry) GetFallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Model}
}

// ForAgent returns the resolved endpoint for an agent type's default capability.
func (r *Registry) ForAgent(agentType string) string {
	return r.Resolve(CapabilityForAgent(agentType))
}

// GetEndpoint returns the endpoint configuration for a name, or nil.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(c Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[c] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault sets the default endpoint.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = &DefaultsConfig{Model: name}
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
