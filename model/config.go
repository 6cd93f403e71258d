package model

// RegistryConfig is the serialized form of a Registry, embedded in the
// semflow config under llm.registry.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints" yaml:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Health       *HealthConfig                `json:"health,omitempty" yaml:"health,omitempty"`
}

// NewRegistryFromConfig builds a registry from configuration. Unknown
// capability names are kept as-is so deployments can add their own.
func NewRegistryFromConfig(cfg *RegistryConfig) *Registry {
	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[Capability(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}

	r := NewRegistry(caps, endpoints)
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
	if cfg.Health != nil {
		r.SetHealthConfig(*cfg.Health)
	}
	return r
}

// ToConfig converts a Registry to its serialized form.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(r.endpoints))
	for k, v := range r.endpoints {
		endpoints[k] = v
	}

	r.health.mu.RLock()
	health := r.health.config
	r.health.mu.RUnlock()

	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    endpoints,
		Defaults:     r.defaults,
		Health:       &health,
	}
}

// MergeFromConfig overlays configuration onto an existing registry.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) {
	r.mu.Lock()
	for k, v := range cfg.Capabilities {
		r.capabilities[Capability(k)] = v
	}
	for k, v := range cfg.Endpoints {
		r.endpoints[k] = v
	}
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
	r.mu.Unlock()

	if cfg.Health != nil {
		r.SetHealthConfig(*cfg.Health)
	}
}
