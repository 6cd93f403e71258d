// Package config provides configuration loading and management for semflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/c360studio/semflow/actions"
	"github.com/c360studio/semflow/actions/httpaction"
	"github.com/c360studio/semflow/actions/knowledge"
	"github.com/c360studio/semflow/agent"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/model"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageNATS     = "nats"
	StoragePostgres = "postgres"
)

// Config represents the complete semflow configuration.
type Config struct {
	Log       LogConfig               `yaml:"log"`
	LLM       LLMConfig               `yaml:"llm"`
	Usage     UsageConfig             `yaml:"usage"`
	Agents    map[string]agent.Config `yaml:"agents,omitempty"`
	Engine    EngineConfig            `yaml:"engine"`
	Prompts   PromptsConfig           `yaml:"prompts"`
	Storage   StorageConfig           `yaml:"storage"`
	NATS      NATSConfig              `yaml:"nats"`
	Actions   ActionsConfig           `yaml:"actions"`
	Knowledge knowledge.Config        `yaml:"knowledge"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// LLMConfig configures model routing and the client.
type LLMConfig struct {
	// Registry overlays the default capability and endpoint registry.
	Registry *model.RegistryConfig `yaml:"registry,omitempty"`

	Retry llm.RetryConfig `yaml:"retry"`

	// CostTracking records usage against tenants in the ledger.
	CostTracking bool `yaml:"cost_tracking"`

	Recording RecordingConfig `yaml:"recording"`
}

// RecordingConfig configures LLM and tool call trajectory records. They
// need NATS.
type RecordingConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// UsageConfig configures the usage ledger.
type UsageConfig struct {
	// Budgets maps tenant ID to spending limit in currency units.
	Budgets map[string]float64 `yaml:"budgets,omitempty"`

	// Prices overlays the default price table.
	Prices map[string]PriceConfig `yaml:"prices,omitempty"`

	// WarnThreshold is the fraction of a budget that logs a warning.
	WarnThreshold float64 `yaml:"warn_threshold"`
}

// PriceConfig is the cost of 1,000 tokens.
type PriceConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// EngineConfig configures the workflow engine and agent executor.
type EngineConfig struct {
	// MaxBackoff caps the wait between agent retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Jitter randomizes agent retry waits by +/-20%.
	Jitter bool `yaml:"jitter"`

	// Defaults apply to every step before per-agent-type and step settings.
	Defaults agent.Config `yaml:"defaults"`
}

// PromptsConfig configures the prompt assembler.
type PromptsConfig struct {
	// Dir holds one <agent_type>.md template per agent type.
	Dir string `yaml:"dir"`

	// Watch reloads templates when files in Dir change.
	Watch bool `yaml:"watch"`

	// Policies are named sections appended to every system prompt.
	Policies map[string]string `yaml:"policies,omitempty"`
}

// StorageConfig selects where definitions, runs and run state live.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url,omitempty"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded starts an in-process server with JetStream.
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded server's JetStream directory. Empty uses a
	// temporary directory.
	StoreDir string `yaml:"store_dir,omitempty"`
	// EventPrefix is the subject prefix of run progress events.
	EventPrefix string `yaml:"event_prefix"`
}

// ActionsConfig configures action providers exposed as tools.
type ActionsConfig struct {
	Gateways []httpaction.Config `yaml:"gateways,omitempty"`
	Retry    actions.RetryConfig `yaml:"retry"`

	// Knowledge registers the built-in knowledge provider.
	Knowledge bool `yaml:"knowledge"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			Retry:        llm.DefaultRetryConfig(),
			CostTracking: true,
			Recording: RecordingConfig{
				TTL: 7 * 24 * time.Hour,
			},
		},
		Usage: UsageConfig{
			WarnThreshold: 0.8,
		},
		Engine: EngineConfig{
			MaxBackoff: agent.DefaultMaxBackoff,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		NATS: NATSConfig{
			Embedded:    true,
			EventPrefix: "semflow.events",
		},
		Actions: ActionsConfig{
			Retry:     actions.DefaultRetryConfig(),
			Knowledge: true,
		},
		Knowledge: knowledge.DefaultConfig(),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.LLM.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("llm.retry.max_attempts must be at least 1"))
	}
	if c.Usage.WarnThreshold < 0 || c.Usage.WarnThreshold > 1 {
		errs = append(errs, errors.New("usage.warn_threshold must be between 0 and 1"))
	}
	for tenant, limit := range c.Usage.Budgets {
		if limit < 0 {
			errs = append(errs, fmt.Errorf("usage.budgets.%s must not be negative", tenant))
		}
	}
	if c.Engine.MaxBackoff < 0 {
		errs = append(errs, errors.New("engine.max_backoff must not be negative"))
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageNATS:
		if c.NATS.URL == "" && !c.NATS.Embedded {
			errs = append(errs, errors.New("storage.backend nats needs nats.url or nats.embedded"))
		}
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, nats or postgres, got %q", c.Storage.Backend))
	}
	if c.LLM.Recording.Enabled && c.NATS.URL == "" && !c.NATS.Embedded {
		errs = append(errs, errors.New("llm.recording needs nats.url or nats.embedded"))
	}
	for i, gw := range c.Actions.Gateways {
		if gw.BaseURL == "" {
			errs = append(errs, fmt.Errorf("actions.gateways[%d].base_url is required", i))
		}
	}
	return errors.Join(errs...)
}

// NeedsNATS reports whether any configured component uses NATS.
func (c *Config) NeedsNATS() bool {
	return c.Storage.Backend == StorageNATS || c.LLM.Recording.Enabled || c.NATS.URL != ""
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyFile decodes a YAML file onto c. Fields the file does not mention
// keep their values and maps gain the file's keys. ${VAR} and
// ${VAR:-default} references are expanded first.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data), os.LookupEnv)), c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge overlays programmatic overrides such as command-line flags. Non-zero
// values of other take precedence and maps are merged key by key; a false
// bool never overrides.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	// LLM
	if other.LLM.Registry != nil {
		if c.LLM.Registry == nil {
			c.LLM.Registry = &model.RegistryConfig{}
		}
		mergeRegistry(c.LLM.Registry, other.LLM.Registry)
	}
	if other.LLM.Retry != (llm.RetryConfig{}) {
		c.LLM.Retry = other.LLM.Retry
	}
	if other.LLM.CostTracking {
		c.LLM.CostTracking = true
	}
	if other.LLM.Recording.Enabled {
		c.LLM.Recording.Enabled = true
	}
	if other.LLM.Recording.TTL != 0 {
		c.LLM.Recording.TTL = other.LLM.Recording.TTL
	}

	// Usage
	c.Usage.Budgets = mergeMap(c.Usage.Budgets, other.Usage.Budgets)
	c.Usage.Prices = mergeMap(c.Usage.Prices, other.Usage.Prices)
	if other.Usage.WarnThreshold != 0 {
		c.Usage.WarnThreshold = other.Usage.WarnThreshold
	}

	// Agents
	for agentType, cfg := range other.Agents {
		if c.Agents == nil {
			c.Agents = make(map[string]agent.Config)
		}
		c.Agents[agentType] = c.Agents[agentType].Merge(cfg)
	}

	// Engine
	if other.Engine.MaxBackoff != 0 {
		c.Engine.MaxBackoff = other.Engine.MaxBackoff
	}
	if other.Engine.Jitter {
		c.Engine.Jitter = true
	}
	c.Engine.Defaults = c.Engine.Defaults.Merge(other.Engine.Defaults)

	// Prompts
	if other.Prompts.Dir != "" {
		c.Prompts.Dir = other.Prompts.Dir
	}
	if other.Prompts.Watch {
		c.Prompts.Watch = true
	}
	c.Prompts.Policies = mergeMap(c.Prompts.Policies, other.Prompts.Policies)

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.PostgresURL != "" {
		c.Storage.PostgresURL = other.Storage.PostgresURL
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}
	if other.NATS.EventPrefix != "" {
		c.NATS.EventPrefix = other.NATS.EventPrefix
	}

	// Actions
	if len(other.Actions.Gateways) > 0 {
		c.Actions.Gateways = other.Actions.Gateways
	}
	if other.Actions.Retry != (actions.RetryConfig{}) {
		c.Actions.Retry = other.Actions.Retry
	}
	if other.Actions.Knowledge {
		c.Actions.Knowledge = true
	}

	// Knowledge
	if other.Knowledge.Timeout != 0 {
		c.Knowledge.Timeout = other.Knowledge.Timeout
	}
	if other.Knowledge.UserAgent != "" {
		c.Knowledge.UserAgent = other.Knowledge.UserAgent
	}
	if other.Knowledge.MaxBytes != 0 {
		c.Knowledge.MaxBytes = other.Knowledge.MaxBytes
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}

func mergeRegistry(dst, src *model.RegistryConfig) {
	dst.Capabilities = mergeMap(dst.Capabilities, src.Capabilities)
	dst.Endpoints = mergeMap(dst.Endpoints, src.Endpoints)
	if src.Defaults != nil {
		dst.Defaults = src.Defaults
	}
	if src.Health != nil {
		dst.Health = src.Health
	}
}

func mergeMap[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
