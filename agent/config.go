package agent

import "time"

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxToolIterations = 10
	DefaultTimeout           = 300 * time.Second
	DefaultMaxRetries        = 3
	DefaultPreserveRecent    = 6
	DefaultMaxBackoff        = 60 * time.Second
)

// FinishMaxIterations marks a result whose tool loop ran out of iterations
// before the model produced a final answer.
const FinishMaxIterations = "max_iterations"

// StatusCompleted is the only status Execute reports; failures are errors.
const StatusCompleted = "completed"

// Config describes how one agent runs.
type Config struct {
	// AgentType selects the prompt template.
	AgentType string `yaml:"agent_type"`

	// Capability routes the model call through the registry's fallback
	// chain. Endpoint, when set, pins a single endpoint instead.
	Capability string `yaml:"capability,omitempty"`
	Endpoint   string `yaml:"model,omitempty"`

	// Tools names the tools the agent may call. ToolCategory adds every tool
	// of that category. With neither set the agent gets no tools.
	Tools        []string `yaml:"tools,omitempty"`
	ToolCategory string   `yaml:"tool_category,omitempty"`

	MaxToolIterations int           `yaml:"max_tool_iterations,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	MaxRetries        int           `yaml:"max_retries,omitempty"`
	Temperature       *float64      `yaml:"temperature,omitempty"`
	MaxTokens         int           `yaml:"max_tokens,omitempty"`

	// PreserveRecent is how many trailing messages survive truncation.
	PreserveRecent int `yaml:"preserve_recent,omitempty"`

	// Instructions is appended to the system prompt.
	Instructions string `yaml:"instructions,omitempty"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PreserveRecent <= 0 {
		c.PreserveRecent = DefaultPreserveRecent
	}
	return c
}

// Merge overlays the non-zero fields of o onto c.
func (c Config) Merge(o Config) Config {
	if o.AgentType != "" {
		c.AgentType = o.AgentType
	}
	if o.Capability != "" {
		c.Capability = o.Capability
	}
	if o.Endpoint != "" {
		c.Endpoint = o.Endpoint
	}
	if len(o.Tools) > 0 {
		c.Tools = o.Tools
	}
	if o.ToolCategory != "" {
		c.ToolCategory = o.ToolCategory
	}
	if o.MaxToolIterations > 0 {
		c.MaxToolIterations = o.MaxToolIterations
	}
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	if o.MaxRetries > 0 {
		c.MaxRetries = o.MaxRetries
	}
	if o.Temperature != nil {
		c.Temperature = o.Temperature
	}
	if o.MaxTokens > 0 {
		c.MaxTokens = o.MaxTokens
	}
	if o.PreserveRecent > 0 {
		c.PreserveRecent = o.PreserveRecent
	}
	if o.Instructions != "" {
		c.Instructions = o.Instructions
	}
	return c
}

// Task is the per-step input to an agent.
type Task struct {
	TenantID string
	RunID    string
	StepName string

	// Input is substituted into the user prompt.
	Input map[string]any

	// IdempotencyKey scopes side-effecting tool calls. Retries of the same
	// step reuse it so action providers can deduplicate.
	IdempotencyKey string
}

// ToolTrace records one tool call made during an execution.
type ToolTrace struct {
	Iteration       int            `json:"iteration"`
	CallID          string         `json:"call_id"`
	Name            string         `json:"name"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// Result is the outcome of a completed execution.
type Result struct {
	Status       string `json:"status"`
	Output       string `json:"output"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model,omitempty"`
	TokensUsed   int    `json:"tokens_used"`
	Iterations   int    `json:"iterations"`

	// Structured is the JSON object found in Output, if any.
	Structured map[string]any `json:"structured,omitempty"`

	ToolCalls []ToolTrace `json:"tool_calls,omitempty"`

	// Attempts counts executions including retries.
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}
