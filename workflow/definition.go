// Package workflow sequences multi-step agent workflows. A Definition is a
// versioned template of steps; the Engine executes it as a Run, persisting
// run variables through runstate and dispatching each step to an agent.
package workflow

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/semflow/agent"
	"gopkg.in/yaml.v3"
)

// RetryPolicy overrides the agent retry count for a step.
type RetryPolicy struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// StepSpec is one step of a definition.
type StepSpec struct {
	Name      string `yaml:"name" json:"name"`
	AgentType string `yaml:"agent_type" json:"agent_type"`

	// InputMap maps agent input names to "$variable" references or literal
	// values. Empty passes every run variable.
	InputMap map[string]string `yaml:"input_map,omitempty" json:"input_map,omitempty"`

	// OutputMap maps run variables to paths into the step output: "$field",
	// "$field.sub", or "$output" for the raw text. Empty stores the output
	// under the step name.
	OutputMap map[string]string `yaml:"output_map,omitempty" json:"output_map,omitempty"`

	Tools        []string      `yaml:"tools,omitempty" json:"tools,omitempty"`
	ToolCategory string        `yaml:"tool_category,omitempty" json:"tool_category,omitempty"`
	Capability   string        `yaml:"capability,omitempty" json:"capability,omitempty"`
	Model        string        `yaml:"model,omitempty" json:"model,omitempty"`
	Instructions string        `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryPolicy  *RetryPolicy  `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`

	MaxToolIterations int `yaml:"max_tool_iterations,omitempty" json:"max_tool_iterations,omitempty"`

	// Required defaults to true. A failed optional step is skipped.
	Required *bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Parallel steps that are adjacent run concurrently as one block.
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// IsRequired reports whether a failure of the step fails the run.
func (s StepSpec) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// AgentConfig returns the step's overrides of the agent defaults.
func (s StepSpec) AgentConfig() agent.Config {
	cfg := agent.Config{
		AgentType:         s.AgentType,
		Capability:        s.Capability,
		Endpoint:          s.Model,
		Tools:             s.Tools,
		ToolCategory:      s.ToolCategory,
		MaxToolIterations: s.MaxToolIterations,
		Timeout:           s.Timeout,
		Instructions:      s.Instructions,
	}
	if s.RetryPolicy != nil {
		cfg.MaxRetries = s.RetryPolicy.MaxRetries
	}
	return cfg
}

// Definition is an immutable workflow template. A new version replaces a
// definition; runs record the version they executed.
type Definition struct {
	ID          string     `yaml:"id" json:"id"`
	TenantID    string     `yaml:"tenant_id,omitempty" json:"tenant_id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Version     int        `yaml:"version,omitempty" json:"version"`
	Active      bool       `yaml:"active" json:"active"`
	Steps       []StepSpec `yaml:"steps" json:"steps"`
	CreatedAt   time.Time  `yaml:"-" json:"created_at"`
}

// Blocks groups step indexes into execution blocks: adjacent parallel steps
// share a block, every other step is a block of its own.
func (d *Definition) Blocks() [][]int {
	var blocks [][]int
	for i, s := range d.Steps {
		n := len(blocks)
		if s.Parallel && n > 0 && d.Steps[blocks[n-1][0]].Parallel {
			blocks[n-1] = append(blocks[n-1], i)
			continue
		}
		blocks = append(blocks, []int{i})
	}
	return blocks
}

// StepIndex returns the index of the named step, or -1.
func (d *Definition) StepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// ValidationError lists every problem found in a definition or request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

var (
	identifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	reference  = regexp.MustCompile(`^\$[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
)

// Validate checks the definition's structure.
func (d *Definition) Validate() error {
	ve := &ValidationError{}
	if d.ID == "" {
		ve.add("id is required")
	}
	if d.Name == "" {
		ve.add("name is required")
	}
	if d.Version < 0 {
		ve.add("version must not be negative")
	}
	if len(d.Steps) == 0 {
		ve.add("at least one step is required")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		label := fmt.Sprintf("step %d", i)
		if s.Name != "" {
			label = fmt.Sprintf("step %d (%s)", i, s.Name)
		}
		switch {
		case s.Name == "":
			ve.add("%s: name is required", label)
		case !identifier.MatchString(s.Name):
			ve.add("%s: name must start with a letter and contain only letters, digits, _ or -", label)
		case seen[s.Name]:
			ve.add("%s: duplicate step name", label)
		}
		seen[s.Name] = true

		if s.AgentType == "" {
			ve.add("%s: agent_type is required", label)
		}
		for param, value := range s.InputMap {
			if strings.HasPrefix(value, "$") && !reference.MatchString(value) {
				ve.add("%s: input_map %s: malformed variable reference %q", label, param, value)
			}
		}
		for variable, path := range s.OutputMap {
			if !identifier.MatchString(variable) {
				ve.add("%s: output_map key %q is not a valid variable name", label, variable)
			}
			if !reference.MatchString(path) {
				ve.add("%s: output_map %s: value %q must reference the step output with $", label, variable, path)
			}
		}
		if s.Timeout < 0 {
			ve.add("%s: timeout must not be negative", label)
		}
		if s.RetryPolicy != nil && s.RetryPolicy.MaxRetries < 0 {
			ve.add("%s: retry_policy.max_retries must not be negative", label)
		}
	}
	return ve.orNil()
}

// CheckAgentTypes reports steps whose agent type has no prompt template.
// Such steps still run with the generic prompt.
func (d *Definition) CheckAgentTypes(known func(agentType string) bool) []string {
	var unknown []string
	for _, s := range d.Steps {
		if s.AgentType != "" && !known(s.AgentType) {
			unknown = append(unknown, fmt.Sprintf("step %s: no template for agent type %s", s.Name, s.AgentType))
		}
	}
	return unknown
}

// ParseDefinition decodes and validates a YAML definition. Active defaults
// to true and Version to 1.
func ParseDefinition(data []byte) (*Definition, error) {
	def := Definition{Active: true}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a YAML definition from path.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
