// Package prompts assembles the system and user messages for agent steps.
//
// Templates ship built in for the standard agent types and can be
// overridden from a directory of Markdown files:
//
//	<agent_type>.system.md
//	<agent_type>.user.md
//	policies/<policy>.md
//
// Watch reloads the directory when files change.
package prompts

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Assembler builds prompts. Safe for concurrent use.
type Assembler struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]Template
	policies  map[string]string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTemplateDir loads template overrides from dir.
func WithTemplateDir(dir string) Option {
	return func(a *Assembler) {
		a.dir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// WithTemplate registers or replaces the template for an agent type.
func WithTemplate(agentType string, t Template) Option {
	return func(a *Assembler) {
		a.templates[agentType] = t
	}
}

// WithPolicy registers or replaces a policy section. Empty text disables it.
func WithPolicy(name, text string) Option {
	return func(a *Assembler) {
		a.policies[name] = text
	}
}

// NewAssembler creates an assembler with the built-in templates and, when a
// template directory is configured, loads its overrides.
func NewAssembler(opts ...Option) (*Assembler, error) {
	a := &Assembler{
		logger:    slog.Default(),
		templates: builtinTemplates(),
		policies:  builtinPolicies(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dir != "" {
		if err := a.Reload(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Reload re-reads the template directory on top of the built-in templates.
// Options applied at construction are not reapplied.
func (a *Assembler) Reload() error {
	if a.dir == "" {
		return nil
	}
	templates, policies, err := loadDir(os.DirFS(a.dir))
	if err != nil {
		return fmt.Errorf("load templates from %s: %w", a.dir, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for agentType, override := range templates {
		t := a.templates[agentType]
		if override.System != "" {
			t.System = override.System
		}
		if override.User != "" {
			t.User = override.User
		}
		if t.Policies == nil {
			t.Policies = DefaultPolicies
		}
		a.templates[agentType] = t
	}
	for name, text := range policies {
		a.policies[name] = text
	}

	a.logger.Info("Loaded prompt templates", "dir", a.dir, "templates", len(templates), "policies", len(policies))
	return nil
}

// loadDir reads every Markdown file under fsys.
func loadDir(fsys fs.FS) (map[string]Template, map[string]string, error) {
	matches, err := doublestar.Glob(fsys, "**/*.md")
	if err != nil {
		return nil, nil, err
	}

	templates := make(map[string]Template)
	policies := make(map[string]string)
	for _, match := range matches {
		data, err := fs.ReadFile(fsys, match)
		if err != nil {
			return nil, nil, err
		}
		text := strings.TrimSpace(string(data))
		name := strings.TrimSuffix(path.Base(match), ".md")

		if path.Base(path.Dir(match)) == "policies" {
			policies[name] = text
			continue
		}

		switch {
		case strings.HasSuffix(name, ".system"):
			agentType := strings.TrimSuffix(name, ".system")
			t := templates[agentType]
			t.System = text
			templates[agentType] = t
		case strings.HasSuffix(name, ".user"):
			agentType := strings.TrimSuffix(name, ".user")
			t := templates[agentType]
			t.User = text
			templates[agentType] = t
		}
	}
	return templates, policies, nil
}

// AgentTypes lists the agent types with a template.
func (a *Assembler) AgentTypes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	types := make([]string, 0, len(a.templates))
	for t := range a.templates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// HasTemplate reports whether agentType has a template.
func (a *Assembler) HasTemplate(agentType string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.templates[agentType]
	return ok
}

// BuildSystemMessage returns the role prompt for agentType followed by its
// policy sections and, last, extraContext. Unknown agent types get a
// generic prompt.
func (a *Assembler) BuildSystemMessage(agentType, extraContext string) string {
	a.mu.RLock()
	t, ok := a.templates[agentType]
	var sections []string
	if ok && t.System != "" {
		sections = append(sections, t.System)
	} else {
		sections = append(sections, GenericSystemPrompt())
	}

	policies := t.Policies
	if !ok {
		policies = DefaultPolicies
	}
	for _, name := range policies {
		if text := a.policies[name]; text != "" {
			sections = append(sections, text)
		}
	}
	a.mu.RUnlock()

	if extraContext = strings.TrimSpace(extraContext); extraContext != "" {
		sections = append(sections, "## Additional Context\n\n"+extraContext)
	}
	return strings.Join(sections, "\n\n")
}

// BuildUserMessage renders the task template for agentType with variables.
// Without a template, the variables are listed as JSON.
func (a *Assembler) BuildUserMessage(agentType string, variables map[string]any) string {
	a.mu.RLock()
	t := a.templates[agentType]
	a.mu.RUnlock()

	if t.User == "" {
		vars := make(map[string]any, len(variables)+1)
		for k, v := range variables {
			vars[k] = v
		}
		if _, ok := vars["input"]; !ok {
			vars["input"] = formatValue(variables)
		}
		return Substitute(GenericUserPrompt(), vars)
	}
	return Substitute(t.User, variables)
}

// tokenPattern matches {{var}}, {var} and $var in a single pass.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}|\{([A-Za-z_][A-Za-z0-9_.]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Substitute replaces variable tokens with their values. Unresolved tokens
// are left as written. Replacement text is not rescanned, so values that
// themselves look like tokens are inserted literally.
func Substitute(text string, variables map[string]any) string {
	if len(variables) == 0 {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		name := m[1] + m[2] + m[3]
		v, ok := lookup(variables, name)
		if !ok {
			return token
		}
		return formatValue(v)
	})
}

// lookup resolves dotted names against nested maps.
func lookup(variables map[string]any, name string) (any, bool) {
	if v, ok := variables[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	var cur any = variables
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		b, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
