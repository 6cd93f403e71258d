package providers

import (
	"fmt"

	"github.com/c360studio/semflow/llm"
)

// Register adds the built-in vendor factories to reg.
func Register(reg *llm.Registry) {
	reg.Register("anthropic", NewAnthropic)
	reg.Register("openai", NewOpenAI)
	reg.Register("ollama", NewOllama)
}

// NewRegistry returns a registry holding the built-in vendors.
func NewRegistry() *llm.Registry {
	reg := llm.NewRegistry()
	Register(reg)
	return reg
}

// Formatter returns a credential-free formatter for rendering tool schemas.
func Formatter(name string) (llm.ToolFormatter, error) {
	switch name {
	case "anthropic":
		return &AnthropicProvider{}, nil
	case "openai":
		return &OpenAIProvider{}, nil
	case "ollama":
		return &OllamaProvider{}, nil
	}
	return nil, fmt.Errorf("%w: %s", llm.ErrUnknownProvider, name)
}
