// Package model provides capability-based model selection for agent steps.
// Agents name a capability (reasoning, writing, extraction, fast) instead of a
// vendor model, and the registry resolves it to configured endpoints with
// fallback chains.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityReasoning is for qualification, triage and multi-step tool use.
	CapabilityReasoning Capability = "reasoning"

	// CapabilityWriting is for customer-facing emails and replies.
	CapabilityWriting Capability = "writing"

	// CapabilityExtraction is for pulling structured fields out of text.
	CapabilityExtraction Capability = "extraction"

	// CapabilityFast is for quick responses, simple lookups.
	CapabilityFast Capability = "fast"
)

// AgentCapabilities maps agent types to their default capability.
// Used when an agent config names neither a capability nor a model.
var AgentCapabilities = map[string]Capability{
	"lead_qualifier":  CapabilityReasoning,
	"support_triage":  CapabilityReasoning,
	"research":        CapabilityReasoning,
	"email_writer":    CapabilityWriting,
	"support_replier": CapabilityWriting,
	"data_enricher":   CapabilityExtraction,
	"scheduler":       CapabilityFast,
}

// CapabilityForAgent returns the default capability for an agent type.
// Unknown agent types get CapabilityReasoning.
func CapabilityForAgent(agentType string) Capability {
	if c, ok := AgentCapabilities[agentType]; ok {
		return c
	}
	return CapabilityReasoning
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityReasoning, CapabilityWriting, CapabilityExtraction, CapabilityFast:
		return true
	}
	return false
}

func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
