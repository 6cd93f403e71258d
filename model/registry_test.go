package model

import (
	"sort"
	"testing"
)

func TestCapabilityForAgent(t *testing.T) {
	tests := []struct {
		agentType string
		want      Capability
	}{
		{"lead_qualifier", CapabilityReasoning},
		{"email_writer", CapabilityWriting},
		{"data_enricher", CapabilityExtraction},
		{"scheduler", CapabilityFast},
		{"unknown_agent", CapabilityReasoning},
	}

	for _, tt := range tests {
		t.Run(tt.agentType, func(t *testing.T) {
			if got := CapabilityForAgent(tt.agentType); got != tt.want {
				t.Errorf("CapabilityForAgent(%q) = %q, want %q", tt.agentType, got, tt.want)
			}
		})
	}
}

func TestParseCapability(t *testing.T) {
	if got := ParseCapability("writing"); got != CapabilityWriting {
		t.Errorf("ParseCapability(writing) = %q", got)
	}
	if got := ParseCapability("coding"); got != "" {
		t.Errorf("ParseCapability(coding) = %q, want empty", got)
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewDefaultRegistry()

	if got := r.Resolve(CapabilityWriting); got != "claude-sonnet" {
		t.Errorf("Resolve(writing) = %q, want claude-sonnet", got)
	}
	if got := r.Resolve(Capability("nonexistent")); got != "claude-sonnet" {
		t.Errorf("Resolve(nonexistent) = %q, want default claude-sonnet", got)
	}
	if got := r.ForAgent("scheduler"); got != "claude-haiku" {
		t.Errorf("ForAgent(scheduler) = %q, want claude-haiku", got)
	}
}

func TestRegistryFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()

	chain := r.GetFallbackChain(CapabilityWriting)
	want := []string{"claude-sonnet", "gpt-4o-mini", "llama3.1"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}

	if got := r.GetFallbackChain(Capability("nonexistent")); len(got) != 1 || got[0] != "claude-sonnet" {
		t.Errorf("unknown capability chain = %v", got)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	r := NewRegistry(nil, nil)

	if ep := r.GetEndpoint("missing"); ep != nil {
		t.Errorf("expected nil endpoint, got %+v", ep)
	}

	r.SetEndpoint("local", &EndpointConfig{Provider: "ollama", Model: "llama3.1"})
	r.SetEndpoint("hosted", &EndpointConfig{Provider: "openai", Model: "gpt-4o"})

	ep := r.GetEndpoint("local")
	if ep == nil || ep.Provider != "ollama" {
		t.Fatalf("GetEndpoint(local) = %+v", ep)
	}

	names := r.ListEndpoints()
	if !sort.StringsAreSorted(names) || len(names) != 2 {
		t.Errorf("ListEndpoints() = %v", names)
	}
}

func TestRegistryConfigRoundTrip(t *testing.T) {
	cfg := &RegistryConfig{
		Capabilities: map[string]*CapabilityConfig{
			"triage": {Preferred: []string{"local"}},
		},
		Endpoints: map[string]*EndpointConfig{
			"local": {Provider: "ollama", Model: "llama3.1", MaxTokens: 8192},
		},
		Defaults: &DefaultsConfig{Model: "local"},
		Health:   &HealthConfig{FailureThreshold: 5},
	}

	r := NewRegistryFromConfig(cfg)
	if got := r.Resolve("triage"); got != "local" {
		t.Errorf("Resolve(triage) = %q, want local", got)
	}

	out := r.ToConfig()
	if out.Endpoints["local"].MaxTokens != 8192 {
		t.Errorf("round-trip lost max_tokens: %+v", out.Endpoints["local"])
	}
	if out.Health.FailureThreshold != 5 {
		t.Errorf("round-trip lost health config: %+v", out.Health)
	}

	r.MergeFromConfig(&RegistryConfig{
		Endpoints: map[string]*EndpointConfig{"hosted": {Provider: "openai", Model: "gpt-4o"}},
	})
	if r.GetEndpoint("hosted") == nil {
		t.Error("MergeFromConfig did not add endpoint")
	}
}
