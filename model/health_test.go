package model

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpens(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	if h := r.GetEndpointHealth("gpt-4o"); h != nil {
		t.Fatalf("expected no health before use, got %+v", h)
	}

	r.MarkEndpointFailure("gpt-4o")
	if !r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected endpoint available after 1 failure")
	}

	r.MarkEndpointFailure("gpt-4o")
	if r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected endpoint unavailable after circuit opens")
	}

	h := r.GetEndpointHealth("gpt-4o")
	if h == nil || !h.CircuitOpen || h.FailureCount != 2 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})

	now := time.Now()
	r.health.now = func() time.Time { return now }

	r.MarkEndpointFailure("claude-haiku")
	if r.IsEndpointAvailable("claude-haiku") {
		t.Fatal("expected circuit open")
	}

	now = now.Add(31 * time.Second)
	if !r.IsEndpointAvailable("claude-haiku") {
		t.Error("expected half-open after recovery timeout")
	}

	r.MarkEndpointSuccess("claude-haiku")
	h := r.GetEndpointHealth("claude-haiku")
	if h.CircuitOpen || h.FailureCount != 0 {
		t.Errorf("expected closed circuit after success, got %+v", h)
	}
}

func TestAvailableFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("claude-sonnet")
	chain := r.GetAvailableFallbackChain(CapabilityWriting)
	if len(chain) != 2 || chain[0] != "gpt-4o-mini" {
		t.Errorf("chain = %v, want [gpt-4o-mini llama3.1]", chain)
	}

	r.MarkEndpointFailure("gpt-4o-mini")
	r.MarkEndpointFailure("llama3.1")
	chain = r.GetAvailableFallbackChain(CapabilityWriting)
	if len(chain) != 3 {
		t.Errorf("all-blocked chain should fall back to full chain, got %v", chain)
	}

	r.ResetEndpointHealth("claude-sonnet")
	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Error("expected endpoint available after reset")
	}
}
