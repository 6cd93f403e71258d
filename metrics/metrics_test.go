package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLLMCall("openai", "gpt-4o", nil, time.Second)
		m.AddUsage("acme", "gpt-4o", 10, 5, 0.01)
		m.BudgetDenied("acme")
		m.ObserveTool("search_contacts", true, time.Millisecond)
		m.ActionRetried("crm", "create_contact")
		m.ObserveAgent("lead_qualifier", "stop", 2)
		m.ObserveStep("lead_qualifier", "completed", time.Second)
		m.RunStarted()
		m.RunFinished("completed")
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveLLMCall("anthropic", "claude", errors.New("boom"), time.Second)
	m.AddUsage("acme", "claude", 100, 50, 0.25)
	m.RunStarted()
	m.RunStarted()
	m.RunFinished("failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmRequests.WithLabelValues("anthropic", "claude", "error")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.llmTokens.WithLabelValues("acme", "claude", "prompt")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.tenantCost.WithLabelValues("acme")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runOutcomes.WithLabelValues("failed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
