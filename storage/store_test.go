package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/semflow/natsutil"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*storage.Store, context.Context) {
	t.Helper()
	conn, err := natsutil.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	store, err := storage.NewStore(ctx, conn.JS)
	require.NoError(t, err)
	return store, ctx
}

func TestStore_Definitions(t *testing.T) {
	store, ctx := newStore(t)

	for _, def := range []*workflow.Definition{
		{ID: "triage", TenantID: "acme", Name: "Triage", Version: 1, Active: true},
		{ID: "lead-pipeline", TenantID: "acme", Name: "Leads", Version: 3, Active: true},
		{ID: "lead-pipeline", TenantID: "globex", Name: "Other tenant", Version: 1},
	} {
		require.NoError(t, store.SaveDefinition(ctx, def))
	}

	def, err := store.GetDefinition(ctx, "acme", "lead-pipeline")
	require.NoError(t, err)
	assert.Equal(t, "Leads", def.Name)
	assert.Equal(t, 3, def.Version)

	_, err = store.GetDefinition(ctx, "acme", "missing")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	defs, err := store.ListDefinitions(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "lead-pipeline", defs[0].ID)
	assert.Equal(t, "triage", defs[1].ID)

	empty, err := store.ListDefinitions(ctx, "initech")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_Runs(t *testing.T) {
	store, ctx := newStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := &workflow.Run{
		ID:         "run-1",
		WorkflowID: "lead-pipeline",
		TenantID:   "acme",
		Status:     workflow.RunPending,
		InputData:  map[string]any{"lead_email": "ada@example.com"},
		CreatedAt:  now,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	assert.Error(t, store.CreateRun(ctx, run))

	require.NoError(t, run.Transition(workflow.RunRunning, now.Add(time.Second)))
	run.AdvanceTo(2)
	require.NoError(t, store.UpdateRun(ctx, run))

	got, err := store.GetRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, "ada@example.com", got.InputData["lead_email"])
	require.NotNil(t, got.StartedAt)

	_, err = store.GetRun(ctx, "globex", "run-1")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
	assert.ErrorIs(t, store.UpdateRun(ctx, &workflow.Run{ID: "ghost", TenantID: "acme"}), workflow.ErrNotFound)

	require.NoError(t, store.CreateRun(ctx, &workflow.Run{ID: "run-2", TenantID: "acme", CreatedAt: now.Add(time.Minute)}))
	runs, err := store.ListRuns(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestStore_StepExecutions(t *testing.T) {
	store, ctx := newStore(t)

	steps := []*workflow.StepExecution{
		{ID: "s-b", RunID: "run-1", TenantID: "acme", StepIndex: 1, StepName: "enrich", Status: workflow.StepRunning},
		{ID: "s-a", RunID: "run-1", TenantID: "acme", StepIndex: 0, StepName: "research", Status: workflow.StepCompleted},
		{ID: "s-c", RunID: "run-2", TenantID: "acme", StepIndex: 0, StepName: "research", Status: workflow.StepRunning},
	}
	for _, s := range steps {
		require.NoError(t, store.SaveStepExecution(ctx, s))
	}

	steps[0].Status = workflow.StepFailed
	steps[0].ErrorMessage = "enrichment API returned 503"
	require.NoError(t, store.SaveStepExecution(ctx, steps[0]))

	got, err := store.ListStepExecutions(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "research", got[0].StepName)
	assert.Equal(t, workflow.StepFailed, got[1].Status)
	assert.Equal(t, "enrichment API returned 503", got[1].ErrorMessage)
}

func TestStore_SimilarTenantsDoNotCollide(t *testing.T) {
	store, ctx := newStore(t)

	require.NoError(t, store.CreateRun(ctx, &workflow.Run{ID: "run.1", TenantID: "acme.co", WorkflowID: "dotted"}))
	require.NoError(t, store.CreateRun(ctx, &workflow.Run{ID: "run_1", TenantID: "acme_co", WorkflowID: "underscored"}))
	require.NoError(t, store.CreateRun(ctx, &workflow.Run{ID: "run.1", TenantID: "acme_co", WorkflowID: "same-id"}))

	got, err := store.GetRun(ctx, "acme.co", "run.1")
	require.NoError(t, err)
	assert.Equal(t, "dotted", got.WorkflowID)

	_, err = store.GetRun(ctx, "acme.co", "run_1")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	dotted, err := store.ListRuns(ctx, "acme.co")
	require.NoError(t, err)
	assert.Len(t, dotted, 1)

	underscored, err := store.ListRuns(ctx, "acme_co")
	require.NoError(t, err)
	assert.Len(t, underscored, 2)
}
