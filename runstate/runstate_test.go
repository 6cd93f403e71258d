package runstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/semflow/natsutil"
	"github.com/c360studio/semflow/runstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to runstate.Status
		ok       bool
	}{
		{runstate.StatusPending, runstate.StatusRunning, true},
		{runstate.StatusPending, runstate.StatusCancelled, true},
		{runstate.StatusPending, runstate.StatusFailed, true},
		{runstate.StatusPending, runstate.StatusCompleted, false},
		{runstate.StatusRunning, runstate.StatusCompleted, true},
		{runstate.StatusRunning, runstate.StatusFailed, true},
		{runstate.StatusRunning, runstate.StatusCancelled, true},
		{runstate.StatusRunning, runstate.StatusPending, false},
		{runstate.StatusCompleted, runstate.StatusRunning, false},
		{runstate.StatusFailed, runstate.StatusCompleted, false},
		{runstate.StatusCancelled, runstate.StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := tt.from.Transition(tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, runstate.ErrInvalidTransition)
			}
		})
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) runstate.Backend {
	return map[string]func(t *testing.T) runstate.Backend{
		"memory": func(*testing.T) runstate.Backend {
			return runstate.NewMemoryBackend()
		},
		"kv": func(t *testing.T) runstate.Backend {
			conn, err := natsutil.StartEmbedded(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(conn.Close)

			b, err := runstate.NewKVBackend(context.Background(), conn.JS, "")
			require.NoError(t, err)
			return b
		},
	}
}

func TestStore(t *testing.T) {
	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend := newBackend(t)

			store := runstate.NewStore(backend)
			require.NoError(t, store.Init(ctx, "run-1", "lead-flow", "acme", map[string]any{"lead_email": "ada@example.com"}))
			assert.Equal(t, runstate.StatusPending, store.Status())

			require.NoError(t, store.UpdateStatus(ctx, runstate.StatusRunning))
			require.NoError(t, store.SetVariables(ctx, map[string]any{"contact_id": "c-1"}))
			require.NoError(t, store.AdvanceStep(ctx))
			require.NoError(t, store.AddHistoryEntry(ctx, "step_completed", map[string]any{"step": "create_contact"}))

			// A fresh store sees everything persisted.
			reloaded := runstate.NewStore(backend)
			require.NoError(t, reloaded.Load(ctx, "acme", "run-1"))
			snap := reloaded.Snapshot()
			assert.Equal(t, runstate.StatusRunning, snap.Status)
			assert.Equal(t, 1, snap.CurrentStep)
			assert.Equal(t, "ada@example.com", snap.Variables["lead_email"])
			assert.Equal(t, "c-1", snap.Variables["contact_id"])
			require.Len(t, snap.History, 1)
			assert.Equal(t, "step_completed", snap.History[0].Event)
			assert.Equal(t, "create_contact", snap.History[0].Details["step"])

			t.Run("duplicate init conflicts", func(t *testing.T) {
				err := runstate.NewStore(backend).Init(ctx, "run-1", "lead-flow", "acme", nil)
				assert.ErrorIs(t, err, runstate.ErrConflict)
			})

			t.Run("stale writer conflicts", func(t *testing.T) {
				require.NoError(t, reloaded.AdvanceStep(ctx))

				err := store.AdvanceStep(ctx)
				require.ErrorIs(t, err, runstate.ErrConflict)
				assert.Equal(t, 1, store.CurrentStep(), "failed save leaves state unchanged")

				require.NoError(t, store.Load(ctx, "acme", "run-1"))
				assert.Equal(t, 2, store.CurrentStep())
			})

			t.Run("cursor never moves back", func(t *testing.T) {
				require.NoError(t, store.AdvanceTo(ctx, 4))
				assert.Error(t, store.AdvanceTo(ctx, 3))
				assert.Equal(t, 4, store.CurrentStep())
			})

			t.Run("terminal status is final", func(t *testing.T) {
				require.NoError(t, store.UpdateStatus(ctx, runstate.StatusCompleted))
				err := store.UpdateStatus(ctx, runstate.StatusRunning)
				assert.ErrorIs(t, err, runstate.ErrInvalidTransition)
				assert.Equal(t, runstate.StatusCompleted, store.Status())
			})

			t.Run("tenants are isolated", func(t *testing.T) {
				err := runstate.NewStore(backend).Load(ctx, "globex", "run-1")
				assert.ErrorIs(t, err, runstate.ErrNotFound)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, backend.Delete(ctx, "acme", "run-1"))
				_, err := backend.Load(ctx, "acme", "run-1")
				assert.ErrorIs(t, err, runstate.ErrNotFound)
			})
		})
	}
}

func TestStore_Uninitialized(t *testing.T) {
	store := runstate.NewStore(runstate.NewMemoryBackend())
	assert.Error(t, store.AdvanceStep(context.Background()))
	assert.Nil(t, store.Snapshot())
	assert.Empty(t, store.Status())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := runstate.NewStore(runstate.NewMemoryBackend(), runstate.WithClock(func() time.Time { return fixed }))
	require.NoError(t, store.Init(ctx, "run-2", "wf", "acme", map[string]any{"a": 1}))

	snap := store.Snapshot()
	snap.Variables["a"] = 99
	snap.History = append(snap.History, runstate.HistoryEntry{Event: "tampered"})

	v, _ := store.Variable("a")
	assert.Equal(t, 1, v)
	assert.Empty(t, store.Snapshot().History)
	assert.Equal(t, fixed, store.Snapshot().CreatedAt)
}
