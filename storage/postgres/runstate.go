package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semflow/runstate"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StateBackend stores run state as JSONB with a revision column used for
// compare-and-swap saves.
type StateBackend struct {
	pool *pgxpool.Pool
}

func (b *StateBackend) Create(ctx context.Context, state *runstate.State) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("semflow/postgres: marshal run state: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO semflow_run_state (tenant_id, run_id, state, revision)
		VALUES ($1, $2, $3, 1)`,
		state.TenantID, state.RunID, data,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, fmt.Errorf("%w: run %s already exists", runstate.ErrConflict, state.RunID)
		}
		return 0, fmt.Errorf("semflow/postgres: create run state: %w", err)
	}
	return 1, nil
}

func (b *StateBackend) Load(ctx context.Context, tenantID, runID string) (*runstate.State, error) {
	var (
		data     []byte
		revision int64
	)
	err := b.pool.QueryRow(ctx, `
		SELECT state, revision FROM semflow_run_state
		WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID,
	).Scan(&data, &revision)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", runstate.ErrNotFound, runID)
		}
		return nil, fmt.Errorf("semflow/postgres: load run state: %w", err)
	}

	var state runstate.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("semflow/postgres: unmarshal run state: %w", err)
	}
	state.Revision = uint64(revision)
	return &state, nil
}

func (b *StateBackend) Save(ctx context.Context, state *runstate.State) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("semflow/postgres: marshal run state: %w", err)
	}

	var revision int64
	err = b.pool.QueryRow(ctx, `
		UPDATE semflow_run_state
		SET state = $3, revision = revision + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND run_id = $2 AND revision = $4
		RETURNING revision`,
		state.TenantID, state.RunID, data, int64(state.Revision),
	).Scan(&revision)
	if err == nil {
		return uint64(revision), nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("semflow/postgres: save run state: %w", err)
	}

	var exists bool
	if err := b.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM semflow_run_state WHERE tenant_id = $1 AND run_id = $2)`,
		state.TenantID, state.RunID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("semflow/postgres: check run state: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", runstate.ErrNotFound, state.RunID)
	}
	return 0, fmt.Errorf("%w: run %s modified concurrently", runstate.ErrConflict, state.RunID)
}

func (b *StateBackend) Delete(ctx context.Context, tenantID, runID string) error {
	tag, err := b.pool.Exec(ctx, `
		DELETE FROM semflow_run_state WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID,
	)
	if err != nil {
		return fmt.Errorf("semflow/postgres: delete run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", runstate.ErrNotFound, runID)
	}
	return nil
}
