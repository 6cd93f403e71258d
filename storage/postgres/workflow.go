package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semflow/workflow"
	"github.com/jackc/pgx/v5"
)

// SaveDefinition inserts a definition or replaces the stored version.
func (s *Store) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("semflow/postgres: marshal steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO semflow_workflows (
			tenant_id, id, name, description, version, active, steps, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			active = EXCLUDED.active,
			steps = EXCLUDED.steps,
			updated_at = NOW()`,
		def.TenantID, def.ID, def.Name, def.Description, def.Version, def.Active, steps,
		nullTime(def.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("semflow/postgres: save workflow: %w", err)
	}
	return nil
}

// GetDefinition returns a tenant's definition.
func (s *Store) GetDefinition(ctx context.Context, tenantID, id string) (*workflow.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, name, description, version, active, steps, created_at
		FROM semflow_workflows
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: workflow %s", workflow.ErrNotFound, id)
		}
		return nil, fmt.Errorf("semflow/postgres: get workflow: %w", err)
	}
	return def, nil
}

// ListDefinitions returns a tenant's definitions ordered by ID.
func (s *Store) ListDefinitions(ctx context.Context, tenantID string) ([]*workflow.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, id, name, description, version, active, steps, created_at
		FROM semflow_workflows
		WHERE tenant_id = $1
		ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("semflow/postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("semflow/postgres: scan workflow: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

const runColumns = `tenant_id, id, workflow_id, workflow_version, status, current_step,
	input_data, output_data, error_message, execution_time_ms,
	created_at, started_at, completed_at`

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO semflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.TenantID, run.ID, run.WorkflowID, run.WorkflowVersion, string(run.Status), run.CurrentStep,
		run.InputData, run.OutputData, run.ErrorMessage, run.ExecutionTimeMs,
		run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("semflow/postgres: run %s already exists", run.ID)
		}
		return fmt.Errorf("semflow/postgres: create run: %w", err)
	}
	return nil
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE semflow_runs SET
			status = $3, current_step = $4, output_data = $5, error_message = $6,
			execution_time_ms = $7, started_at = $8, completed_at = $9
		WHERE tenant_id = $1 AND id = $2`,
		run.TenantID, run.ID, string(run.Status), run.CurrentStep, run.OutputData, run.ErrorMessage,
		run.ExecutionTimeMs, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("semflow/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", workflow.ErrNotFound, run.ID)
	}
	return nil
}

// GetRun returns a tenant's run.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM semflow_runs
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: run %s", workflow.ErrNotFound, runID)
		}
		return nil, fmt.Errorf("semflow/postgres: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string) ([]*workflow.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM semflow_runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("semflow/postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("semflow/postgres: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveStepExecution inserts or updates a step execution by ID.
func (s *Store) SaveStepExecution(ctx context.Context, step *workflow.StepExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO semflow_step_executions (
			id, tenant_id, run_id, step_index, step_name, agent_type, status,
			input_data, output_data, error_message, retry_count, tokens_used,
			started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output_data = EXCLUDED.output_data,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			tokens_used = EXCLUDED.tokens_used,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		step.ID, step.TenantID, step.RunID, step.StepIndex, step.StepName, step.AgentType, string(step.Status),
		step.InputData, step.OutputData, step.ErrorMessage, step.RetryCount, step.TokensUsed,
		step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("semflow/postgres: save step execution: %w", err)
	}
	return nil
}

// ListStepExecutions returns a run's steps ordered by step index.
func (s *Store) ListStepExecutions(ctx context.Context, tenantID, runID string) ([]*workflow.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, run_id, step_index, step_name, agent_type, status,
			input_data, output_data, error_message, retry_count, tokens_used,
			started_at, completed_at
		FROM semflow_step_executions
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY step_index, started_at`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("semflow/postgres: list step executions: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.StepExecution
	for rows.Next() {
		var (
			step   workflow.StepExecution
			status string
		)
		if err := rows.Scan(
			&step.ID, &step.TenantID, &step.RunID, &step.StepIndex, &step.StepName, &step.AgentType, &status,
			&step.InputData, &step.OutputData, &step.ErrorMessage, &step.RetryCount, &step.TokensUsed,
			&step.StartedAt, &step.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("semflow/postgres: scan step execution: %w", err)
		}
		step.Status = workflow.StepStatus(status)
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func scanDefinition(row pgx.Row) (*workflow.Definition, error) {
	var (
		def   workflow.Definition
		steps []byte
	)
	if err := row.Scan(
		&def.TenantID, &def.ID, &def.Name, &def.Description, &def.Version, &def.Active, &steps, &def.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of workflow %s: %w", def.ID, err)
	}
	return &def, nil
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		run    workflow.Run
		status string
	)
	if err := row.Scan(
		&run.TenantID, &run.ID, &run.WorkflowID, &run.WorkflowVersion, &status, &run.CurrentStep,
		&run.InputData, &run.OutputData, &run.ErrorMessage, &run.ExecutionTimeMs,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	); err != nil {
		return nil, err
	}
	run.Status = workflow.RunStatus(status)
	return &run, nil
}
