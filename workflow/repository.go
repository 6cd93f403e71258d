package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// Repository persists definitions, runs and step executions, scoped by
// tenant. Implementations return errors wrapping ErrNotFound for missing
// records.
type Repository interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, tenantID, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, tenantID string) ([]*Definition, error)

	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*Run, error)
	ListRuns(ctx context.Context, tenantID string) ([]*Run, error)

	SaveStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, tenantID, runID string) ([]*StepExecution, error)
}

// MemoryRepository is an in-process Repository. It stores and returns
// copies.
type MemoryRepository struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	runs  map[string]*Run
	steps map[string][]*StepExecution
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		defs:  make(map[string]*Definition),
		runs:  make(map[string]*Run),
		steps: make(map[string][]*StepExecution),
	}
}

func scoped(tenantID, id string) string {
	return tenantID + "/" + id
}

func (m *MemoryRepository) SaveDefinition(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[scoped(def.TenantID, def.ID)] = cloneDefinition(def)
	return nil
}

func (m *MemoryRepository) GetDefinition(_ context.Context, tenantID, id string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[scoped(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return cloneDefinition(def), nil
}

func (m *MemoryRepository) ListDefinitions(_ context.Context, tenantID string) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Definition
	for _, def := range m.defs {
		if def.TenantID == tenantID {
			out = append(out, cloneDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(run.TenantID, run.ID)
	if _, exists := m.runs[key]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[key] = cloneRun(run)
	return nil
}

func (m *MemoryRepository) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(run.TenantID, run.ID)
	if _, exists := m.runs[key]; !exists {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	m.runs[key] = cloneRun(run)
	return nil
}

func (m *MemoryRepository) GetRun(_ context.Context, tenantID, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[scoped(tenantID, runID)]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return cloneRun(run), nil
}

func (m *MemoryRepository) ListRuns(_ context.Context, tenantID string) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, run := range m.runs {
		if run.TenantID == tenantID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) SaveStepExecution(_ context.Context, step *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scoped(step.TenantID, step.RunID)
	list := m.steps[key]
	for i, existing := range list {
		if existing.ID == step.ID {
			list[i] = cloneStep(step)
			return nil
		}
	}
	m.steps[key] = append(list, cloneStep(step))
	return nil
}

func (m *MemoryRepository) ListStepExecutions(_ context.Context, tenantID, runID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.steps[scoped(tenantID, runID)]
	out := make([]*StepExecution, len(list))
	for i, s := range list {
		out[i] = cloneStep(s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func cloneDefinition(d *Definition) *Definition {
	c := *d
	c.Steps = slices.Clone(d.Steps)
	return &c
}

func cloneRun(r *Run) *Run {
	c := *r
	c.InputData = maps.Clone(r.InputData)
	c.OutputData = maps.Clone(r.OutputData)
	return &c
}

func cloneStep(s *StepExecution) *StepExecution {
	c := *s
	c.InputData = maps.Clone(s.InputData)
	c.OutputData = maps.Clone(s.OutputData)
	return &c
}
