// Package runstate persists the variable bag, status, step cursor and
// history of a single workflow run.
package runstate

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Store is the state of one run. The engine goroutine driving the run is its
// only writer; the mutex guards readers such as progress queries.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	state *State
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store over backend. Call Init or Load before use.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the state of a new run in pending, seeded with variables.
func (s *Store) Init(ctx context.Context, runID, workflowID, tenantID string, variables map[string]any) error {
	now := s.now()
	state := &State{
		RunID:      runID,
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Status:     StatusPending,
		Variables:  maps.Clone(variables),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if state.Variables == nil {
		state.Variables = make(map[string]any)
	}

	rev, err := s.backend.Create(ctx, state)
	if err != nil {
		return fmt.Errorf("init run %s: %w", runID, err)
	}
	state.Revision = rev

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

// Load replaces the in-memory state with the stored one.
func (s *Store) Load(ctx context.Context, tenantID, runID string) error {
	state, err := s.backend.Load(ctx, tenantID, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

// Save persists the current state.
func (s *Store) Save(ctx context.Context) error {
	return s.mutate(ctx, func(*State) error { return nil })
}

// UpdateStatus moves the run to status along the lifecycle.
func (s *Store) UpdateStatus(ctx context.Context, status Status) error {
	return s.mutate(ctx, func(st *State) error {
		if err := st.Status.Transition(status); err != nil {
			return err
		}
		st.Status = status
		return nil
	})
}

// AdvanceStep moves the step cursor forward by one.
func (s *Store) AdvanceStep(ctx context.Context) error {
	return s.mutate(ctx, func(st *State) error {
		st.CurrentStep++
		return nil
	})
}

// AdvanceTo moves the step cursor to step. The cursor never moves back.
func (s *Store) AdvanceTo(ctx context.Context, step int) error {
	return s.mutate(ctx, func(st *State) error {
		if step < st.CurrentStep {
			return fmt.Errorf("step cursor cannot move back from %d to %d", st.CurrentStep, step)
		}
		st.CurrentStep = step
		return nil
	})
}

// AddHistoryEntry appends an audit record.
func (s *Store) AddHistoryEntry(ctx context.Context, event string, details map[string]any) error {
	return s.mutate(ctx, func(st *State) error {
		st.History = append(st.History, HistoryEntry{
			Event:     event,
			Details:   maps.Clone(details),
			Timestamp: s.now(),
		})
		return nil
	})
}

// SetVariables merges vars into the run's variables.
func (s *Store) SetVariables(ctx context.Context, vars map[string]any) error {
	if len(vars) == 0 {
		return nil
	}
	return s.mutate(ctx, func(st *State) error {
		maps.Copy(st.Variables, vars)
		return nil
	})
}

// mutate applies fn to a copy and commits it once the backend accepts it,
// so a failed save leaves the in-memory state unchanged.
func (s *Store) mutate(ctx context.Context, fn func(*State) error) error {
	s.mu.RLock()
	current := s.state
	s.mu.RUnlock()
	if current == nil {
		return fmt.Errorf("run state not initialized")
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now()

	rev, err := s.backend.Save(ctx, next)
	if err != nil {
		s.logger.Warn("Failed to persist run state", "run_id", next.RunID, "error", err)
		return fmt.Errorf("save run %s: %w", next.RunID, err)
	}
	next.Revision = rev

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	return nil
}

// Variable returns one run variable.
func (s *Store) Variable(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, false
	}
	v, ok := s.state.Variables[name]
	return v, ok
}

// Variables returns a copy of the run variables.
func (s *Store) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil
	}
	return maps.Clone(s.state.Variables)
}

// Status returns the run status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return ""
	}
	return s.state.Status
}

// CurrentStep returns the step cursor.
func (s *Store) CurrentStep() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return 0
	}
	return s.state.CurrentStep
}

// Snapshot returns a copy of the full state.
func (s *Store) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil
	}
	return s.state.Clone()
}
