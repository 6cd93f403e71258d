package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semflow/runstate"
)

// RunStatus is the lifecycle state of a run, shared with runstate.
type RunStatus = runstate.Status

// Run statuses.
const (
	RunPending   = runstate.StatusPending
	RunRunning   = runstate.StatusRunning
	RunCompleted = runstate.StatusCompleted
	RunFailed    = runstate.StatusFailed
	RunCancelled = runstate.StatusCancelled
)

var (
	// ErrNotFound is returned for a missing or inactive definition, run or
	// step.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = runstate.ErrInvalidTransition

	// ErrRunActive is returned when a run is already being driven.
	ErrRunActive = errors.New("run is active")
)

// Run is one execution of a definition.
type Run struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	TenantID        string         `json:"tenant_id"`
	Status          RunStatus      `json:"status"`
	CurrentStep     int            `json:"current_step"`
	InputData       map[string]any `json:"input_data,omitempty"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Transition moves r to next, stamping start and completion times.
func (r *Run) Transition(next RunStatus, now time.Time) error {
	if err := r.Status.Transition(next); err != nil {
		return fmt.Errorf("run %s: %w", r.ID, err)
	}
	r.Status = next
	switch {
	case next == RunRunning:
		r.StartedAt = &now
	case next.IsTerminal():
		r.CompletedAt = &now
		if r.StartedAt != nil {
			r.ExecutionTimeMs = now.Sub(*r.StartedAt).Milliseconds()
		}
	}
	return nil
}

// AdvanceTo moves the step cursor forward. It never moves back.
func (r *Run) AdvanceTo(step int) {
	if step > r.CurrentStep {
		r.CurrentStep = step
	}
}

// StepStatus is the state of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether s is final.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// CanTransitionTo reports whether s may move to next. A running step that
// fails but is optional ends skipped.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepRunning || next == StepSkipped
	case StepRunning:
		return next.IsTerminal()
	}
	return false
}

// StepExecution is one dispatch of one step. Several may exist for the same
// step index; the latest is authoritative.
type StepExecution struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	TenantID     string         `json:"tenant_id"`
	StepIndex    int            `json:"step_index"`
	StepName     string         `json:"step_name"`
	AgentType    string         `json:"agent_type"`
	Status       StepStatus     `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	TokensUsed   int            `json:"tokens_used"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Transition moves the step to next.
func (s *StepExecution) Transition(next StepStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("step %s: %w: %s -> %s", s.StepName, ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	if next == StepRunning {
		s.StartedAt = &now
	} else if next.IsTerminal() {
		s.CompletedAt = &now
	}
	return nil
}

// Duration is the time between start and completion.
func (s *StepExecution) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
