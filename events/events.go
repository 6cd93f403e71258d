// Package events carries run progress to watchers: an in-process broker for
// live streams and a NATS publisher for other processes.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names a progress event.
type Type string

const (
	TypeStatus     Type = "status"
	TypeStepChange Type = "step_change"
	TypeOutput     Type = "output"
	TypeCompleted  Type = "completed"
)

// Event is one progress update of a run. Completed is always the last event
// of a run and carries the final status and duration.
type Event struct {
	Type       Type           `json:"event"`
	RunID      string         `json:"run_id"`
	TenantID   string         `json:"tenant_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	StepIndex  int            `json:"step_index"`
	StepName   string         `json:"step_name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Multi publishes to every publisher, joining their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
