package runstate

import (
	"maps"
	"slices"
	"time"
)

// HistoryEntry is one append-only audit record of a run.
type HistoryEntry struct {
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// State is the persisted state of one run.
type State struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	TenantID    string         `json:"tenant_id"`
	Status      Status         `json:"status"`
	CurrentStep int            `json:"current_step"`
	Variables   map[string]any `json:"variables"`
	History     []HistoryEntry `json:"history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Revision is the backend's version of the stored record. Saves are
	// rejected with ErrConflict when it is stale.
	Revision uint64 `json:"-"`
}

// Clone copies s. Variable values are shared; the engine only replaces
// top-level keys.
func (s *State) Clone() *State {
	c := *s
	c.Variables = maps.Clone(s.Variables)
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.History = slices.Clone(s.History)
	return &c
}
