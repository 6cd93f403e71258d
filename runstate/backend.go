package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned when no state exists for a run.
	ErrNotFound = errors.New("run state not found")

	// ErrConflict is returned when a save races another writer or a create
	// finds an existing run.
	ErrConflict = errors.New("run state conflict")
)

// Backend persists run state keyed by tenant and run.
type Backend interface {
	// Create stores a new run and returns its first revision.
	Create(ctx context.Context, state *State) (uint64, error)

	// Load returns the stored state with its current revision.
	Load(ctx context.Context, tenantID, runID string) (*State, error)

	// Save replaces the stored state if state.Revision is current.
	Save(ctx context.Context, state *State) (uint64, error)

	// Delete removes a run.
	Delete(ctx context.Context, tenantID, runID string) error
}

type memoryRecord struct {
	data     []byte
	revision uint64
}

// MemoryBackend keeps run state in process. Records are stored encoded so
// callers never share maps with the backend.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	seq     uint64
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]memoryRecord)}
}

func memoryKey(tenantID, runID string) string {
	return tenantID + "/" + runID
}

func (m *MemoryBackend) Create(_ context.Context, state *State) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal run state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(state.TenantID, state.RunID)
	if _, exists := m.records[key]; exists {
		return 0, fmt.Errorf("%w: run %s already exists", ErrConflict, state.RunID)
	}
	m.seq++
	m.records[key] = memoryRecord{data: data, revision: m.seq}
	return m.seq, nil
}

func (m *MemoryBackend) Load(_ context.Context, tenantID, runID string) (*State, error) {
	m.mu.Lock()
	rec, ok := m.records[memoryKey(tenantID, runID)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	var state State
	if err := json.Unmarshal(rec.data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	state.Revision = rec.revision
	return &state, nil
}

func (m *MemoryBackend) Save(_ context.Context, state *State) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal run state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(state.TenantID, state.RunID)
	rec, ok := m.records[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, state.RunID)
	}
	if rec.revision != state.Revision {
		return 0, fmt.Errorf("%w: run %s at revision %d, have %d", ErrConflict, state.RunID, rec.revision, state.Revision)
	}
	m.seq++
	m.records[key] = memoryRecord{data: data, revision: m.seq}
	return m.seq, nil
}

func (m *MemoryBackend) Delete(_ context.Context, tenantID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(tenantID, runID)
	if _, ok := m.records[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	delete(m.records, key)
	return nil
}
