package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ToolCallsBucket is the KV bucket holding tool call records.
const ToolCallsBucket = "SEMFLOW_TOOL_CALLS"

// Truncation limits for stored tool parameters and results.
const (
	MaxStoredParams = 1000
	MaxStoredResult = 2000
)

// ToolCallRecord describes one tool execution inside an agent loop.
type ToolCallRecord struct {
	CallID      string    `json:"call_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	StepName    string    `json:"step_name,omitempty"`
	ToolName    string    `json:"tool_name"`
	Parameters  string    `json:"parameters"`
	Result      string    `json:"result"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// NewToolCallRecord fills a record from a finished call, truncating the
// parameters and result for storage.
func NewToolCallRecord(ctx context.Context, call ToolCall, result string, callErr string, started time.Time) *ToolCallRecord {
	tc := GetTraceContext(ctx)
	params, _ := json.Marshal(call.Arguments)
	status := "success"
	if callErr != "" {
		status = "error"
	}
	now := time.Now()
	return &ToolCallRecord{
		CallID:      call.ID,
		TraceID:     tc.TraceID,
		TenantID:    tc.TenantID,
		RunID:       tc.RunID,
		StepName:    tc.StepName,
		ToolName:    call.Name,
		Parameters:  truncate(string(params), MaxStoredParams),
		Result:      truncate(result, MaxStoredResult),
		Status:      status,
		Error:       callErr,
		StartedAt:   started,
		CompletedAt: now,
		DurationMs:  now.Sub(started).Milliseconds(),
	}
}

// ToolCallStore keeps tool call records in a JetStream KV bucket keyed by
// {run_id}.{call_id}.
type ToolCallStore struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewToolCallStore creates or updates the tool calls bucket.
func NewToolCallStore(ctx context.Context, js jetstream.JetStream, ttl time.Duration, logger *slog.Logger) (*ToolCallStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream required")
	}
	if ttl == 0 {
		ttl = DefaultCallsTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ToolCallsBucket,
		Description: "Tool call records for run trajectories",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &ToolCallStore{bucket: bucket, logger: logger}, nil
}

// Store saves a tool call record.
func (s *ToolCallStore) Store(ctx context.Context, record *ToolCallRecord) error {
	if record.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.bucket.Put(ctx, recordKey(record.RunID, record.CallID), data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetByRun returns a run's tool call records, oldest first.
func (s *ToolCallStore) GetByRun(ctx context.Context, runID string) ([]*ToolCallRecord, error) {
	records, err := listByPrefix[ToolCallRecord](ctx, s.bucket, runID, s.logger)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}
