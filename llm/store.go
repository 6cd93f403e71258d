package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semflow/natsutil"
	"github.com/nats-io/nats.go/jetstream"
)

// CallsBucket is the KV bucket holding LLM call records.
const CallsBucket = "SEMFLOW_LLM_CALLS"

// DefaultCallsTTL is how long call records are kept.
const DefaultCallsTTL = 7 * 24 * time.Hour

// CallRecord describes one Client call for trajectory inspection.
type CallRecord struct {
	RequestID        string    `json:"request_id"`
	TraceID          string    `json:"trace_id,omitempty"`
	TenantID         string    `json:"tenant_id,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	StepName         string    `json:"step_name,omitempty"`
	Capability       string    `json:"capability,omitempty"`
	Endpoint         string    `json:"endpoint,omitempty"`
	Model            string    `json:"model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Operation        string    `json:"operation"`
	MessageCount     int       `json:"message_count"`
	Response         string    `json:"response,omitempty"`
	ToolCalls        int       `json:"tool_calls,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost,omitempty"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMs       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
	Retries          int       `json:"retries"`
	FallbacksUsed    []string  `json:"fallbacks_used,omitempty"`
}

// CallRecorder persists call records. Failures never affect the call.
type CallRecorder interface {
	Store(ctx context.Context, record *CallRecord) error
}

// CallStore keeps call records in a JetStream KV bucket keyed by
// {run_id}.{request_id} so a run's calls can be listed by prefix.
type CallStore struct {
	bucket jetstream.KeyValue
	ttl    time.Duration
	logger *slog.Logger
}

// CallStoreOption configures a CallStore.
type CallStoreOption func(*CallStore)

// WithCallsTTL sets the record TTL.
func WithCallsTTL(ttl time.Duration) CallStoreOption {
	return func(s *CallStore) {
		s.ttl = ttl
	}
}

// WithCallStoreLogger sets the logger.
func WithCallStoreLogger(logger *slog.Logger) CallStoreOption {
	return func(s *CallStore) {
		s.logger = logger
	}
}

// NewCallStore creates or updates the calls bucket.
func NewCallStore(ctx context.Context, js jetstream.JetStream, opts ...CallStoreOption) (*CallStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream required")
	}
	s := &CallStore{ttl: DefaultCallsTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      CallsBucket,
		Description: "LLM call records for run trajectories",
		TTL:         s.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	s.bucket = bucket
	return s, nil
}

// Store saves a call record.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.bucket.Put(ctx, recordKey(record.RunID, record.RequestID), data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetByRun returns a run's call records, oldest first.
func (s *CallStore) GetByRun(ctx context.Context, runID string) ([]*CallRecord, error) {
	records, err := listByPrefix[CallRecord](ctx, s.bucket, runID, s.logger)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

func recordKey(runID, id string) string {
	if runID == "" {
		return natsutil.Token(id)
	}
	return natsutil.Key(runID, id)
}

// listByPrefix loads every JSON record whose key starts with prefix + ".".
func listByPrefix[T any](ctx context.Context, bucket jetstream.KeyValue, prefix string, logger *slog.Logger) ([]*T, error) {
	if prefix == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	prefix = natsutil.Token(prefix)

	keys, err := bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*T{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	records := make([]*T, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix+".") {
			continue
		}
		entry, err := bucket.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				logger.Warn("Failed to get key", "key", key, "error", err)
			}
			continue
		}
		var record T
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			logger.Warn("Failed to unmarshal record", "key", key, "error", err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

type traceContextKey struct{}

// TraceContext correlates LLM and tool calls with the run and step that
// issued them.
type TraceContext struct {
	TraceID  string
	TenantID string
	RunID    string
	StepName string
}

// WithTraceContext attaches tc to ctx.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext returns the TraceContext on ctx, or the zero value.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
