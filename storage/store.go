// Package storage persists workflow definitions, runs and step executions
// in NATS JetStream KV buckets.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/semflow/natsutil"
	"github.com/c360studio/semflow/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names.
const (
	BucketWorkflows = "SEMFLOW_WORKFLOWS"
	BucketRuns      = "SEMFLOW_RUNS"
	BucketSteps     = "SEMFLOW_STEPS"
)

var _ workflow.Repository = (*Store)(nil)

// Store is a workflow.Repository backed by NATS KV. Keys are scoped by
// tenant: {tenant}.{workflow}, {tenant}.{run} and {tenant}.{run}.{step}.
type Store struct {
	workflows jetstream.KeyValue
	runs      jetstream.KeyValue
	steps     jetstream.KeyValue
}

// NewStore creates a Store, creating its buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}

	runs, err := getOrCreateBucket(ctx, js, BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	steps, err := getOrCreateBucket(ctx, js, BucketSteps)
	if err != nil {
		return nil, fmt.Errorf("create steps bucket: %w", err)
	}

	return &Store{
		workflows: workflows,
		runs:      runs,
		steps:     steps,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semflow %s storage", strings.ToLower(strings.TrimPrefix(name, "SEMFLOW_"))),
		History:     5,
	})
}

// SaveDefinition stores a definition, replacing any previous version.
func (s *Store) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := put(ctx, s.workflows, key(def.TenantID, def.ID), def); err != nil {
		return fmt.Errorf("store workflow %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition returns a tenant's definition.
func (s *Store) GetDefinition(ctx context.Context, tenantID, id string) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := get(ctx, s.workflows, key(tenantID, id), &def); err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return &def, nil
}

// ListDefinitions returns a tenant's definitions ordered by ID.
func (s *Store) ListDefinitions(ctx context.Context, tenantID string) ([]*workflow.Definition, error) {
	defs, err := list[workflow.Definition](ctx, s.workflows, filter(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// CreateRun stores a new run. It fails if the run exists.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := s.runs.Create(ctx, key(run.TenantID, run.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

// UpdateRun replaces an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	k := key(run.TenantID, run.ID)
	if _, err := s.runs.Get(ctx, k); err != nil {
		return notFound(err, "run", run.ID)
	}
	if err := put(ctx, s.runs, k, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// GetRun returns a tenant's run.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*workflow.Run, error) {
	var run workflow.Run
	if err := get(ctx, s.runs, key(tenantID, runID), &run); err != nil {
		return nil, notFound(err, "run", runID)
	}
	return &run, nil
}

// ListRuns returns a tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string) ([]*workflow.Run, error) {
	runs, err := list[workflow.Run](ctx, s.runs, filter(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// SaveStepExecution inserts or replaces a step execution by ID.
func (s *Store) SaveStepExecution(ctx context.Context, step *workflow.StepExecution) error {
	k := key(step.TenantID, step.RunID, step.ID)
	if err := put(ctx, s.steps, k, step); err != nil {
		return fmt.Errorf("store step %s: %w", step.StepName, err)
	}
	return nil
}

// ListStepExecutions returns a run's steps ordered by step index.
func (s *Store) ListStepExecutions(ctx context.Context, tenantID, runID string) ([]*workflow.StepExecution, error) {
	steps, err := list[workflow.StepExecution](ctx, s.steps, filter(tenantID, runID))
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

func put(ctx context.Context, kv jetstream.KeyValue, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = kv.Put(ctx, k, data)
	return err
}

func get(ctx context.Context, kv jetstream.KeyValue, k string, v any) error {
	entry, err := kv.Get(ctx, k)
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Value(), v)
}

// list decodes every entry whose key matches pattern. Entries that fail to
// load are skipped.
func list[T any](ctx context.Context, kv jetstream.KeyValue, pattern string) ([]*T, error) {
	lister, err := kv.ListKeysFiltered(ctx, pattern)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var out []*T
	for k := range lister.Keys() {
		v := new(T)
		if err := get(ctx, kv, k, v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// key joins the encoded tokens with dots.
func key(tokens ...string) string {
	return natsutil.Key(tokens...)
}

// filter matches every key one level below tokens.
func filter(tokens ...string) string {
	return natsutil.Key(tokens...) + ".*"
}
