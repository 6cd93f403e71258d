package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semflow/natsutil"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket holding run state.
const DefaultBucket = "SEMFLOW_RUN_STATE"

// KVBackend stores run state in a JetStream KV bucket keyed by
// {tenant}.{run}. Saves use the entry revision for optimistic locking.
type KVBackend struct {
	bucket jetstream.KeyValue
}

// NewKVBackend opens or creates bucket.
func NewKVBackend(ctx context.Context, js jetstream.JetStream, bucket string) (*KVBackend, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Semflow workflow run state",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", bucket, err)
	}
	return &KVBackend{bucket: kv}, nil
}

func (b *KVBackend) Create(ctx context.Context, state *State) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal run state: %w", err)
	}
	rev, err := b.bucket.Create(ctx, kvKey(state.TenantID, state.RunID), data)
	if err != nil {
		if isConflict(err) {
			return 0, fmt.Errorf("%w: run %s already exists", ErrConflict, state.RunID)
		}
		return 0, fmt.Errorf("create run state: %w", err)
	}
	return rev, nil
}

func (b *KVBackend) Load(ctx context.Context, tenantID, runID string) (*State, error) {
	entry, err := b.bucket.Get(ctx, kvKey(tenantID, runID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("get run state: %w", err)
	}

	var state State
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	state.Revision = entry.Revision()
	return &state, nil
}

func (b *KVBackend) Save(ctx context.Context, state *State) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal run state: %w", err)
	}
	rev, err := b.bucket.Update(ctx, kvKey(state.TenantID, state.RunID), data, state.Revision)
	if err != nil {
		if isConflict(err) {
			return 0, fmt.Errorf("%w: run %s modified concurrently", ErrConflict, state.RunID)
		}
		return 0, fmt.Errorf("update run state: %w", err)
	}
	return rev, nil
}

func (b *KVBackend) Delete(ctx context.Context, tenantID, runID string) error {
	if err := b.bucket.Delete(ctx, kvKey(tenantID, runID)); err != nil {
		return fmt.Errorf("delete run state: %w", err)
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) || strings.Contains(err.Error(), "wrong last sequence")
}

func kvKey(tenantID, runID string) string {
	return natsutil.Key(tenantID, runID)
}
