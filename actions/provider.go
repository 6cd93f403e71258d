package actions

import (
	"context"
)

// Provider executes actions against one external integration. A Provider
// makes a single attempt; Retrying adds the retry policy.
type Provider interface {
	// Name identifies the provider instance, e.g. "hubspot".
	Name() string

	// Kind is the integration family the provider serves.
	Kind() Kind

	// Execute performs action once. idempotencyKey may be empty.
	Execute(ctx context.Context, action Action, params map[string]any, idempotencyKey string) (map[string]any, error)
}

// Executor is what tools call: a provider with its retry policy applied.
type Executor interface {
	Name() string
	Kind() Kind
	ExecuteWithRetry(ctx context.Context, action Action, params map[string]any, idempotencyKey string) (map[string]any, error)
}

// Supports reports whether p serves action.
func Supports(p interface{ Kind() Kind }, action Action) bool {
	return action.Kind() == p.Kind()
}
