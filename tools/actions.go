package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semflow/actions"
)

// Execution context keys merged into tool arguments by the agent executor.
const (
	ContextTenantID       = "tenant_id"
	ContextRunID          = "run_id"
	ContextStepName       = "step_name"
	ContextIdempotencyKey = "idempotency_key"
)

// RegisterActions exposes every action the executor's kind serves as a tool
// named after the action. Context keys are stripped from the parameters,
// except tenant_id, which providers use for scoping.
func RegisterActions(reg *Registry, exec actions.Executor) error {
	for _, action := range actions.ForKind(exec.Kind()) {
		spec := action.Describe()
		err := reg.Register(Tool{
			Name:         string(action),
			Description:  spec.Description,
			Parameters:   spec.Parameters,
			Category:     string(exec.Kind()),
			RequiresAuth: true,
			Handler:      actionHandler(exec, action),
		})
		if err != nil {
			return fmt.Errorf("register %s action %s: %w", exec.Name(), action, err)
		}
	}
	return nil
}

func actionHandler(exec actions.Executor, action actions.Action) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		key, _ := args[ContextIdempotencyKey].(string)
		params := make(map[string]any, len(args))
		for k, v := range args {
			switch k {
			case ContextRunID, ContextStepName, ContextIdempotencyKey:
				continue
			}
			params[k] = v
		}
		if key != "" {
			key = idempotencyKey(key, action, params)
		}
		return exec.ExecuteWithRetry(ctx, action, params, key)
	}
}

// idempotencyKey scopes base to one action and argument set, so a retried
// step replays identical calls without collapsing distinct ones.
func idempotencyKey(base string, action actions.Action, params map[string]any) string {
	data, _ := json.Marshal(params)
	sum := sha256.Sum256(data)
	return base + "/" + string(action) + "/" + hex.EncodeToString(sum[:8])
}
