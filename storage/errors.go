package storage

import (
	"errors"
	"fmt"

	"github.com/c360studio/semflow/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// notFound maps a missing KV key onto workflow.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s %s", workflow.ErrNotFound, what, id)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}
