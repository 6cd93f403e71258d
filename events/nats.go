package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/semflow/natsutil"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots event subjects.
const DefaultSubjectPrefix = "semflow.events"

// NATSPublisher publishes events as JSON on
// <prefix>.<tenant>.<run>.<event>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event Event) string {
	return strings.Join([]string{p.prefix, natsutil.Token(event.TenantID), natsutil.Token(event.RunID), string(event.Type)}, ".")
}

// RunSubject is the wildcard subject matching every event of a run.
func (p *NATSPublisher) RunSubject(tenantID, runID string) string {
	return strings.Join([]string{p.prefix, natsutil.Token(tenantID), natsutil.Token(runID), ">"}, ".")
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

