package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/semflow/events"
	"github.com/c360studio/semflow/natsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker(t *testing.T) {
	ctx := context.Background()
	b := events.NewBroker(nil)

	run1, _ := b.Subscribe("run-1", 8)
	all, unsubscribe := b.Subscribe("", 8)
	defer unsubscribe()

	require.NoError(t, b.Publish(ctx, events.Event{Type: events.TypeStatus, RunID: "run-1", Status: "running"}))
	require.NoError(t, b.Publish(ctx, events.Event{Type: events.TypeStatus, RunID: "run-2", Status: "running"}))
	require.NoError(t, b.Publish(ctx, events.Event{Type: events.TypeCompleted, RunID: "run-1", Status: "completed"}))

	var got []events.Event
	for e := range run1 {
		got = append(got, e)
	}
	require.Len(t, got, 2, "run subscription closes after completed")
	assert.Equal(t, events.TypeCompleted, got[1].Type)

	assert.Len(t, all, 3)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := events.NewBroker(nil)
	ch, unsubscribe := b.Subscribe("run-1", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = b.Publish(context.Background(), events.Event{Type: events.TypeOutput, RunID: "run-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestBroker_CompletedReachesFullSubscriber(t *testing.T) {
	ctx := context.Background()
	b := events.NewBroker(nil)
	ch, _ := b.Subscribe("run-1", 2)

	require.NoError(t, b.Publish(ctx, events.Event{Type: events.TypeStatus, RunID: "run-1", Status: "running"}))
	require.NoError(t, b.Publish(ctx, events.Event{Type: events.TypeStepChange, RunID: "run-1", StepIndex: 0}))
	require.NoError(t, b.Publish(ctx, events.Event{Type: events.TypeCompleted, RunID: "run-1", Status: "completed", DurationMs: 42}))

	var got []events.Type
	var last events.Event
	for e := range ch {
		got = append(got, e.Type)
		last = e
	}
	assert.Equal(t, []events.Type{events.TypeStepChange, events.TypeCompleted}, got)
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, int64(42), last.DurationMs)
	assert.Zero(t, b.Subscribers())
}

type failing struct{}

func (failing) Publish(context.Context, events.Event) error { return errors.New("down") }

func TestMulti(t *testing.T) {
	b := events.NewBroker(nil)
	ch, _ := b.Subscribe("", 4)

	err := events.Multi{failing{}, b}.Publish(context.Background(), events.Event{Type: events.TypeStatus, RunID: "r"})
	require.Error(t, err)
	assert.Len(t, ch, 1, "one failing publisher does not stop the others")
}

func TestNATSPublisher(t *testing.T) {
	conn, err := natsutil.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	defer conn.Close()

	pub := events.NewNATSPublisher(conn.NC, "")
	sub, err := conn.NC.SubscribeSync(pub.RunSubject("acme", "run.1"))
	require.NoError(t, err)

	event := events.Event{Type: events.TypeStepChange, RunID: "run.1", TenantID: "acme", StepIndex: 2, StepName: "send_email"}
	assert.Equal(t, "semflow.events.acme.run_2E1.step_change", pub.Subject(event))
	require.NoError(t, pub.Publish(context.Background(), event))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, events.TypeStepChange, got.Type)
	assert.Equal(t, 2, got.StepIndex)
	assert.Equal(t, "send_email", got.StepName)
}
