package events

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

type subscriber struct {
	runID string
	ch    chan Event
}

// Broker fans events out to in-process subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event, except for a run's
// completed event, which replaces the oldest buffered one.
type Broker struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// NewBroker creates a broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger, subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of events for runID, or for every run when
// runID is empty. A run subscription is closed after the run's completed
// event. The returned function unsubscribes and closes the channel.
func (b *Broker) Subscribe(runID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{runID: runID, ch: make(chan Event, buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers event to matching subscribers.
func (b *Broker) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		terminal := sub.runID != "" && event.Type == TypeCompleted
		b.deliver(sub, event, terminal)
		if terminal {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return nil
}

// deliver sends event without blocking. With evict set a full buffer gives
// up its oldest event so this one always lands. Callers hold b.mu, so no
// other send can take the freed slot.
func (b *Broker) deliver(sub *subscriber, event Event, evict bool) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	if !evict {
		b.logger.Debug("Dropping event for slow subscriber", "run_id", event.RunID, "event", event.Type)
		return
	}
	select {
	case dropped := <-sub.ch:
		b.logger.Debug("Evicting event for slow subscriber", "run_id", event.RunID, "event", dropped.Type)
	default:
	}
	sub.ch <- event
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
