package runtime

import (
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans task lifecycle events out to subscribers, one topic per
// task record. It is safe for concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving after the
// task finished gets a closed channel instead of waiting forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.TaskEvent
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel receiving the events of a task record and an
// unsubscribe function. The channel is already closed when the task has
// finished.
func (b *EventBroker) Subscribe(recordID string) (<-chan model.TaskEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[recordID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.TaskEvent)}
		b.topics[recordID] = t
	}

	ch := make(chan model.TaskEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to every subscriber of the task record, dropping it
// for subscribers whose buffers are full.
func (b *EventBroker) Publish(recordID string, ev model.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[recordID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream of a task record: subscriber channels are closed and
// later subscribers get a closed channel.
func (b *EventBroker) Close(recordID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[recordID]
	if !ok {
		b.topics[recordID] = &eventTopic{subs: make(map[int]chan model.TaskEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
