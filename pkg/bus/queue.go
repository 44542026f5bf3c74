package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// DefaultMaxBatch bounds how many queued events are folded into one batch.
const DefaultMaxBatch = 64

// EventQueue turns the collaborator's event callbacks into ordered batches.
// One queue belongs to one session generation; Stop releases any producer
// still holding a reference after the generation is gone.
type EventQueue struct {
	events   chan protocol.Event
	done     chan struct{}
	once     sync.Once
	maxBatch int
}

// NewEventQueue creates a queue with the given buffer size.
func NewEventQueue(size, maxBatch int) *EventQueue {
	if size <= 0 {
		size = 256
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &EventQueue{
		events:   make(chan protocol.Event, size),
		done:     make(chan struct{}),
		maxBatch: maxBatch,
	}
}

// Publish enqueues evt, blocking while the queue is full. It returns false
// once the queue is stopped.
func (q *EventQueue) Publish(evt protocol.Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.events <- evt:
		return true
	case <-q.done:
		return false
	}
}

// Next blocks for the first event, then drains whatever else is already
// queued (up to the batch limit) without waiting. Event order is kept.
func (q *EventQueue) Next(ctx context.Context) (protocol.Batch, bool) {
	var first protocol.Event
	select {
	case first = <-q.events:
	case <-q.done:
		return protocol.Batch{}, false
	case <-ctx.Done():
		return protocol.Batch{}, false
	}

	batch := protocol.Batch{
		ID:     uuid.NewString(),
		Events: []protocol.Event{first},
	}
	for len(batch.Events) < q.maxBatch {
		select {
		case evt := <-q.events:
			batch.Events = append(batch.Events, evt)
		default:
			return batch, true
		}
	}
	return batch, true
}

// Stop makes Publish and Next return immediately. Safe to call twice.
func (q *EventQueue) Stop() {
	q.once.Do(func() { close(q.done) })
}
