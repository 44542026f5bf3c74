package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Observed event types.
const (
	EventInbound    = "inbound"
	EventOutbound   = "outbound"
	EventQRCode     = "qr_code"
	EventConnection = "connection"
)

const observerBuffer = 50

// BusEvent is one observed event, streamed to the dashboard. Seq increases
// by one per published event so observers can tell when they missed some.
type BusEvent struct {
	Seq        uint64           `json:"seq"`
	Type       string           `json:"type"`
	Inbound    *InboundMessage  `json:"inbound,omitempty"`
	Outbound   *OutboundMessage `json:"outbound,omitempty"`
	QRCode     *QRCodeEvent     `json:"qr_code,omitempty"`
	Connection *ConnectionEvent `json:"connection,omitempty"`
	Time       time.Time        `json:"time"`
}

// MessageBus fans observed events out to subscribers. Publishing never
// blocks: an observer whose buffer is full misses the event, which is
// counted in Dropped. A nil bus discards everything.
type MessageBus struct {
	mu        sync.RWMutex
	observers map[chan BusEvent]struct{}
	closed    bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewMessageBus() *MessageBus {
	return &MessageBus{observers: make(map[chan BusEvent]struct{})}
}

// Subscribe returns a channel that receives every event published from
// now on. After Close it returns an already closed channel.
func (mb *MessageBus) Subscribe() chan BusEvent {
	ch := make(chan BusEvent, observerBuffer)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		close(ch)
		return ch
	}
	mb.observers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (mb *MessageBus) Unsubscribe(ch chan BusEvent) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if _, ok := mb.observers[ch]; ok {
		delete(mb.observers, ch)
		close(ch)
	}
}

// Dropped returns how many deliveries were skipped because an observer
// was full.
func (mb *MessageBus) Dropped() uint64 {
	if mb == nil {
		return 0
	}
	return mb.dropped.Load()
}

func (mb *MessageBus) publish(event BusEvent) {
	if mb == nil {
		return
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	event.Seq = mb.seq.Add(1)
	event.Time = time.Now()
	for obs := range mb.observers {
		select {
		case obs <- event:
		default:
			mb.dropped.Add(1)
		}
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.publish(BusEvent{Type: EventInbound, Inbound: &msg})
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.publish(BusEvent{Type: EventOutbound, Outbound: &msg})
}

func (mb *MessageBus) PublishQRCode(event QRCodeEvent) {
	mb.publish(BusEvent{Type: EventQRCode, QRCode: &event})
}

func (mb *MessageBus) PublishConnection(event ConnectionEvent) {
	mb.publish(BusEvent{Type: EventConnection, Connection: &event})
}

// Close closes every observer channel. Later publishes are dropped.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	for obs := range mb.observers {
		close(obs)
	}
	mb.observers = nil
}
