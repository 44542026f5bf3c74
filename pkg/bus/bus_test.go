package bus

import (
	"context"
	"testing"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	defer mb.Unsubscribe(ch)

	mb.PublishInbound(InboundMessage{ChatID: "a@s.whatsapp.net", Kind: "text"})
	mb.PublishQRCode(QRCodeEvent{Event: "code", Code: "2@abc"})

	select {
	case evt := <-ch:
		if evt.Type != "inbound" || evt.Inbound.ChatID != "a@s.whatsapp.net" {
			t.Errorf("unexpected first event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
	select {
	case evt := <-ch:
		if evt.Type != "qr_code" || evt.QRCode.Code != "2@abc" {
			t.Errorf("unexpected second event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for qr event")
	}
}

func TestPublishSkipsFullObserver(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	defer mb.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			mb.PublishOutbound(OutboundMessage{ChatID: "x", Kind: "text"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow observer")
	}
	if len(ch) != cap(ch) {
		t.Errorf("expected observer buffer to be full, got %d/%d", len(ch), cap(ch))
	}
	if got := mb.Dropped(); got != uint64(200-cap(ch)) {
		t.Errorf("dropped = %d, want %d", got, 200-cap(ch))
	}
}

func TestEventsCarryIncreasingSeq(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	defer mb.Unsubscribe(ch)

	mb.PublishConnection(ConnectionEvent{State: "open", Generation: 1})
	mb.PublishConnection(ConnectionEvent{State: "closing", Generation: 1})
	first, second := <-ch, <-ch
	if first.Type != EventConnection || second.Seq != first.Seq+1 {
		t.Errorf("seq = %d then %d", first.Seq, second.Seq)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	mb.Close()
	mb.Close()
	mb.PublishInbound(InboundMessage{ChatID: "x"})
	if _, ok := <-ch; ok {
		t.Error("observer should be closed by Close")
	}
	if _, ok := <-mb.Subscribe(); ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
	mb.Unsubscribe(ch)

	var nilBus *MessageBus
	nilBus.PublishOutbound(OutboundMessage{ChatID: "x"})
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.Subscribe()
	mb.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Unsubscribe")
	}
}

func TestEventQueueBatchesPendingEventsInOrder(t *testing.T) {
	q := NewEventQueue(16, 3)
	for i := 0; i < 5; i++ {
		q.Publish(protocol.ContactUpdate{ID: string(rune('a' + i))})
	}

	ctx := context.Background()
	first, ok := q.Next(ctx)
	if !ok {
		t.Fatal("expected a batch")
	}
	if len(first.Events) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(first.Events))
	}
	if first.ID == "" {
		t.Error("expected batch id")
	}
	second, _ := q.Next(ctx)
	if len(second.Events) != 2 {
		t.Fatalf("expected remaining 2 events, got %d", len(second.Events))
	}

	var ids []string
	for _, b := range []protocol.Batch{first, second} {
		for _, evt := range b.Events {
			ids = append(ids, evt.(protocol.ContactUpdate).ID)
		}
	}
	if got := ids[0] + ids[1] + ids[2] + ids[3] + ids[4]; got != "abcde" {
		t.Errorf("order = %q, want abcde", got)
	}
}

func TestEventQueueStopReleasesProducerAndConsumer(t *testing.T) {
	q := NewEventQueue(1, 1)
	q.Publish(protocol.CredentialsUpdate{})

	blocked := make(chan bool)
	go func() {
		blocked <- q.Publish(protocol.CredentialsUpdate{})
	}()

	q.Stop()
	select {
	case ok := <-blocked:
		if ok {
			t.Error("publish after stop should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Stop")
	}

	if _, ok := q.Next(context.Background()); ok {
		// A buffered event may still be drained; the next call must report closed.
		if _, ok := q.Next(context.Background()); ok {
			t.Error("expected Next to report stopped queue")
		}
	}
	q.Stop()
}

func TestEventQueueNextHonoursContext(t *testing.T) {
	q := NewEventQueue(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Next(ctx); ok {
		t.Error("expected Next to give up when context expires")
	}
}
