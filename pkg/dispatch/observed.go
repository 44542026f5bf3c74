package dispatch

import (
	"context"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// observedHandle publishes every outbound send to the bus.
type observedHandle struct {
	protocol.Handle
	bus *bus.MessageBus
}

func (o *observedHandle) SendMessage(ctx context.Context, chatID string, content protocol.Content, opts ...protocol.SendOption) (string, error) {
	id, err := o.Handle.SendMessage(ctx, chatID, content, opts...)

	out := bus.OutboundMessage{
		ChatID:    chatID,
		MessageID: id,
		Kind:      protocol.KindOf(content),
	}
	switch c := content.(type) {
	case protocol.Text:
		out.Content = c.Body
	case protocol.Image:
		out.Content = c.Caption
	}
	if err != nil {
		out.Error = err.Error()
	}
	o.bus.PublishOutbound(out)
	return id, err
}
