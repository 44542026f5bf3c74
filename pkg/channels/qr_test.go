package channels

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

func TestQRSVG(t *testing.T) {
	svg, err := QRSVG("2@abc,def,ghi", 256)
	if err != nil {
		t.Fatalf("QRSVG: %v", err)
	}
	if !strings.HasPrefix(svg, "<svg") || !strings.HasSuffix(svg, "</svg>") {
		t.Errorf("not an svg document: %.40s", svg)
	}
	if !strings.Contains(svg, `width="256"`) {
		t.Error("size not applied")
	}
	if !strings.Contains(svg, "M4 4h") {
		t.Error("top-left finder pattern missing")
	}
}

func TestPrintQR(t *testing.T) {
	var buf bytes.Buffer
	printQR(&buf, "2@abc")
	if !strings.Contains(buf.String(), "Scan this QR code") || buf.Len() < 200 {
		t.Errorf("unexpected QR output (%d bytes)", buf.Len())
	}
}

func runQRLogin(t *testing.T, items ...whatsmeow.QRChannelItem) ([]protocol.Event, []bus.QRCodeEvent) {
	t.Helper()
	msgBus := bus.NewMessageBus()
	observed := msgBus.Subscribe()
	w := NewWhatsApp(Options{Bus: msgBus, Out: &bytes.Buffer{}})

	ch := make(chan whatsmeow.QRChannelItem, len(items))
	for _, item := range items {
		ch <- item
	}
	close(ch)

	var emitted []protocol.Event
	w.watchQR(ch, func(evt protocol.Event) { emitted = append(emitted, evt) })

	msgBus.Close()
	var published []bus.QRCodeEvent
	for evt := range observed {
		published = append(published, *evt.QRCode)
	}
	return emitted, published
}

func TestWatchQRTimeoutClosesConnection(t *testing.T) {
	emitted, published := runQRLogin(t,
		whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@abc"},
		whatsmeow.QRChannelTimeout,
	)
	if len(published) != 2 || published[0].Event != "code" || published[1].Event != "timeout" {
		t.Fatalf("published %+v", published)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted %d events, want 1", len(emitted))
	}
	upd, ok := emitted[0].(protocol.ConnectionUpdate)
	if !ok || upd.State != protocol.ConnectionClosed || upd.Close.Reason != protocol.ReasonFailure {
		t.Errorf("emitted %#v", emitted[0])
	}
	if upd.Close.Terminal() {
		t.Error("a timed out login must allow a reconnect")
	}
}

func TestWatchQRErrorClosesConnection(t *testing.T) {
	emitted, _ := runQRLogin(t, whatsmeow.QRChannelItem{
		Event: whatsmeow.QRChannelEventError,
		Error: errors.New("pair rejected"),
	})
	if len(emitted) != 1 {
		t.Fatalf("emitted %d events, want 1", len(emitted))
	}
	upd := emitted[0].(protocol.ConnectionUpdate)
	if upd.State != protocol.ConnectionClosed || !strings.Contains(upd.Close.Message, "pair rejected") {
		t.Errorf("emitted %#v", upd)
	}
}

func TestWatchQRSuccessKeepsConnection(t *testing.T) {
	emitted, published := runQRLogin(t,
		whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@abc"},
		whatsmeow.QRChannelSuccess,
	)
	if len(emitted) != 0 {
		t.Errorf("success emitted %#v", emitted)
	}
	if len(published) != 2 || published[1].Event != "success" {
		t.Errorf("published %+v", published)
	}
}
