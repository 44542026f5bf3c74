package dispatch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/commands"
	"github.com/sakaki-bot/sakaki/pkg/media"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
	"github.com/sakaki-bot/sakaki/pkg/protocol/protocoltest"
)

type fakeTranscoder struct {
	mu    sync.Mutex
	calls int
	out   []byte
	err   error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, src []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type fakeLifecycle struct {
	updates []protocol.ConnectionUpdate
	saves   int
}

func (l *fakeLifecycle) ConnectionChanged(ctx context.Context, u protocol.ConnectionUpdate) {
	l.updates = append(l.updates, u)
}

func (l *fakeLifecycle) CredentialsChanged(ctx context.Context) error {
	l.saves++
	return nil
}

const chat = "5511999990000@s.whatsapp.net"

func notify(msgs ...*protocol.Message) protocol.Batch {
	return protocol.Batch{ID: "b1", Events: []protocol.Event{
		protocol.MessagesUpsert{Type: protocol.UpsertNotify, Messages: msgs},
	}}
}

func imageMsg(id, caption string) *protocol.Message {
	return &protocol.Message{
		Key:     protocol.Key{ChatID: chat, ID: id},
		Content: protocol.Image{Caption: caption, Mimetype: "image/jpeg"},
	}
}

func textMsg(id, body string) *protocol.Message {
	return &protocol.Message{
		Key:     protocol.Key{ChatID: chat, ID: id},
		Content: protocol.Text{Body: body},
	}
}

func TestStickerCaptionSendsSticker(t *testing.T) {
	h := protocoltest.New()
	h.DownloadData = []byte("jpeg-bytes")
	tr := &fakeTranscoder{out: []byte("RIFF....WEBP")}
	d := New(Config{}, commands.Load(), tr)

	d.HandleBatch(context.Background(), h, nil, notify(imageMsg("M1", "  #Sticker ")))

	if tr.calls != 1 {
		t.Fatalf("transcode calls = %d, want 1", tr.calls)
	}
	sent := h.Sent()
	if len(sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sent))
	}
	st, ok := sent[0].Content.(protocol.Sticker)
	if !ok {
		t.Fatalf("sent %T, want protocol.Sticker", sent[0].Content)
	}
	if sent[0].ChatID != chat {
		t.Errorf("sent to %s, want %s", sent[0].ChatID, chat)
	}
	if st.Mimetype != "image/webp" || st.FileName != "sticker.webp" {
		t.Errorf("sticker fields = %+v", st)
	}
	if st.Author != DefaultAuthor || st.Pack != DefaultPack {
		t.Errorf("sticker metadata = %q/%q", st.Author, st.Pack)
	}
	if string(st.Data) != "RIFF....WEBP" {
		t.Errorf("sticker data = %q", st.Data)
	}
}

func TestImageWithoutTriggerSendsHint(t *testing.T) {
	h := protocoltest.New()
	tr := &fakeTranscoder{}
	d := New(Config{}, commands.Load(), tr)

	d.HandleBatch(context.Background(), h, nil, notify(imageMsg("M1", "hello")))

	if tr.calls != 0 {
		t.Errorf("transcode attempted %d times", tr.calls)
	}
	for _, c := range h.Calls() {
		if c.Method == "DownloadMedia" {
			t.Error("media downloaded without trigger caption")
		}
	}
	sent := h.Sent()
	if len(sent) != 1 || sent[0].Content.(protocol.Text).Body != DefaultHintText {
		t.Fatalf("expected hint reply, got %+v", sent)
	}
}

func TestTranscodeFailureSendsFixedText(t *testing.T) {
	h := protocoltest.New()
	tr := &fakeTranscoder{err: media.ErrTranscode}
	d := New(Config{FailureText: "falhou"}, commands.Load(), tr)

	d.HandleBatch(context.Background(), h, nil, notify(imageMsg("M1", "#sticker")))

	sent := h.Sent()
	if len(sent) != 1 || sent[0].Content.(protocol.Text).Body != "falhou" {
		t.Fatalf("expected failure text, got %+v", sent)
	}
}

type panickingEncoder struct{}

func (panickingEncoder) Encode(context.Context, io.Writer, image.Image, int) error {
	panic("encoder bug")
}

func TestTranscodePanicSendsFixedText(t *testing.T) {
	var src bytes.Buffer
	if err := png.Encode(&src, image.NewNRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode source: %v", err)
	}
	h := protocoltest.New()
	h.DownloadData = src.Bytes()
	pipeline := media.NewPipeline(media.WithEncoder(panickingEncoder{}))
	d := New(Config{FailureText: "falhou"}, commands.Load(), pipeline)

	d.HandleBatch(context.Background(), h, nil, notify(imageMsg("M1", "#sticker")))

	sent := h.Sent()
	if len(sent) != 1 || sent[0].Content.(protocol.Text).Body != "falhou" {
		t.Fatalf("expected failure text, got %+v", sent)
	}
}

func TestDownloadFailureSendsFixedText(t *testing.T) {
	h := protocoltest.New()
	h.DownloadErr = errors.New("media expired")
	tr := &fakeTranscoder{}
	d := New(Config{}, commands.Load(), tr)

	d.HandleBatch(context.Background(), h, nil, notify(imageMsg("M1", "#sticker")))

	if tr.calls != 0 {
		t.Error("transcode ran without media")
	}
	sent := h.Sent()
	if len(sent) != 1 || sent[0].Content.(protocol.Text).Body != DefaultFailureText {
		t.Fatalf("expected failure text, got %+v", sent)
	}
}

func TestRegisteredCommandExecutedOnce(t *testing.T) {
	var got []*protocol.Message
	var gotHandle protocol.Handle
	reg := commands.Load(commands.Group{Name: "services", Commands: []commands.Command{{
		Trigger: "#start",
		Execute: func(ctx context.Context, msg *protocol.Message, h protocol.Handle) error {
			got = append(got, msg)
			gotHandle = h
			return nil
		},
	}}})
	h := protocoltest.New()
	d := New(Config{}, reg, &fakeTranscoder{})

	msg := textMsg("M1", "#START")
	d.HandleBatch(context.Background(), h, nil, notify(msg))

	if len(got) != 1 || got[0] != msg {
		t.Fatalf("execute calls = %d, want exactly 1 with the inbound message", len(got))
	}
	if gotHandle != h {
		t.Error("handler did not receive the session handle")
	}
}

func TestExtendedTextResolvesCommand(t *testing.T) {
	calls := 0
	reg := commands.Load(commands.Group{Name: "g", Commands: []commands.Command{{
		Trigger: "#start",
		Execute: func(context.Context, *protocol.Message, protocol.Handle) error { calls++; return nil },
	}}})
	d := New(Config{}, reg, &fakeTranscoder{})

	msg := &protocol.Message{
		Key:     protocol.Key{ChatID: chat, ID: "M1"},
		Content: protocol.ExtendedText{Body: "#start", QuotedID: "Q"},
	}
	d.HandleBatch(context.Background(), protocoltest.New(), nil, notify(msg))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSelfMessagesAreNotHandled(t *testing.T) {
	calls := 0
	reg := commands.Load(commands.Group{Name: "g", Commands: []commands.Command{{
		Trigger: "#start",
		Execute: func(context.Context, *protocol.Message, protocol.Handle) error { calls++; return nil },
	}}})
	h := protocoltest.New()
	tr := &fakeTranscoder{}
	d := New(Config{DoReply: true}, reg, tr)

	text := textMsg("M1", "#start")
	text.Key.FromSelf = true
	img := imageMsg("M2", "#sticker")
	img.Key.FromSelf = true
	d.HandleBatch(context.Background(), h, nil, notify(text, img))

	if calls != 0 || tr.calls != 0 {
		t.Errorf("self messages handled: commands=%d transcodes=%d", calls, tr.calls)
	}
	if len(h.Calls()) != 0 {
		t.Errorf("unexpected handle calls: %v", h.Methods())
	}
}

func TestBatchIsolation(t *testing.T) {
	var executed []string
	reg := commands.Load(commands.Group{Name: "g", Commands: []commands.Command{
		{Trigger: "#panic", Execute: func(context.Context, *protocol.Message, protocol.Handle) error {
			panic("handler exploded")
		}},
		{Trigger: "#fail", Execute: func(context.Context, *protocol.Message, protocol.Handle) error {
			return errors.New("boom")
		}},
		{Trigger: "#ok", Execute: func(ctx context.Context, msg *protocol.Message, h protocol.Handle) error {
			executed = append(executed, msg.Key.ID)
			return nil
		}},
	}})
	h := protocoltest.New()
	h.DownloadData = []byte("img")
	d := New(Config{}, reg, &fakeTranscoder{out: []byte("webp")})

	d.HandleBatch(context.Background(), h, nil, notify(
		textMsg("M1", "#panic"),
		textMsg("M2", "#ok"),
		textMsg("M3", "#fail"),
		nil,
		&protocol.Message{Key: protocol.Key{ChatID: chat, ID: "M4"}},
		textMsg("M5", "#ok"),
		imageMsg("M6", "#sticker"),
	))

	if len(executed) != 2 || executed[0] != "M2" || executed[1] != "M5" {
		t.Errorf("executed = %v, want [M2 M5]", executed)
	}
	sent := h.Sent()
	if len(sent) != 1 {
		t.Fatalf("sends = %d, want 1 sticker", len(sent))
	}
	if _, ok := sent[0].Content.(protocol.Sticker); !ok {
		t.Errorf("sent %T, want sticker", sent[0].Content)
	}
}

func TestDoReplyMarksRead(t *testing.T) {
	h := protocoltest.New()
	d := New(Config{DoReply: true}, commands.Load(), &fakeTranscoder{})

	news := textMsg("N1", "hi")
	news.Key.ChatID = "120363025246125486@newsletter"
	status := textMsg("S1", "hi")
	status.Key.ChatID = "status@broadcast"
	plain := textMsg("P1", "hi")

	d.HandleBatch(context.Background(), h, nil, notify(news, status, plain))

	var reads []protocol.Key
	for _, c := range h.Calls() {
		if c.Method == "ReadMessages" {
			reads = append(reads, c.Keys...)
		}
	}
	if len(reads) != 1 || reads[0].ID != "P1" {
		t.Errorf("read keys = %+v, want only P1", reads)
	}
}

func TestNoReadWithoutDoReply(t *testing.T) {
	h := protocoltest.New()
	d := New(Config{}, commands.Load(), &fakeTranscoder{})
	d.HandleBatch(context.Background(), h, nil, notify(textMsg("P1", "hi")))
	if len(h.Calls()) != 0 {
		t.Errorf("unexpected calls: %v", h.Methods())
	}
}

func TestAppendUpsertIgnored(t *testing.T) {
	calls := 0
	reg := commands.Load(commands.Group{Name: "g", Commands: []commands.Command{{
		Trigger: "#start",
		Execute: func(context.Context, *protocol.Message, protocol.Handle) error { calls++; return nil },
	}}})
	h := protocoltest.New()
	d := New(Config{DoReply: true}, reg, &fakeTranscoder{})

	d.HandleBatch(context.Background(), h, nil, protocol.Batch{Events: []protocol.Event{
		protocol.MessagesUpsert{Type: protocol.UpsertAppend, Messages: []*protocol.Message{
			textMsg("H1", "#start"),
			imageMsg("H2", "#sticker"),
		}},
	}})

	if calls != 0 || len(h.Calls()) != 0 {
		t.Errorf("history upsert handled: commands=%d calls=%v", calls, h.Methods())
	}
}

func TestSessionEventsReachLifecycleInOrder(t *testing.T) {
	lc := &fakeLifecycle{}
	d := New(Config{}, commands.Load(), &fakeTranscoder{})

	d.HandleBatch(context.Background(), protocoltest.New(), lc, protocol.Batch{Events: []protocol.Event{
		protocol.ConnectionUpdate{State: protocol.ConnectionOpen},
		protocol.CredentialsUpdate{},
		protocol.ReceiptUpdate{ChatID: chat, MessageIDs: []string{"a"}},
		protocol.ConnectionUpdate{State: protocol.ConnectionClosed, Close: protocol.CloseReason{Reason: protocol.ReasonConnectionLost}},
	}})

	if len(lc.updates) != 2 || lc.saves != 1 {
		t.Fatalf("updates=%d saves=%d", len(lc.updates), lc.saves)
	}
	if lc.updates[0].State != protocol.ConnectionOpen || lc.updates[1].State != protocol.ConnectionClosed {
		t.Errorf("updates out of order: %+v", lc.updates)
	}
}

func TestContactPictureLookup(t *testing.T) {
	h := protocoltest.New()
	h.PictureErr = errors.New("item-not-found")
	d := New(Config{}, commands.Load(), &fakeTranscoder{})

	d.HandleBatch(context.Background(), h, nil, protocol.Batch{Events: []protocol.Event{
		protocol.ContactUpdate{ID: "a@s.whatsapp.net", PictureChanged: true},
		protocol.ContactUpdate{ID: "b@s.whatsapp.net", PictureChanged: true, PictureRemoved: true},
		protocol.ContactUpdate{ID: "c@s.whatsapp.net", Name: "C"},
		protocol.ChatDelete{ChatIDs: []string{chat}},
	}})

	calls := h.Calls()
	if len(calls) != 1 || calls[0].Method != "ProfilePictureURL" || calls[0].ChatID != "a@s.whatsapp.net" {
		t.Errorf("calls = %+v, want one lookup for a", calls)
	}
}

type recordingObserver struct{ batches []string }

func (r *recordingObserver) ObserveBatch(b protocol.Batch) { r.batches = append(r.batches, b.ID) }

func TestBusAndObserverSeeTraffic(t *testing.T) {
	msgBus := bus.NewMessageBus()
	events := msgBus.Subscribe()
	obs := &recordingObserver{}
	h := protocoltest.New()
	d := New(Config{}, commands.Load(), &fakeTranscoder{}, WithBus(msgBus), WithObserver(obs))

	d.HandleBatch(context.Background(), h, nil, notify(imageMsg("M1", "oi")))

	if len(obs.batches) != 1 || obs.batches[0] != "b1" {
		t.Errorf("observer batches = %v", obs.batches)
	}

	var kinds []string
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Type)
			if evt.Type == "outbound" && evt.Outbound.Content != DefaultHintText {
				t.Errorf("outbound content = %q", evt.Outbound.Content)
			}
		case <-timeout:
			t.Fatalf("bus events = %v, want inbound and outbound", kinds)
		}
	}
	if kinds[0] != "inbound" || kinds[1] != "outbound" {
		t.Errorf("bus events = %v", kinds)
	}
}
