package channels

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

var (
	testUser  = types.NewJID("5511999990000", types.DefaultUserServer)
	testGroup = types.NewJID("120363000000000000", types.GroupServer)
)

func liveMessage(chat types.JID, id string, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    chat,
				Sender:  testUser,
				IsGroup: chat.Server == types.GroupServer,
			},
			ID:        id,
			PushName:  "Ana",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestDecodeConnection(t *testing.T) {
	d := decoder{}
	tests := []struct {
		name   string
		in     interface{}
		state  protocol.ConnectionState
		reason protocol.DisconnectReason
	}{
		{"connected", &events.Connected{}, protocol.ConnectionOpen, ""},
		{"disconnected", &events.Disconnected{}, protocol.ConnectionClosed, protocol.ReasonConnectionLost},
		{"logged out", &events.LoggedOut{}, protocol.ConnectionClosed, protocol.ReasonLoggedOut},
		{"replaced", &events.StreamReplaced{}, protocol.ConnectionClosed, protocol.ReasonReplaced},
		{"outdated", &events.ClientOutdated{}, protocol.ConnectionClosed, protocol.ReasonOutdated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := d.decode(tt.in)
			if len(out) != 1 {
				t.Fatalf("got %d events, want 1", len(out))
			}
			cu, ok := out[0].(protocol.ConnectionUpdate)
			if !ok {
				t.Fatalf("got %T", out[0])
			}
			if cu.State != tt.state || cu.Close.Reason != tt.reason {
				t.Errorf("got %s/%s, want %s/%s", cu.State, cu.Close.Reason, tt.state, tt.reason)
			}
		})
	}
}

func TestDecodeTextMessage(t *testing.T) {
	out := decoder{}.decode(liveMessage(testUser, "M1", &waE2E.Message{Conversation: proto.String("/start")}))
	if len(out) != 1 {
		t.Fatalf("got %d events", len(out))
	}
	up, ok := out[0].(protocol.MessagesUpsert)
	if !ok || up.Type != protocol.UpsertNotify || len(up.Messages) != 1 {
		t.Fatalf("unexpected event %#v", out[0])
	}
	m := up.Messages[0]
	if m.Key.ChatID != testUser.String() || m.Key.ID != "M1" || m.Key.Participant != "" {
		t.Errorf("key = %+v", m.Key)
	}
	if body, ok := m.TextBody(); !ok || body != "/start" {
		t.Errorf("text = %q, %v", body, ok)
	}
	if m.PushName != "Ana" || len(m.Raw) == 0 {
		t.Errorf("push name %q, raw %d bytes", m.PushName, len(m.Raw))
	}
}

func TestDecodeGroupImage(t *testing.T) {
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:  proto.String("/s"),
		Mimetype: proto.String("image/jpeg"),
		Width:    proto.Uint32(640),
		Height:   proto.Uint32(480),
	}}
	out := decoder{}.decode(liveMessage(testGroup, "G1", msg))
	m := out[0].(protocol.MessagesUpsert).Messages[0]
	if m.Key.Participant != testUser.String() {
		t.Errorf("participant = %q", m.Key.Participant)
	}
	img, ok := m.Content.(protocol.Image)
	if !ok {
		t.Fatalf("content %T", m.Content)
	}
	if img.Caption != "/s" || img.Width != 640 || img.Height != 480 {
		t.Errorf("image = %+v", img)
	}
	if rawMessage(m).GetImageMessage() == nil {
		t.Error("raw payload lost")
	}
}

func TestDecodeRevokeAndEdit(t *testing.T) {
	key := &waCommon.MessageKey{ID: proto.String("OLD"), FromMe: proto.Bool(false)}
	revoke := &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
		Type: waE2E.ProtocolMessage_REVOKE.Enum(),
		Key:  key,
	}}
	out := decoder{}.decode(liveMessage(testUser, "R1", revoke))
	upd, ok := out[0].(protocol.MessagesUpdate)
	if !ok || upd.Change != protocol.UpdateRevoke || upd.Key.ID != "OLD" {
		t.Fatalf("revoke decoded as %#v", out[0])
	}

	edit := &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
		Type:          waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
		Key:           key,
		EditedMessage: &waE2E.Message{Conversation: proto.String("fixed")},
	}}
	out = decoder{}.decode(liveMessage(testUser, "E1", edit))
	upd = out[0].(protocol.MessagesUpdate)
	if upd.Change != protocol.UpdateEdit || upd.Edited != (protocol.Text{Body: "fixed"}) {
		t.Errorf("edit decoded as %#v", upd)
	}
}

func TestDecodeReaction(t *testing.T) {
	msg := &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{
		Key:  &waCommon.MessageKey{ID: proto.String("M1")},
		Text: proto.String("👍"),
	}}
	out := decoder{}.decode(liveMessage(testUser, "X1", msg))
	r, ok := out[0].(protocol.Reaction)
	if !ok || r.Key.ID != "M1" || r.Emoji != "👍" || r.From != testUser.String() {
		t.Errorf("reaction decoded as %#v", out[0])
	}
}

func TestDecodeContent(t *testing.T) {
	if c := decodeContent(nil); c != nil {
		t.Errorf("nil message decoded as %#v", c)
	}
	skdm := &waE2E.Message{SenderKeyDistributionMessage: &waE2E.SenderKeyDistributionMessage{
		GroupID: proto.String("g"),
	}}
	if c := decodeContent(skdm); c != nil {
		t.Errorf("bare key distribution decoded as %#v", c)
	}
	quoted := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String("/s"),
		ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String("Q1")},
	}}
	if c := decodeContent(quoted); c != (protocol.ExtendedText{Body: "/s", QuotedID: "Q1"}) {
		t.Errorf("extended text decoded as %#v", c)
	}
	if c := decodeContent(&waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}); c != (protocol.Other{Kind: "sticker"}) {
		t.Errorf("sticker decoded as %#v", c)
	}
}

func TestDecodeChatAndContactUpdates(t *testing.T) {
	d := decoder{}
	out := d.decode(&events.Picture{JID: testUser, Remove: true})
	cu, ok := out[0].(protocol.ContactUpdate)
	if !ok || !cu.PictureChanged || !cu.PictureRemoved {
		t.Errorf("picture decoded as %#v", out[0])
	}

	out = d.decode(&events.PushName{JID: testUser, NewPushName: "Bia"})
	if cu := out[0].(protocol.ContactUpdate); cu.Name != "Bia" {
		t.Errorf("push name decoded as %#v", cu)
	}

	out = d.decode(&events.DeleteChat{JID: testGroup})
	if del := out[0].(protocol.ChatDelete); len(del.ChatIDs) != 1 || del.ChatIDs[0] != testGroup.String() {
		t.Errorf("delete decoded as %#v", del)
	}

	if out := d.decode(&events.HistorySync{}); out != nil {
		t.Errorf("history without parser decoded as %#v", out)
	}
	if out := d.decode("unknown"); out != nil {
		t.Errorf("unknown event decoded as %#v", out)
	}
}
