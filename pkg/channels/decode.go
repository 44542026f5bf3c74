package channels

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// decoder turns whatsmeow events into protocol events. parseHistory is
// the client's ParseWebMessage; it may be nil, which drops history syncs.
type decoder struct {
	parseHistory func(chat types.JID, msg *waWeb.WebMessageInfo) (*events.Message, error)
}

// decode maps one whatsmeow event to zero or more protocol events.
func (d decoder) decode(raw interface{}) []protocol.Event {
	switch v := raw.(type) {
	case *events.Connected:
		return one(protocol.ConnectionUpdate{State: protocol.ConnectionOpen})
	case *events.Disconnected:
		return closed(protocol.ReasonConnectionLost, "disconnected")
	case *events.LoggedOut:
		return closed(protocol.ReasonLoggedOut, v.Reason.String())
	case *events.StreamReplaced:
		return closed(protocol.ReasonReplaced, "stream replaced")
	case *events.TemporaryBan:
		return closed(protocol.ReasonBanned, v.String())
	case *events.ClientOutdated:
		return closed(protocol.ReasonOutdated, "client outdated")
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return closed(protocol.ReasonLoggedOut, v.Reason.String())
		}
		return closed(protocol.ReasonFailure, v.Message)
	case *events.PairSuccess:
		return one(protocol.CredentialsUpdate{Reason: "paired"})
	case *events.Message:
		return one(decodeMessageEvent(v))
	case *events.HistorySync:
		return d.decodeHistory(v)
	case *events.Receipt:
		ids := make([]string, len(v.MessageIDs))
		for i, id := range v.MessageIDs {
			ids[i] = string(id)
		}
		return one(protocol.ReceiptUpdate{
			ChatID:     v.Chat.String(),
			Sender:     v.Sender.String(),
			MessageIDs: ids,
			Type:       receiptType(v.Type),
			Timestamp:  v.Timestamp,
		})
	case *events.ChatPresence:
		state := string(v.State)
		if v.State == types.ChatPresenceComposing && v.Media == types.ChatPresenceMediaAudio {
			state = string(protocol.PresenceRecording)
		}
		return one(protocol.PresenceUpdate{
			ChatID:      v.Chat.String(),
			Participant: v.Sender.String(),
			State:       state,
		})
	case *events.Presence:
		state := "available"
		if v.Unavailable {
			state = "unavailable"
		}
		return one(protocol.PresenceUpdate{ChatID: v.From.String(), State: state, LastSeen: v.LastSeen})
	case *events.Archive:
		return one(protocol.ChatUpdate{ChatID: v.JID.String(), Archived: proto.Bool(v.Action.GetArchived())})
	case *events.Pin:
		return one(protocol.ChatUpdate{ChatID: v.JID.String(), Pinned: proto.Bool(v.Action.GetPinned())})
	case *events.Mute:
		return one(protocol.ChatUpdate{ChatID: v.JID.String(), Muted: proto.Bool(v.Action.GetMuted())})
	case *events.MarkChatAsRead:
		return one(protocol.ChatUpdate{ChatID: v.JID.String(), Read: proto.Bool(v.Action.GetRead())})
	case *events.Contact:
		return one(protocol.ContactUpdate{ID: v.JID.String(), Name: v.Action.GetFullName()})
	case *events.PushName:
		return one(protocol.ContactUpdate{ID: v.JID.String(), Name: v.NewPushName})
	case *events.Picture:
		return one(protocol.ContactUpdate{ID: v.JID.String(), PictureChanged: true, PictureRemoved: v.Remove})
	case *events.DeleteChat:
		return one(protocol.ChatDelete{ChatIDs: []string{v.JID.String()}})
	}
	return nil
}

func one(e protocol.Event) []protocol.Event {
	if e == nil {
		return nil
	}
	return []protocol.Event{e}
}

func closed(reason protocol.DisconnectReason, msg string) []protocol.Event {
	return one(protocol.ConnectionUpdate{
		State: protocol.ConnectionClosed,
		Close: protocol.CloseReason{Reason: reason, Message: msg},
	})
}

func receiptType(t types.ReceiptType) string {
	if t == types.ReceiptTypeDelivered {
		return "delivered"
	}
	return string(t)
}

// decodeMessageEvent classifies a live message: protocol edits and revokes
// become updates, reactions become reactions, the rest a notify upsert.
func decodeMessageEvent(evt *events.Message) protocol.Event {
	chat := evt.Info.Chat.String()
	if pm := evt.Message.GetProtocolMessage(); pm != nil && pm.GetKey() != nil {
		key := protocol.Key{ChatID: chat, ID: pm.GetKey().GetID(), FromSelf: pm.GetKey().GetFromMe()}
		switch pm.GetType() {
		case waE2E.ProtocolMessage_REVOKE:
			return protocol.MessagesUpdate{Key: key, Change: protocol.UpdateRevoke}
		case waE2E.ProtocolMessage_MESSAGE_EDIT:
			return protocol.MessagesUpdate{Key: key, Change: protocol.UpdateEdit, Edited: decodeContent(pm.GetEditedMessage())}
		}
	}
	if r := evt.Message.GetReactionMessage(); r != nil {
		return protocol.Reaction{
			Key:   protocol.Key{ChatID: chat, ID: r.GetKey().GetID(), FromSelf: r.GetKey().GetFromMe()},
			From:  evt.Info.Sender.String(),
			Emoji: r.GetText(),
		}
	}
	return protocol.MessagesUpsert{Type: protocol.UpsertNotify, Messages: []*protocol.Message{decodeMessage(evt)}}
}

func (d decoder) decodeHistory(evt *events.HistorySync) []protocol.Event {
	if d.parseHistory == nil || evt.Data == nil {
		return nil
	}
	var msgs []*protocol.Message
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := d.parseHistory(chat, hm.GetMessage())
			if err != nil {
				logger.DebugCF("whatsapp", "Skipping unparsable history message", map[string]interface{}{
					"chat":  chat.String(),
					"error": err.Error(),
				})
				continue
			}
			msgs = append(msgs, decodeMessage(parsed))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return one(protocol.MessagesUpsert{Type: protocol.UpsertAppend, Messages: msgs})
}

// decodeMessage converts a whatsmeow message. Raw holds the serialized
// waE2E payload so the message can be re-sent on retry receipts.
func decodeMessage(evt *events.Message) *protocol.Message {
	key := protocol.Key{
		ChatID:   evt.Info.Chat.String(),
		ID:       evt.Info.ID,
		FromSelf: evt.Info.IsFromMe,
	}
	if evt.Info.IsGroup {
		key.Participant = evt.Info.Sender.String()
	}
	m := &protocol.Message{
		Key:       key,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
		Content:   decodeContent(evt.Message),
		Source:    evt,
	}
	if evt.Message != nil {
		if raw, err := proto.Marshal(evt.Message); err == nil {
			m.Raw = raw
		}
	}
	return m
}

// decodeContent returns nil for envelopes without user-visible content,
// such as bare sender-key distributions.
func decodeContent(msg *waE2E.Message) protocol.Content {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetConversation() != "":
		return protocol.Text{Body: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		ext := msg.GetExtendedTextMessage()
		return protocol.ExtendedText{Body: ext.GetText(), QuotedID: ext.GetContextInfo().GetStanzaID()}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return protocol.Image{
			Caption:  img.GetCaption(),
			Mimetype: img.GetMimetype(),
			Width:    int(img.GetWidth()),
			Height:   int(img.GetHeight()),
		}
	case msg.GetStickerMessage() != nil:
		return protocol.Other{Kind: "sticker"}
	case msg.GetVideoMessage() != nil:
		return protocol.Other{Kind: "video"}
	case msg.GetAudioMessage() != nil:
		return protocol.Other{Kind: "audio"}
	case msg.GetDocumentMessage() != nil:
		return protocol.Other{Kind: "document"}
	case msg.GetContactMessage() != nil:
		return protocol.Other{Kind: "contact"}
	case msg.GetLocationMessage() != nil:
		return protocol.Other{Kind: "location"}
	case msg.GetPollCreationMessage() != nil || msg.GetPollCreationMessageV3() != nil:
		return protocol.Other{Kind: "poll"}
	}

	stripped := proto.Clone(msg).(*waE2E.Message)
	stripped.SenderKeyDistributionMessage = nil
	stripped.MessageContextInfo = nil
	if proto.Size(stripped) == 0 {
		return nil
	}
	return protocol.Other{}
}
