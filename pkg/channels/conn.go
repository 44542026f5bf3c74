package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/media"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

const maxFetchedImageBytes = 16 << 20

// waConn is one live whatsmeow client. It implements protocol.Conn.
type waConn struct {
	client     *whatsmeow.Client
	httpClient *http.Client
	handlerID  uint32
	onSent     func(chatID, id, kind string, raw []byte)

	retryMu      sync.Mutex
	retryWaiters map[types.MessageID]chan *events.MediaRetry
	retryTimeout time.Duration

	closeOnce sync.Once
}

func newConn(client *whatsmeow.Client, httpClient *http.Client) *waConn {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &waConn{
		client:       client,
		httpClient:   httpClient,
		retryWaiters: make(map[types.MessageID]chan *events.MediaRetry),
		retryTimeout: 30 * time.Second,
	}
}

// Close disconnects the client. Sends through a closed conn fail.
func (c *waConn) Close() {
	c.closeOnce.Do(func() {
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
	})
}

func (c *waConn) SendMessage(ctx context.Context, chatID string, content protocol.Content, opts ...protocol.SendOption) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID '%s': %w", chatID, err)
	}
	o := protocol.ApplySendOptions(opts)

	msg, err := c.buildMessage(ctx, content, quoteContext(o.Quoted))
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	logger.DebugCF("whatsapp", "Message sent", map[string]interface{}{
		"to":         jid.String(),
		"message_id": resp.ID,
		"kind":       protocol.KindOf(content),
	})
	c.recordSent(jid.String(), resp.ID, protocol.KindOf(content), msg)
	return resp.ID, nil
}

// recordSent hands the serialized payload of a sent message to onSent.
func (c *waConn) recordSent(chatID, id, kind string, msg *waE2E.Message) {
	if c.onSent == nil {
		return
	}
	raw, err := proto.Marshal(msg)
	if err != nil {
		logger.WarnCF("whatsapp", "Could not serialize sent message", map[string]interface{}{
			"message_id": id,
			"error":      err.Error(),
		})
		return
	}
	c.onSent(chatID, id, kind, raw)
}

func (c *waConn) buildMessage(ctx context.Context, content protocol.Content, quote *waE2E.ContextInfo) (*waE2E.Message, error) {
	switch v := content.(type) {
	case protocol.Text:
		if quote == nil {
			return &waE2E.Message{Conversation: proto.String(v.Body)}, nil
		}
		return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(v.Body),
			ContextInfo: quote,
		}}, nil

	case protocol.ExtendedText:
		return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(v.Body),
			ContextInfo: quote,
		}}, nil

	case protocol.Image:
		data := v.Data
		if len(data) == 0 {
			if v.URL == "" {
				return nil, errors.New("image has neither data nor URL")
			}
			fetched, err := c.fetch(ctx, v.URL)
			if err != nil {
				return nil, err
			}
			data = fetched
		}
		mimetype := v.Mimetype
		if mimetype == "" {
			mimetype = http.DetectContentType(data)
		}
		up, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("failed to upload image: %w", err)
		}
		img := &waE2E.ImageMessage{
			Caption:       proto.String(v.Caption),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			ContextInfo:   quote,
		}
		if v.Width > 0 && v.Height > 0 {
			img.Width = proto.Uint32(uint32(v.Width))
			img.Height = proto.Uint32(uint32(v.Height))
		}
		return &waE2E.Message{ImageMessage: img}, nil

	case protocol.Sticker:
		data, err := media.AttachStickerMetadata(v.Data, media.StickerMetadata{Pack: v.Pack, Author: v.Author})
		if err != nil {
			logger.WarnCF("whatsapp", "Sending sticker without pack metadata", map[string]interface{}{
				"error": err.Error(),
			})
			data = v.Data
		}
		up, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("failed to upload sticker: %w", err)
		}
		mimetype := v.Mimetype
		if mimetype == "" {
			mimetype = media.StickerMimetype
		}
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimetype),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Width:         proto.Uint32(uint32(v.Width)),
			Height:        proto.Uint32(uint32(v.Height)),
			ContextInfo:   quote,
		}}, nil
	}
	return nil, fmt.Errorf("unsupported outbound content %q", protocol.KindOf(content))
}

// quoteContext builds the reply reference for a quoted message.
func quoteContext(q *protocol.Message) *waE2E.ContextInfo {
	if q == nil {
		return nil
	}
	ci := &waE2E.ContextInfo{StanzaID: proto.String(q.Key.ID)}
	participant := q.Key.Participant
	if participant == "" {
		participant = q.Key.ChatID
	}
	ci.Participant = proto.String(participant)
	if original := rawMessage(q); original != nil {
		ci.QuotedMessage = original
	}
	return ci
}

// rawMessage recovers the waE2E payload of a decoded message.
func rawMessage(m *protocol.Message) *waE2E.Message {
	if evt, ok := m.Source.(*events.Message); ok && evt.Message != nil {
		return evt.Message
	}
	if len(m.Raw) == 0 {
		return nil
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(m.Raw, &msg); err != nil {
		return nil
	}
	return &msg
}

func (c *waConn) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchedImageBytes))
}

func (c *waConn) SendPresenceUpdate(ctx context.Context, state protocol.PresenceState, chatID string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	switch state {
	case protocol.PresenceComposing:
		return c.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	case protocol.PresenceRecording:
		return c.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaAudio)
	default:
		return c.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}
}

func (c *waConn) PresenceSubscribe(ctx context.Context, chatID string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	return c.client.SubscribePresence(ctx, jid)
}

// ReadMessages sends read receipts, one per (chat, sender) group.
func (c *waConn) ReadMessages(ctx context.Context, keys []protocol.Key) error {
	type target struct{ chat, sender string }
	groups := make(map[target][]types.MessageID)
	var order []target
	for _, k := range keys {
		t := target{chat: k.ChatID, sender: k.Participant}
		if _, ok := groups[t]; !ok {
			order = append(order, t)
		}
		groups[t] = append(groups[t], k.ID)
	}

	var errs []error
	for _, t := range order {
		chat, err := types.ParseJID(t.chat)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var sender types.JID
		if t.sender != "" {
			if sender, err = types.ParseJID(t.sender); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := c.client.MarkRead(ctx, groups[t], time.Now(), chat, sender); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *waConn) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", err
	}
	info, err := c.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}
