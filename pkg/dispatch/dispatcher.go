// Package dispatch demultiplexes inbound event batches into command
// execution, sticker creation and observation.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/commands"
	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/media"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

const (
	DefaultStickerTrigger = "#sticker"
	DefaultFailureText    = "Erro ao criar a figurinha. Tente novamente!"
	DefaultHintText       = `Envie uma imagem com a legenda "#sticker" para criar uma figurinha!`
	DefaultAuthor         = "SeuNome"
	DefaultPack           = "SeuPacote"
)

// Config holds the startup flags and fixed texts of the dispatcher.
type Config struct {
	StickerTrigger string
	Author         string
	Pack           string
	FailureText    string
	HintText       string
	// DoReply marks inbound messages as read.
	DoReply bool
}

func (c Config) withDefaults() Config {
	if c.StickerTrigger == "" {
		c.StickerTrigger = DefaultStickerTrigger
	}
	c.StickerTrigger = strings.ToLower(strings.TrimSpace(c.StickerTrigger))
	if c.Author == "" {
		c.Author = DefaultAuthor
	}
	if c.Pack == "" {
		c.Pack = DefaultPack
	}
	if c.FailureText == "" {
		c.FailureText = DefaultFailureText
	}
	if c.HintText == "" {
		c.HintText = DefaultHintText
	}
	return c
}

// Transcoder converts an image into sticker bytes.
type Transcoder interface {
	Transcode(ctx context.Context, src []byte) ([]byte, error)
}

// BatchObserver sees every batch before it is handled.
type BatchObserver interface {
	ObserveBatch(batch protocol.Batch)
}

// PictureRecorder is an optional BatchObserver extension that receives
// resolved profile picture URLs. url is empty when the picture was removed.
type PictureRecorder interface {
	RecordPicture(contactID, url string)
}

// Dispatcher handles one batch at a time. It keeps no per-batch state.
type Dispatcher struct {
	cfg       Config
	registry  *commands.Registry
	media     Transcoder
	bus       *bus.MessageBus
	observers []BatchObserver
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus publishes inbound and outbound traffic to msgBus.
func WithBus(msgBus *bus.MessageBus) Option {
	return func(d *Dispatcher) { d.bus = msgBus }
}

// WithObserver registers a batch observer, such as the mirror store.
func WithObserver(o BatchObserver) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

func New(cfg Config, registry *commands.Registry, transcoder Transcoder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg.withDefaults(),
		registry: registry,
		media:    transcoder,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleBatch runs exactly one branch per event, in batch order.
func (d *Dispatcher) HandleBatch(ctx context.Context, h protocol.Handle, lc protocol.Lifecycle, batch protocol.Batch) {
	for _, o := range d.observers {
		o.ObserveBatch(batch)
	}
	if d.bus != nil && h != nil {
		h = &observedHandle{Handle: h, bus: d.bus}
	}

	logger.DebugCF("dispatch", "Handling batch", map[string]interface{}{
		"batch":  batch.ID,
		"events": len(batch.Events),
	})

	for _, evt := range batch.Events {
		switch e := evt.(type) {
		case protocol.ConnectionUpdate:
			if lc != nil {
				lc.ConnectionChanged(ctx, e)
			}
		case protocol.CredentialsUpdate:
			if lc != nil {
				// Saved before the next event; failures are logged by the lifecycle.
				_ = lc.CredentialsChanged(ctx)
			}
		case protocol.MessagesUpsert:
			d.handleUpsert(ctx, h, e)
		case protocol.MessagesUpdate:
			logger.InfoCF("dispatch", "Message updated", map[string]interface{}{
				"chat": e.Key.ChatID,
				"id":   e.Key.ID,
				"change": string(e.Change),
			})
		case protocol.ReceiptUpdate:
			logger.DebugCF("dispatch", "Receipt", map[string]interface{}{
				"chat":   e.ChatID,
				"sender": e.Sender,
				"ids":    e.MessageIDs,
				"type":   e.Type,
			})
		case protocol.Reaction:
			logger.InfoCF("dispatch", "Reaction", map[string]interface{}{
				"chat":  e.Key.ChatID,
				"id":    e.Key.ID,
				"from":  e.From,
				"emoji": e.Emoji,
			})
		case protocol.PresenceUpdate:
			logger.DebugCF("dispatch", "Presence", map[string]interface{}{
				"chat":        e.ChatID,
				"participant": e.Participant,
				"state":       e.State,
			})
		case protocol.ChatUpdate:
			logger.DebugCF("dispatch", "Chat updated", chatFields(e))
		case protocol.ContactUpdate:
			d.handleContact(ctx, h, e)
		case protocol.ChatDelete:
			logger.InfoCF("dispatch", "chats deleted", map[string]interface{}{
				"chats": e.ChatIDs,
			})
		default:
			logger.WarnCF("dispatch", "Unhandled event", map[string]interface{}{
				"kind": string(evt.Kind()),
			})
		}
	}
}

func (d *Dispatcher) handleUpsert(ctx context.Context, h protocol.Handle, up protocol.MessagesUpsert) {
	if up.Type != protocol.UpsertNotify {
		logger.DebugCF("dispatch", "Ignoring history upsert", map[string]interface{}{
			"type":     string(up.Type),
			"messages": len(up.Messages),
		})
		return
	}
	for _, msg := range up.Messages {
		if msg == nil || msg.Content == nil {
			continue
		}
		d.handleMessage(ctx, h, msg)
	}
}

// handleMessage runs the per-message branches. Each branch is isolated:
// an error or panic in one never reaches the others or sibling messages.
func (d *Dispatcher) handleMessage(ctx context.Context, h protocol.Handle, msg *protocol.Message) {
	d.publishInbound(msg)

	if msg.Key.FromSelf {
		return
	}

	if img, ok := msg.Content.(protocol.Image); ok {
		d.guard(msg, "sticker", func() error {
			return d.handleImage(ctx, h, msg, img)
		})
	}

	if text, ok := msg.TextBody(); ok {
		d.guard(msg, "command", func() error {
			return d.handleCommand(ctx, h, msg, text)
		})
	}

	if d.cfg.DoReply && !protocol.IsBroadcast(msg.Key.ChatID) {
		d.guard(msg, "read", func() error {
			logger.DebugCF("dispatch", "replying to", map[string]interface{}{"chat": msg.Key.ChatID})
			return h.ReadMessages(ctx, []protocol.Key{msg.Key})
		})
	}
}

func (d *Dispatcher) guard(msg *protocol.Message, branch string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("dispatch", "Recovered from panic in message handler", map[string]interface{}{
				"branch": branch,
				"chat":   msg.Key.ChatID,
				"id":     msg.Key.ID,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
		}
	}()
	if err := fn(); err != nil {
		logger.ErrorCF("dispatch", "Message handler failed", map[string]interface{}{
			"branch": branch,
			"chat":   msg.Key.ChatID,
			"id":     msg.Key.ID,
			"error":  err.Error(),
		})
	}
}

func (d *Dispatcher) handleImage(ctx context.Context, h protocol.Handle, msg *protocol.Message, img protocol.Image) error {
	chat := msg.Key.ChatID
	if strings.ToLower(strings.TrimSpace(img.Caption)) != d.cfg.StickerTrigger {
		_, err := h.SendMessage(ctx, chat, protocol.Text{Body: d.cfg.HintText})
		return err
	}

	if err := d.makeSticker(ctx, h, msg); err != nil {
		logger.ErrorCF("dispatch", "Erro ao processar a imagem", map[string]interface{}{
			"chat":  chat,
			"id":    msg.Key.ID,
			"error": err.Error(),
		})
		_, sendErr := h.SendMessage(ctx, chat, protocol.Text{Body: d.cfg.FailureText})
		return sendErr
	}
	return nil
}

func (d *Dispatcher) makeSticker(ctx context.Context, h protocol.Handle, msg *protocol.Message) error {
	if d.media == nil {
		return fmt.Errorf("%w: no transcoder configured", media.ErrTranscode)
	}
	data, err := h.DownloadMedia(ctx, msg)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	sticker, err := d.media.Transcode(ctx, data)
	if err != nil {
		return err
	}
	_, err = h.SendMessage(ctx, msg.Key.ChatID, protocol.Sticker{
		Data:     sticker,
		Mimetype: media.StickerMimetype,
		FileName: media.StickerFileName,
		Author:   d.cfg.Author,
		Pack:     d.cfg.Pack,
		Width:    media.StickerSize,
		Height:   media.StickerSize,
	})
	if err != nil {
		return fmt.Errorf("send sticker: %w", err)
	}
	logger.InfoCF("dispatch", "Sticker sent", map[string]interface{}{
		"chat":  msg.Key.ChatID,
		"bytes": len(sticker),
	})
	return nil
}

func (d *Dispatcher) handleCommand(ctx context.Context, h protocol.Handle, msg *protocol.Message, text string) error {
	cmd, ok := d.registry.Resolve(strings.ToLower(text))
	if !ok {
		return nil
	}
	logger.InfoCF("dispatch", "Executing command", map[string]interface{}{
		"trigger": cmd.Trigger,
		"chat":    msg.Key.ChatID,
		"sender":  senderOf(msg),
	})
	if err := cmd.Execute(ctx, msg, h); err != nil {
		return fmt.Errorf("error executing command %s: %w", cmd.Trigger, err)
	}
	return nil
}

func (d *Dispatcher) handleContact(ctx context.Context, h protocol.Handle, c protocol.ContactUpdate) {
	if !c.PictureChanged {
		logger.DebugCF("dispatch", "Contact updated", map[string]interface{}{
			"contact": c.ID,
			"name":    c.Name,
		})
		return
	}

	url := ""
	if !c.PictureRemoved && h != nil {
		var err error
		url, err = h.ProfilePictureURL(ctx, c.ID)
		if err != nil {
			logger.DebugCF("dispatch", "Profile picture lookup failed", map[string]interface{}{
				"contact": c.ID,
				"error":   err.Error(),
			})
			url = ""
		}
	}
	logger.InfoCF("dispatch", fmt.Sprintf("contact %s has a new profile pic: %s", c.ID, orNone(url)), map[string]interface{}{
		"contact": c.ID,
		"url":     url,
	})
	for _, o := range d.observers {
		if r, ok := o.(PictureRecorder); ok {
			r.RecordPicture(c.ID, url)
		}
	}
}

func (d *Dispatcher) publishInbound(msg *protocol.Message) {
	if d.bus == nil {
		return
	}
	content, _ := msg.TextBody()
	if img, ok := msg.Content.(protocol.Image); ok {
		content = img.Caption
	}
	d.bus.PublishInbound(bus.InboundMessage{
		ChatID:    msg.Key.ChatID,
		SenderID:  senderOf(msg),
		MessageID: msg.Key.ID,
		Kind:      protocol.KindOf(msg.Content),
		Content:   content,
		FromSelf:  msg.Key.FromSelf,
	})
}

func senderOf(msg *protocol.Message) string {
	if msg.Key.Participant != "" {
		return msg.Key.Participant
	}
	return msg.Key.ChatID
}

func orNone(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func chatFields(e protocol.ChatUpdate) map[string]interface{} {
	fields := map[string]interface{}{"chat": e.ChatID}
	for name, v := range map[string]*bool{
		"archived": e.Archived,
		"pinned":   e.Pinned,
		"muted":    e.Muted,
		"read":     e.Read,
	} {
		if v != nil {
			fields[name] = *v
		}
	}
	return fields
}
