// Package protocol defines the boundary between the bot core and the
// messaging protocol library. Everything the core knows about a live
// session goes through the types declared here; the concrete client lives
// in pkg/channels.
package protocol

import (
	"context"
	"time"
)

// PresenceState is a chat presence announced to a recipient.
type PresenceState string

const (
	PresenceComposing PresenceState = "composing"
	PresenceRecording PresenceState = "recording"
	PresencePaused    PresenceState = "paused"
)

// Key identifies a message: (chat, message id, authored by the session owner).
type Key struct {
	ChatID      string `json:"chat_id"`
	ID          string `json:"id"`
	FromSelf    bool   `json:"from_self"`
	Participant string `json:"participant,omitempty"`
}

// Message is a decoded inbound message. It carries exactly one Content
// variant, or nil when the protocol delivered an empty envelope.
type Message struct {
	Key       Key
	PushName  string
	Timestamp time.Time
	Content   Content

	// Raw is the serialized protocol payload, kept for retry receipts.
	Raw []byte
	// Source is the collaborator-native event. The core never inspects it.
	Source any
}

// TextBody returns the body of a plain or extended text message.
func (m *Message) TextBody() (string, bool) {
	if m == nil {
		return "", false
	}
	switch c := m.Content.(type) {
	case Text:
		return c.Body, c.Body != ""
	case ExtendedText:
		return c.Body, c.Body != ""
	}
	return "", false
}

// Content is one message payload variant.
type Content interface {
	contentKind() string
}

// Text is a plain conversation message.
type Text struct {
	Body string
}

// ExtendedText is a text message with context (links, quotes, mentions).
type ExtendedText struct {
	Body     string
	QuotedID string
}

// Image is an image message. Inbound images only carry metadata; the
// payload is fetched with Handle.DownloadMedia. Outbound images set either
// Data or URL.
type Image struct {
	Caption  string
	Mimetype string
	Width    int
	Height   int
	Data     []byte
	URL      string
}

// Sticker is an outbound sticker.
type Sticker struct {
	Data     []byte
	Mimetype string
	FileName string
	Author   string
	Pack     string
	Width    int
	Height   int
}

// Other is any content variant the core does not inspect.
type Other struct {
	Kind string
}

func (Text) contentKind() string         { return "text" }
func (ExtendedText) contentKind() string { return "extended_text" }
func (Image) contentKind() string        { return "image" }
func (Sticker) contentKind() string      { return "sticker" }
func (o Other) contentKind() string {
	if o.Kind == "" {
		return "other"
	}
	return o.Kind
}

// KindOf returns a short name for the content variant, used in logs.
func KindOf(c Content) string {
	if c == nil {
		return "empty"
	}
	return c.contentKind()
}

// SendOptions are the optional parts of an outbound send.
type SendOptions struct {
	Quoted *Message
}

// SendOption configures a single SendMessage call.
type SendOption func(*SendOptions)

// WithQuoted attaches a quoted-message reference to the send.
func WithQuoted(m *Message) SendOption {
	return func(o *SendOptions) {
		o.Quoted = m
	}
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Handle is the borrowed view of a live session that handlers may use.
type Handle interface {
	SendMessage(ctx context.Context, chatID string, content Content, opts ...SendOption) (string, error)
	SendPresenceUpdate(ctx context.Context, state PresenceState, chatID string) error
	PresenceSubscribe(ctx context.Context, chatID string) error
	ReadMessages(ctx context.Context, keys []Key) error
	ProfilePictureURL(ctx context.Context, chatID string) (string, error)
	// DownloadMedia fetches and decrypts the media of msg, asking the sender
	// to re-upload it when the server copy has expired.
	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)
}

// Conn is an owned session: a Handle that can be closed.
type Conn interface {
	Handle
	Close()
}

// Version is the negotiated protocol client version.
type Version struct {
	Value    string
	IsLatest bool
}

// Lifecycle receives the events that drive session state rather than
// message handling.
type Lifecycle interface {
	ConnectionChanged(ctx context.Context, update ConnectionUpdate)
	CredentialsChanged(ctx context.Context) error
}
