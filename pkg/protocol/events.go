package protocol

import "time"

// EventKind names an inbound event variant.
type EventKind string

const (
	KindConnectionUpdate  EventKind = "connection.update"
	KindCredentialsUpdate EventKind = "creds.update"
	KindMessagesUpsert    EventKind = "messages.upsert"
	KindMessagesUpdate    EventKind = "messages.update"
	KindReceiptUpdate     EventKind = "message-receipt.update"
	KindReaction          EventKind = "messages.reaction"
	KindPresenceUpdate    EventKind = "presence.update"
	KindChatUpdate        EventKind = "chats.update"
	KindContactUpdate     EventKind = "contacts.update"
	KindChatDelete        EventKind = "chats.delete"
)

// Event is one tagged variant of an inbound batch. The set of variants is
// closed: only the types in this file implement it.
type Event interface {
	Kind() EventKind
	event()
}

// Batch is one delivery unit of ordered events.
type Batch struct {
	ID     string
	Events []Event
}

// ConnectionState is the state reported by a connection update.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClosed     ConnectionState = "closed"
)

// DisconnectReason classifies why a session closed.
type DisconnectReason string

const (
	ReasonLoggedOut      DisconnectReason = "logged_out"
	ReasonConnectionLost DisconnectReason = "connection_lost"
	ReasonReplaced       DisconnectReason = "connection_replaced"
	ReasonBanned         DisconnectReason = "temporary_ban"
	ReasonOutdated       DisconnectReason = "client_outdated"
	ReasonFailure        DisconnectReason = "connect_failure"
)

// CloseReason describes a closed connection.
type CloseReason struct {
	Reason  DisconnectReason
	Message string
}

// Terminal reports whether the close must not be followed by a reconnect.
// Only an explicit logout is terminal.
func (r CloseReason) Terminal() bool {
	return r.Reason == ReasonLoggedOut
}

type ConnectionUpdate struct {
	State ConnectionState
	Close CloseReason
}

type CredentialsUpdate struct {
	Reason string
}

// UpsertType distinguishes live messages from history sync.
type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

type MessagesUpsert struct {
	Type     UpsertType
	Messages []*Message
}

// UpdateKind is the kind of change applied to an existing message.
type UpdateKind string

const (
	UpdateRevoke UpdateKind = "revoke"
	UpdateEdit   UpdateKind = "edit"
)

type MessagesUpdate struct {
	Key    Key
	Change UpdateKind
	Edited Content
}

type ReceiptUpdate struct {
	ChatID     string
	Sender     string
	MessageIDs []string
	Type       string
	Timestamp  time.Time
}

type Reaction struct {
	Key   Key
	From  string
	Emoji string
}

type PresenceUpdate struct {
	ChatID      string
	Participant string
	State       string
	LastSeen    time.Time
}

// ChatUpdate carries the chat properties that changed; nil means unchanged.
type ChatUpdate struct {
	ChatID   string
	Archived *bool
	Pinned   *bool
	Muted    *bool
	Read     *bool
}

type ContactUpdate struct {
	ID             string
	Name           string
	PictureChanged bool
	PictureRemoved bool
}

type ChatDelete struct {
	ChatIDs []string
}

func (ConnectionUpdate) Kind() EventKind  { return KindConnectionUpdate }
func (CredentialsUpdate) Kind() EventKind { return KindCredentialsUpdate }
func (MessagesUpsert) Kind() EventKind    { return KindMessagesUpsert }
func (MessagesUpdate) Kind() EventKind    { return KindMessagesUpdate }
func (ReceiptUpdate) Kind() EventKind     { return KindReceiptUpdate }
func (Reaction) Kind() EventKind          { return KindReaction }
func (PresenceUpdate) Kind() EventKind    { return KindPresenceUpdate }
func (ChatUpdate) Kind() EventKind        { return KindChatUpdate }
func (ContactUpdate) Kind() EventKind     { return KindContactUpdate }
func (ChatDelete) Kind() EventKind        { return KindChatDelete }

func (ConnectionUpdate) event()  {}
func (CredentialsUpdate) event() {}
func (MessagesUpsert) event()    {}
func (MessagesUpdate) event()    {}
func (ReceiptUpdate) event()     {}
func (Reaction) event()          {}
func (PresenceUpdate) event()    {}
func (ChatUpdate) event()        {}
func (ContactUpdate) event()     {}
func (ChatDelete) event()        {}
