package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Chat is the mirrored state of one conversation.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Archived      bool      `json:"archived,omitempty"`
	Pinned        bool      `json:"pinned,omitempty"`
	Muted         bool      `json:"muted,omitempty"`
	Unread        bool      `json:"unread,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Contact is the mirrored state of one contact.
type Contact struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	PushName   string    `json:"push_name,omitempty"`
	PictureURL string    `json:"picture_url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StoredMessage is a mirrored message. Raw holds the serialized protocol
// payload used to answer retry receipts.
type StoredMessage struct {
	ChatID    string    `json:"chat_id"`
	ID        string    `json:"id"`
	FromSelf  bool      `json:"from_self"`
	Sender    string    `json:"sender,omitempty"`
	PushName  string    `json:"push_name,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Raw       []byte    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRepository persists mirrored chats.
type ChatRepository interface {
	// Upsert creates or replaces chats by ID.
	Upsert(ctx context.Context, chats ...Chat) error
	Get(ctx context.Context, id string) (*Chat, error)
	List(ctx context.Context) ([]Chat, error)
	// Delete removes a chat and its messages.
	Delete(ctx context.Context, id string) error
}

// ContactRepository persists mirrored contacts.
type ContactRepository interface {
	Upsert(ctx context.Context, contacts ...Contact) error
	Get(ctx context.Context, id string) (*Contact, error)
	List(ctx context.Context) ([]Contact, error)
	Count(ctx context.Context) (int, error)
}

// MessageRepository persists mirrored messages.
type MessageRepository interface {
	Save(ctx context.Context, msgs ...StoredMessage) error
	Get(ctx context.Context, chatID, id string) (*StoredMessage, error)
	// ListByChat returns the newest limit messages of a chat, oldest first.
	ListByChat(ctx context.Context, chatID string, limit int) ([]StoredMessage, error)
	// Prune keeps only the newest keep messages of a chat.
	Prune(ctx context.Context, chatID string, keep int) error
	Count(ctx context.Context) (int, error)
}
