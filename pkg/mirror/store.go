// Package mirror keeps an in-memory copy of the chats, contacts and recent
// messages seen on the session, and periodically writes the changes to a
// storage backend.
package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
	"github.com/sakaki-bot/sakaki/pkg/storage"
	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

const (
	DefaultFlushInterval = 10 * time.Second
	DefaultMaxMessages   = 200
)

// Options configures a Store.
type Options struct {
	FlushInterval time.Duration
	// MaxMessages is the number of messages kept per chat.
	MaxMessages int
}

// Store is the mirror. Batches are applied synchronously by ObserveBatch;
// the backend is only touched by Load and Flush.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*repository.Chat
	contacts map[string]*repository.Contact
	messages map[string][]repository.StoredMessage

	dirtyChats    map[string]bool
	dirtyContacts map[string]bool
	dirtyMessages map[string]map[string]bool
	deletedChats  map[string]bool

	backend     storage.Storage
	interval    time.Duration
	maxMessages int
	now         func() time.Time
}

// New creates an empty store. backend may be nil for a memory-only mirror.
func New(backend storage.Storage, opts Options) *Store {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	return &Store{
		chats:         make(map[string]*repository.Chat),
		contacts:      make(map[string]*repository.Contact),
		messages:      make(map[string][]repository.StoredMessage),
		dirtyChats:    make(map[string]bool),
		dirtyContacts: make(map[string]bool),
		dirtyMessages: make(map[string]map[string]bool),
		deletedChats:  make(map[string]bool),
		backend:       backend,
		interval:      opts.FlushInterval,
		maxMessages:   opts.MaxMessages,
		now:           time.Now,
	}
}

// Load replaces the in-memory state with the backend contents.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	chats, err := s.backend.Chats().List(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	contacts, err := s.backend.Contacts().List(ctx)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	messages := make(map[string][]repository.StoredMessage, len(chats))
	for _, c := range chats {
		msgs, err := s.backend.Messages().ListByChat(ctx, c.ID, s.maxMessages)
		if err != nil {
			return fmt.Errorf("load messages of %s: %w", c.ID, err)
		}
		if len(msgs) > 0 {
			messages[c.ID] = msgs
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make(map[string]*repository.Chat, len(chats))
	for i := range chats {
		s.chats[chats[i].ID] = &chats[i]
	}
	s.contacts = make(map[string]*repository.Contact, len(contacts))
	for i := range contacts {
		s.contacts[contacts[i].ID] = &contacts[i]
	}
	s.messages = messages

	logger.InfoCF("mirror", "Mirror loaded", map[string]interface{}{
		"chats":    len(chats),
		"contacts": len(contacts),
	})
	return nil
}

// ObserveBatch applies every event of batch to the mirror.
func (s *Store) ObserveBatch(batch protocol.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch.Events {
		switch e := evt.(type) {
		case protocol.MessagesUpsert:
			for _, m := range e.Messages {
				s.applyMessage(m, e.Type == protocol.UpsertNotify)
			}
		case protocol.MessagesUpdate:
			s.applyUpdate(e)
		case protocol.ChatUpdate:
			if e.ChatID != "" {
				s.applyChat(e)
			}
		case protocol.ContactUpdate:
			if e.ID == "" {
				continue
			}
			c := s.contact(e.ID)
			if e.Name != "" {
				c.Name = e.Name
			}
			if e.PictureRemoved {
				c.PictureURL = ""
			}
			c.UpdatedAt = s.now()
		case protocol.ChatDelete:
			for _, id := range e.ChatIDs {
				delete(s.chats, id)
				delete(s.messages, id)
				delete(s.dirtyChats, id)
				delete(s.dirtyMessages, id)
				s.deletedChats[id] = true
			}
		}
	}
}

// RecordPicture stores a resolved profile picture URL.
func (s *Store) RecordPicture(contactID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.contact(contactID)
	c.PictureURL = url
	c.UpdatedAt = s.now()
}

func (s *Store) applyMessage(m *protocol.Message, live bool) {
	if m == nil || m.Key.ChatID == "" || m.Key.ID == "" {
		return
	}
	sender := m.Key.Participant
	if sender == "" {
		sender = m.Key.ChatID
	}
	text, _ := m.TextBody()
	if img, ok := m.Content.(protocol.Image); ok {
		text = img.Caption
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	stored := repository.StoredMessage{
		ChatID:    m.Key.ChatID,
		ID:        m.Key.ID,
		FromSelf:  m.Key.FromSelf,
		Sender:    sender,
		PushName:  m.PushName,
		Kind:      protocol.KindOf(m.Content),
		Text:      text,
		Raw:       m.Raw,
		Timestamp: ts,
	}
	s.putMessage(stored)

	chat := s.chat(m.Key.ChatID)
	if ts.After(chat.LastMessageAt) {
		chat.LastMessageAt = ts
	}
	if live && !m.Key.FromSelf {
		chat.Unread = true
	}

	if !m.Key.FromSelf && m.PushName != "" {
		c := s.contact(sender)
		if c.PushName != m.PushName {
			c.PushName = m.PushName
			c.UpdatedAt = s.now()
		}
	}
}

func (s *Store) putMessage(m repository.StoredMessage) {
	list := s.messages[m.ChatID]
	replaced := false
	for i := range list {
		if list[i].ID == m.ID {
			list[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, m)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
	}
	if len(list) > s.maxMessages {
		list = append([]repository.StoredMessage(nil), list[len(list)-s.maxMessages:]...)
	}
	s.messages[m.ChatID] = list
	s.markMessage(m.ChatID, m.ID)
}

func (s *Store) applyUpdate(u protocol.MessagesUpdate) {
	list := s.messages[u.Key.ChatID]
	for i := range list {
		if list[i].ID != u.Key.ID {
			continue
		}
		switch u.Change {
		case protocol.UpdateRevoke:
			list[i].Kind = "revoked"
			list[i].Text = ""
			list[i].Raw = nil
		case protocol.UpdateEdit:
			if body, ok := (&protocol.Message{Content: u.Edited}).TextBody(); ok {
				list[i].Text = body
			}
		}
		s.markMessage(u.Key.ChatID, u.Key.ID)
		return
	}
}

func (s *Store) applyChat(u protocol.ChatUpdate) {
	c := s.chat(u.ChatID)
	if u.Archived != nil {
		c.Archived = *u.Archived
	}
	if u.Pinned != nil {
		c.Pinned = *u.Pinned
	}
	if u.Muted != nil {
		c.Muted = *u.Muted
	}
	if u.Read != nil {
		c.Unread = !*u.Read
	}
}

// chat returns the chat for id, creating it, and marks it dirty.
// Callers hold s.mu.
func (s *Store) chat(id string) *repository.Chat {
	c, ok := s.chats[id]
	if !ok {
		c = &repository.Chat{ID: id}
		s.chats[id] = c
	}
	c.UpdatedAt = s.now()
	s.dirtyChats[id] = true
	return c
}

// contact returns the contact for id, creating it, and marks it dirty.
// Callers hold s.mu.
func (s *Store) contact(id string) *repository.Contact {
	c, ok := s.contacts[id]
	if !ok {
		c = &repository.Contact{ID: id}
		s.contacts[id] = c
	}
	s.dirtyContacts[id] = true
	return c
}

func (s *Store) markMessage(chatID, id string) {
	ids := s.dirtyMessages[chatID]
	if ids == nil {
		ids = make(map[string]bool)
		s.dirtyMessages[chatID] = ids
	}
	ids[id] = true
}

// RecordSent mirrors a message the bot sent. The session does not echo
// its own sends, so without this a retry receipt for one finds nothing.
func (s *Store) RecordSent(chatID, id, kind string, raw []byte) {
	if chatID == "" || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.putMessage(repository.StoredMessage{
		ChatID:    chatID,
		ID:        id,
		FromSelf:  true,
		Kind:      kind,
		Raw:       raw,
		Timestamp: now,
	})
	chat := s.chat(chatID)
	if now.After(chat.LastMessageAt) {
		chat.LastMessageAt = now
	}
}

// MessageForRetry returns the serialized payload of a mirrored message, or
// nil when it is unknown. It answers the peer's retry receipts.
func (s *Store) MessageForRetry(chatID, id string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[chatID] {
		if m.ID == id {
			return m.Raw
		}
	}
	return nil
}

// Chats returns a copy of the mirrored chats, most recent first.
func (s *Store) Chats() []repository.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repository.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Contacts returns a copy of the mirrored contacts ordered by id.
func (s *Store) Contacts() []repository.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repository.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Messages returns a copy of the mirrored messages of a chat, oldest first.
func (s *Store) Messages(chatID string) []repository.StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[chatID]
	out := make([]repository.StoredMessage, len(list))
	copy(out, list)
	return out
}
