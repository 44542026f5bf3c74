package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

// snapshot is the set of changes taken out of the store by one flush.
type snapshot struct {
	chats    []repository.Chat
	contacts []repository.Contact
	messages []repository.StoredMessage
	touched  []string
	deleted  []string
}

func (sn snapshot) empty() bool {
	return len(sn.chats) == 0 && len(sn.contacts) == 0 && len(sn.messages) == 0 && len(sn.deleted) == 0
}

// take copies the dirty entries and clears the dirty sets.
func (s *Store) take() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sn snapshot
	for id := range s.dirtyChats {
		if c, ok := s.chats[id]; ok {
			sn.chats = append(sn.chats, *c)
		}
	}
	for id := range s.dirtyContacts {
		if c, ok := s.contacts[id]; ok {
			sn.contacts = append(sn.contacts, *c)
		}
	}
	for chatID, ids := range s.dirtyMessages {
		sn.touched = append(sn.touched, chatID)
		for _, m := range s.messages[chatID] {
			if ids[m.ID] {
				sn.messages = append(sn.messages, m)
			}
		}
	}
	for id := range s.deletedChats {
		sn.deleted = append(sn.deleted, id)
	}

	s.dirtyChats = make(map[string]bool)
	s.dirtyContacts = make(map[string]bool)
	s.dirtyMessages = make(map[string]map[string]bool)
	s.deletedChats = make(map[string]bool)
	return sn
}

// restore marks the entries of a failed snapshot dirty again. Entries
// deleted since are skipped.
func (s *Store) restore(sn snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range sn.chats {
		if _, ok := s.chats[c.ID]; ok {
			s.dirtyChats[c.ID] = true
		}
	}
	for _, c := range sn.contacts {
		s.dirtyContacts[c.ID] = true
	}
	for _, m := range sn.messages {
		if _, ok := s.chats[m.ChatID]; ok {
			s.markMessage(m.ChatID, m.ID)
		}
	}
	for _, id := range sn.deleted {
		s.deletedChats[id] = true
	}
}

// Flush writes the changes since the last flush to the backend. On error
// the changes stay pending for the next flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	sn := s.take()
	if sn.empty() {
		return nil
	}
	if err := s.write(ctx, sn); err != nil {
		s.restore(sn)
		return err
	}
	logger.DebugCF("mirror", "Mirror flushed", map[string]interface{}{
		"chats":    len(sn.chats),
		"contacts": len(sn.contacts),
		"messages": len(sn.messages),
		"deleted":  len(sn.deleted),
	})
	return nil
}

func (s *Store) write(ctx context.Context, sn snapshot) error {
	for _, id := range sn.deleted {
		if err := s.backend.Chats().Delete(ctx, id); err != nil {
			return fmt.Errorf("delete chat %s: %w", id, err)
		}
	}
	if err := s.backend.Chats().Upsert(ctx, sn.chats...); err != nil {
		return fmt.Errorf("write chats: %w", err)
	}
	if err := s.backend.Contacts().Upsert(ctx, sn.contacts...); err != nil {
		return fmt.Errorf("write contacts: %w", err)
	}
	if err := s.backend.Messages().Save(ctx, sn.messages...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	for _, chatID := range sn.touched {
		if err := s.backend.Messages().Prune(ctx, chatID, s.maxMessages); err != nil {
			return fmt.Errorf("prune messages of %s: %w", chatID, err)
		}
	}
	return nil
}

// RunFlusher flushes every interval until ctx is done, then flushes once
// more. Flush errors are logged and retried on the next tick.
func (s *Store) RunFlusher(ctx context.Context) error {
	if s.backend == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.Flush(final)
			cancel()
			if err != nil {
				logger.ErrorCF("mirror", "Final mirror flush failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				logger.WarnCF("mirror", "Mirror flush failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
