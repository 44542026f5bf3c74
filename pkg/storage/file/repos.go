package file

import (
	"context"
	"sort"

	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

type chatRepository struct {
	fs *FileStorage
}

func (r *chatRepository) Upsert(ctx context.Context, chats ...repository.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	return r.fs.mutate(func(doc *document) error {
		for _, c := range chats {
			doc.Chats[c.ID] = c
		}
		return nil
	})
}

func (r *chatRepository) Get(ctx context.Context, id string) (*repository.Chat, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	c, ok := r.fs.doc.Chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *chatRepository) List(ctx context.Context) ([]repository.Chat, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	out := make([]repository.Chat, 0, len(r.fs.doc.Chats))
	for _, c := range r.fs.doc.Chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (r *chatRepository) Delete(ctx context.Context, id string) error {
	return r.fs.mutate(func(doc *document) error {
		delete(doc.Chats, id)
		delete(doc.Messages, id)
		return nil
	})
}

type contactRepository struct {
	fs *FileStorage
}

func (r *contactRepository) Upsert(ctx context.Context, contacts ...repository.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	return r.fs.mutate(func(doc *document) error {
		for _, c := range contacts {
			doc.Contacts[c.ID] = c
		}
		return nil
	})
}

func (r *contactRepository) Get(ctx context.Context, id string) (*repository.Contact, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	c, ok := r.fs.doc.Contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *contactRepository) List(ctx context.Context) ([]repository.Contact, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	out := make([]repository.Contact, 0, len(r.fs.doc.Contacts))
	for _, c := range r.fs.doc.Contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *contactRepository) Count(ctx context.Context) (int, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	return len(r.fs.doc.Contacts), nil
}

type messageRepository struct {
	fs *FileStorage
}

func (r *messageRepository) Save(ctx context.Context, msgs ...repository.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.fs.mutate(func(doc *document) error {
		for _, m := range msgs {
			list := doc.Messages[m.ChatID]
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
			}
			sortByTime(list)
			doc.Messages[m.ChatID] = list
		}
		return nil
	})
}

func (r *messageRepository) Get(ctx context.Context, chatID, id string) (*repository.StoredMessage, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	for _, m := range r.fs.doc.Messages[chatID] {
		if m.ID == id {
			m := m
			return &m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *messageRepository) ListByChat(ctx context.Context, chatID string, limit int) ([]repository.StoredMessage, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	list := r.fs.doc.Messages[chatID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]repository.StoredMessage, len(list))
	copy(out, list)
	return out, nil
}

func (r *messageRepository) Prune(ctx context.Context, chatID string, keep int) error {
	return r.fs.mutate(func(doc *document) error {
		list := doc.Messages[chatID]
		if keep >= 0 && len(list) > keep {
			doc.Messages[chatID] = append([]repository.StoredMessage(nil), list[len(list)-keep:]...)
		}
		return nil
	})
}

func (r *messageRepository) Count(ctx context.Context) (int, error) {
	r.fs.mu.RLock()
	defer r.fs.mu.RUnlock()
	n := 0
	for _, list := range r.fs.doc.Messages {
		n += len(list)
	}
	return n, nil
}

func sortByTime(list []repository.StoredMessage) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}
