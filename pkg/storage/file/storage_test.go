package file

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

func openTemp(t *testing.T, dir string) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	if err := fs.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return fs
}

func TestFileStorageRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := openTemp(t, dir)

	now := time.Now().UTC().Truncate(time.Second)
	if err := fs.Chats().Upsert(ctx, repository.Chat{ID: "c1", Name: "Chat", LastMessageAt: now}); err != nil {
		t.Fatalf("Upsert chat: %v", err)
	}
	if err := fs.Contacts().Upsert(ctx, repository.Contact{ID: "u1", PushName: "Ana"}); err != nil {
		t.Fatalf("Upsert contact: %v", err)
	}
	if err := fs.Messages().Save(ctx,
		repository.StoredMessage{ChatID: "c1", ID: "m2", Text: "second", Timestamp: now.Add(time.Second)},
		repository.StoredMessage{ChatID: "c1", ID: "m1", Text: "first", Timestamp: now},
	); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened := openTemp(t, dir)
	chat, err := reopened.Chats().Get(ctx, "c1")
	if err != nil || chat.Name != "Chat" {
		t.Fatalf("chat = %+v, %v", chat, err)
	}
	msgs, _ := reopened.Messages().ListByChat(ctx, "c1", 0)
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages = %+v, want m1,m2 in time order", msgs)
	}
	if n, _ := reopened.Contacts().Count(ctx); n != 1 {
		t.Errorf("contacts = %d, want 1", n)
	}
}

func TestFileStorageMissingEntries(t *testing.T) {
	fs := openTemp(t, t.TempDir())
	ctx := context.Background()
	if _, err := fs.Chats().Get(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("chat err = %v", err)
	}
	if _, err := fs.Messages().Get(ctx, "nope", "x"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("message err = %v", err)
	}
}

func TestFileStoragePruneAndDelete(t *testing.T) {
	ctx := context.Background()
	fs := openTemp(t, t.TempDir())
	base := time.Now()
	for i := 0; i < 5; i++ {
		fs.Messages().Save(ctx, repository.StoredMessage{
			ChatID: "c", ID: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := fs.Messages().Prune(ctx, "c", 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	msgs, _ := fs.Messages().ListByChat(ctx, "c", 10)
	if len(msgs) != 2 || msgs[0].ID != "d" || msgs[1].ID != "e" {
		t.Fatalf("after prune = %+v", msgs)
	}

	fs.Chats().Upsert(ctx, repository.Chat{ID: "c"})
	if err := fs.Chats().Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := fs.Messages().Count(ctx); n != 0 {
		t.Errorf("messages after chat delete = %d", n)
	}
}

func TestNewFileStorageRequiresPath(t *testing.T) {
	if _, err := NewFileStorage(""); err == nil {
		t.Error("expected error for empty path")
	}
}
