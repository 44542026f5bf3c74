package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/config"
	"github.com/sakaki-bot/sakaki/pkg/storage"
	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

func TestSetValue(t *testing.T) {
	cfg := config.DefaultConfig()

	out, err := setValue(cfg, "mirror.max_messages", "50")
	if err != nil || out.Mirror.MaxMessages != 50 {
		t.Fatalf("max_messages: %v %d", err, out.Mirror.MaxMessages)
	}
	out, err = setValue(cfg, "sticker.author", "100")
	if err != nil || out.Sticker.Author != "100" {
		t.Fatalf("numeric string: %v %q", err, out.Sticker.Author)
	}
	out, err = setValue(cfg, "whatsapp.do_reply", "true")
	if err != nil || !out.WhatsApp.DoReply {
		t.Fatalf("bool: %v", err)
	}
	if _, err := setValue(cfg, "mirror.max_messages", "lots"); err == nil {
		t.Error("expected error for non-numeric max_messages")
	}
	if _, err := setValue(cfg, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown section")
	}
}

func TestStorageConfigPaths(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.FilePath = "/data/store"
	sc := storageConfig(cfg)
	if sc.FilePath != filepath.Join("/data/store", "mirror.db") {
		t.Errorf("sqlite path = %q", sc.FilePath)
	}

	file := backendConfig(sc, "file")
	if file.Type != "file" || file.FilePath != "/data/store" {
		t.Errorf("file backend = %+v", file)
	}
	back := backendConfig(file, "sqlite")
	if back.FilePath != sc.FilePath {
		t.Errorf("sqlite backend = %q", back.FilePath)
	}
}

func TestMigrateAndExportMirror(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := storage.DefaultConfig("file")
	base.FilePath = filepath.Join(dir, "store")

	src, err := openStorage(ctx, base)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer src.Close()

	at := time.Unix(1700000000, 0).UTC()
	if err := src.Chats().Upsert(ctx, repository.Chat{ID: "c1@s.whatsapp.net", LastMessageAt: at, UpdatedAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := src.Contacts().Upsert(ctx, repository.Contact{ID: "c1@s.whatsapp.net", PushName: "Ana", UpdatedAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := src.Messages().Save(ctx, repository.StoredMessage{
		ChatID: "c1@s.whatsapp.net", ID: "m1", Kind: "text", Text: "oi", Raw: []byte{1}, Timestamp: at,
	}); err != nil {
		t.Fatal(err)
	}

	dest, err := openStorage(ctx, backendConfig(base, "sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer dest.Close()

	if err := migrateMirror(ctx, src, dest); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	msg, err := dest.Messages().Get(ctx, "c1@s.whatsapp.net", "m1")
	if err != nil || msg.Text != "oi" || len(msg.Raw) != 1 {
		t.Fatalf("migrated message = %+v, %v", msg, err)
	}
	if n, _ := dest.Contacts().Count(ctx); n != 1 {
		t.Errorf("contacts = %d", n)
	}

	out := filepath.Join(dir, "export")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatal(err)
	}
	n, err := exportMirror(ctx, dest, out)
	if err != nil || n != 1 {
		t.Fatalf("export: %d %v", n, err)
	}
	for _, name := range []string{"chats.json", "contacts.json", "messages/c1_at_s.whatsapp.net.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}
