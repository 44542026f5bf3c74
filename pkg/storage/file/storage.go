package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

const mirrorFileName = "mirror_store.json"

// document is the on-disk layout of the mirror file.
type document struct {
	Chats    map[string]repository.Chat            `json:"chats"`
	Contacts map[string]repository.Contact         `json:"contacts"`
	Messages map[string][]repository.StoredMessage `json:"messages"`
}

// FileStorage implements the storage.Storage interface with a single JSON
// file, rewritten atomically on every mutation.
type FileStorage struct {
	mu       sync.RWMutex
	dir      string
	filePath string
	doc      document

	chats    repository.ChatRepository
	contacts repository.ContactRepository
	messages repository.MessageRepository
}

// NewFileStorage creates a new file-based storage instance.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("file path is required for file-based storage")
	}

	fs := &FileStorage{
		dir:      dir,
		filePath: filepath.Join(dir, mirrorFileName),
		doc:      emptyDocument(),
	}
	fs.chats = &chatRepository{fs: fs}
	fs.contacts = &contactRepository{fs: fs}
	fs.messages = &messageRepository{fs: fs}
	return fs, nil
}

func emptyDocument() document {
	return document{
		Chats:    make(map[string]repository.Chat),
		Contacts: make(map[string]repository.Contact),
		Messages: make(map[string][]repository.StoredMessage),
	}
}

// Connect creates the directory and loads the existing file, if any.
func (fs *FileStorage) Connect(ctx context.Context) error {
	if err := os.MkdirAll(fs.dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	data, err := os.ReadFile(fs.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read mirror file: %w", err)
	}

	doc := emptyDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse mirror file: %w", err)
	}
	if doc.Chats == nil {
		doc.Chats = make(map[string]repository.Chat)
	}
	if doc.Contacts == nil {
		doc.Contacts = make(map[string]repository.Contact)
	}
	if doc.Messages == nil {
		doc.Messages = make(map[string][]repository.StoredMessage)
	}

	fs.mu.Lock()
	fs.doc = doc
	fs.mu.Unlock()
	return nil
}

// Close closes the file-based storage (no-op for files).
func (fs *FileStorage) Close() error {
	return nil
}

func (fs *FileStorage) Chats() repository.ChatRepository {
	return fs.chats
}

func (fs *FileStorage) Contacts() repository.ContactRepository {
	return fs.contacts
}

func (fs *FileStorage) Messages() repository.MessageRepository {
	return fs.messages
}

// Ping checks that the storage directory is reachable.
func (fs *FileStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.dir)
	}
	return nil
}

// saveLocked writes the document through a temp file and rename.
// Callers hold fs.mu.
func (fs *FileStorage) saveLocked() error {
	data, err := json.MarshalIndent(fs.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(fs.dir, 0755); err != nil {
		return err
	}
	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.filePath)
}

// mutate applies fn under the write lock and persists the result.
func (fs *FileStorage) mutate(fn func(doc *document) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fn(&fs.doc); err != nil {
		return err
	}
	return fs.saveLocked()
}
