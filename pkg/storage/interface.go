package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

// Backend types.
const (
	TypeFile     = "file"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Storage persists the mirror: chats, contacts and recent messages.
type Storage interface {
	Chats() repository.ChatRepository
	Contacts() repository.ContactRepository
	Messages() repository.MessageRepository

	// Connect opens the backend and applies pending migrations.
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
}

// Config selects and configures a backend. FilePath is a directory for
// the file backend and the database file for sqlite. The pool settings
// apply to postgres only; sqlite always uses a single connection.
type Config struct {
	Type         string
	FilePath     string
	DatabaseURL  string
	SSLEnabled   bool
	MaxIdleConns int
	MaxOpenConns int
	MaxLifetime  time.Duration
}

func DefaultConfig(storageType string) Config {
	return Config{
		Type:         storageType,
		MaxIdleConns: 5,
		MaxOpenConns: 25,
		MaxLifetime:  5 * time.Minute,
	}
}

// ValidType reports whether t names a supported backend.
func ValidType(t string) bool {
	switch t {
	case TypeFile, TypeSQLite, TypePostgres:
		return true
	}
	return false
}

// Validate checks that the fields the selected backend needs are set.
func (c Config) Validate() error {
	switch c.Type {
	case TypeFile, TypeSQLite:
		if c.FilePath == "" {
			return fmt.Errorf("%s storage needs a file path", c.Type)
		}
	case TypePostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres storage needs a database URL")
		}
	default:
		return fmt.Errorf("unsupported storage type %q (supported: file, sqlite, postgres)", c.Type)
	}
	return nil
}
