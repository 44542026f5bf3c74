// Package sqldb backs the mirror store with a SQL database. The same
// repositories serve PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite);
// queries are written with ? placeholders and rebound per dialect.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

// Dialect selects driver-specific SQL.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Pool configures the database/sql connection pool.
type Pool struct {
	MaxIdleConns int
	MaxOpenConns int
	MaxLifetime  time.Duration
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage implements the storage.Storage interface on top of *sql.DB.
type Storage struct {
	db       *sql.DB
	dialect  Dialect
	chats    repository.ChatRepository
	contacts repository.ContactRepository
	messages repository.MessageRepository
}

// NewPostgres creates a PostgreSQL-backed storage instance.
func NewPostgres(databaseURL string, sslEnabled bool, pool Pool) (*Storage, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL storage")
	}

	// An explicit sslmode in the URL wins.
	if !strings.Contains(databaseURL, "sslmode=") {
		sep := "?"
		if strings.Contains(databaseURL, "?") {
			sep = "&"
		}
		if sslEnabled {
			databaseURL = databaseURL + sep + "sslmode=require"
		} else {
			databaseURL = databaseURL + sep + "sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	pool.apply(db)
	return newStorage(db, Postgres), nil
}

// NewSQLite creates a SQLite-backed storage instance at path.
func NewSQLite(path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("database file is required for SQLite storage")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	return newStorage(db, SQLite), nil
}

func newStorage(db *sql.DB, d Dialect) *Storage {
	return &Storage{
		db:       db,
		dialect:  d,
		chats:    &chatRepository{db: db, d: d},
		contacts: &contactRepository{db: db, d: d},
		messages: &messageRepository{db: db, d: d},
	}
}

func (p Pool) apply(db *sql.DB) {
	if p.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxLifetime > 0 {
		db.SetConnMaxLifetime(p.MaxLifetime)
	}
}

// Connect establishes the connection and runs migrations.
func (s *Storage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigrations(ctx, s.db, s.dialect); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Storage) Chats() repository.ChatRepository {
	return s.chats
}

func (s *Storage) Contacts() repository.ContactRepository {
	return s.contacts
}

func (s *Storage) Messages() repository.MessageRepository {
	return s.messages
}

// Ping checks if the database connection is alive.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into $N for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn inside a transaction.
func withTx(ctx context.Context, db *sql.DB, fn func(tx dbExecutor) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
