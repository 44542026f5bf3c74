package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	configTableName = "app_config"
	configRowID     = 1
)

func DefaultConfigDBPath() string {
	return filepath.Join(HomeDir(), "sakaki.db")
}

func LegacyConfigPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

func loadConfigFromStore(path string) (*Config, error) {
	store, err := newConfigStore(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, exists, err := store.load(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return cfg, nil
	}

	// A postgres store starts from the local sqlite config when there is one.
	if store.driver == "postgres" {
		sqlitePath := path
		if sqlitePath == "" {
			sqlitePath = DefaultConfigDBPath()
		}
		if migrated, ok, err := copyConfigFromSQLite(ctx, store, sqlitePath); err != nil {
			return nil, err
		} else if ok {
			return migrated, nil
		}
	}

	if legacy, ok, err := migrateLegacyConfig(ctx, store, LegacyConfigPath()); err != nil {
		return nil, err
	} else if ok {
		return legacy, nil
	}

	cfg = DefaultConfig()
	if err := store.save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func saveConfigToStore(path string, cfg *Config) error {
	store, err := newConfigStore(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.save(ctx, cfg)
}

// configStore keeps the config as one encrypted row.
type configStore struct {
	driver string
	dsn    string
}

func newConfigStore(path string) (*configStore, error) {
	driver, dsn, err := resolveConfigStoreTarget(path)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, err
		}
	}
	return &configStore{driver: driver, dsn: dsn}, nil
}

// resolveConfigStoreTarget picks postgres when a database URL can be
// derived from the environment, and the sqlite file at path otherwise.
func resolveConfigStoreTarget(path string) (string, string, error) {
	url := envValue("SAKAKI_CONFIG_DATABASE_URL")
	if url == "" && strings.EqualFold(envValue("SAKAKI_STORAGE_TYPE"), "postgres") {
		url = envValue("SAKAKI_STORAGE_DATABASE_URL")
	}
	if url == "" {
		url = postgresURLFromEnv()
	}
	if url != "" {
		return "postgres", ensurePostgresSSLMode(url), nil
	}

	if path == "" {
		path = DefaultConfigDBPath()
	}
	if strings.TrimSpace(path) == "" {
		return "", "", errors.New("config DB path is empty")
	}
	return "sqlite", path, nil
}

// postgresURLFromEnv builds a URL from the POSTGRES_* variables used by
// the container setup, or returns "".
func postgresURLFromEnv() string {
	user := envValue("POSTGRES_USER")
	pass := envValue("POSTGRES_PASSWORD")
	db := envValue("POSTGRES_DB")
	if user == "" || pass == "" || db == "" {
		return ""
	}
	host := envValue("POSTGRES_HOST")
	if host == "" {
		host = "postgres"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, pass, host, db)
}

func envValue(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func ensurePostgresSSLMode(url string) string {
	if strings.Contains(url, "sslmode=") {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "sslmode=disable"
}

func (s *configStore) openDB() (*sql.DB, error) {
	return sql.Open(s.driver, s.dsn)
}

func (s *configStore) placeholders(query string) string {
	if s.driver != "postgres" {
		return query
	}
	n := 0
	var b strings.Builder
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *configStore) ensureSchema(ctx context.Context, db *sql.DB) error {
	blob, stamp := "BLOB", "TEXT"
	if s.driver == "postgres" {
		blob, stamp = "BYTEA", "TIMESTAMPTZ"
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			ciphertext %s NOT NULL,
			nonce %s NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at %s NOT NULL
		)`, configTableName, blob, blob, stamp))
	return err
}

func (s *configStore) load(ctx context.Context) (*Config, bool, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, false, err
	}
	defer db.Close()

	if err := s.ensureSchema(ctx, db); err != nil {
		return nil, false, err
	}
	return readConfigRow(ctx, db, s.placeholders(
		fmt.Sprintf("SELECT ciphertext, nonce FROM %s WHERE id = ?", configTableName)))
}

func readConfigRow(ctx context.Context, db *sql.DB, query string) (*Config, bool, error) {
	var ciphertext, nonce []byte
	if err := db.QueryRowContext(ctx, query, configRowID).Scan(&ciphertext, &nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	key, err := getMasterKey()
	if err != nil {
		return nil, false, err
	}
	plaintext, err := decryptConfig(key, ciphertext, nonce)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(plaintext, cfg); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func (s *configStore) save(ctx context.Context, cfg *Config) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := s.ensureSchema(ctx, db); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	key, err := getMasterKey()
	if err != nil {
		return err
	}
	ciphertext, nonce, err := encryptConfig(key, data)
	if err != nil {
		return err
	}

	query := s.placeholders(fmt.Sprintf(`
		INSERT INTO %s (id, ciphertext, nonce, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			version = excluded.version,
			updated_at = excluded.updated_at`, configTableName))
	_, err = db.ExecContext(ctx, query, configRowID, ciphertext, nonce, 1, time.Now().UTC().Format(time.RFC3339))
	return err
}

// copyConfigFromSQLite moves the config row of a local sqlite store into
// target. It reports false when there is nothing to copy.
func copyConfigFromSQLite(ctx context.Context, target *configStore, sqlitePath string) (*Config, bool, error) {
	if _, err := os.Stat(sqlitePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, false, err
	}
	defer db.Close()

	var name string
	err = db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", configTableName).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	cfg, ok, err := readConfigRow(ctx, db,
		fmt.Sprintf("SELECT ciphertext, nonce FROM %s WHERE id = ?", configTableName))
	if err != nil || !ok {
		return nil, false, err
	}
	if err := target.save(ctx, cfg); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}
