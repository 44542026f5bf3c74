package storage

import (
	"github.com/sakaki-bot/sakaki/pkg/storage/file"
	"github.com/sakaki-bot/sakaki/pkg/storage/sqldb"
)

// NewStorage validates cfg and builds the backend it selects. The backend
// is not connected yet.
func NewStorage(cfg Config) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeFile:
		return file.NewFileStorage(cfg.FilePath)
	case TypeSQLite:
		return sqldb.NewSQLite(cfg.FilePath)
	default:
		return sqldb.NewPostgres(cfg.DatabaseURL, cfg.SSLEnabled, sqldb.Pool{
			MaxIdleConns: cfg.MaxIdleConns,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxLifetime:  cfg.MaxLifetime,
		})
	}
}
