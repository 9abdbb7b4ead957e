// Package store selects the persistence backend for license records and
// admin accounts from configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"hostelpro/internal/auth"
	"hostelpro/internal/config"
	"hostelpro/internal/license"
	"hostelpro/internal/store/boltstore"
	"hostelpro/internal/store/sqlstore"
)

// Backend stores both license records and admin accounts
type Backend interface {
	license.Store
	auth.AccountStore
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend named by cfg.Storage.Driver. File based drivers
// use the resolved database path.
func Open(ctx context.Context, cfg *config.Config, paths *config.Paths, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Storage.Driver {
	case config.DriverSQLite, config.DriverMySQL:
		dsn := cfg.Storage.DSN
		if cfg.Storage.Driver == config.DriverSQLite {
			dsn = paths.Database
		}
		s, err := sqlstore.Open(ctx, cfg.Storage.Driver, dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverBolt:
		s, err := boltstore.Open(paths.Database, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		logger.WarnContext(ctx, "Using in-memory storage, licenses are lost on restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
}

// Memory is a process-local Backend
type Memory struct {
	*license.MemoryStore
	*auth.MemoryAccountStore
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{
		MemoryStore:        license.NewMemoryStore(),
		MemoryAccountStore: auth.NewMemoryAccountStore(),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
