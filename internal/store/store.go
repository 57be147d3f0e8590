// Package store persists channel messages, agents, channel bindings and
// profiles. SQLite is the embedded default; Postgres serves Supabase
// deployments.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"atlas/internal/config"
	"atlas/internal/domain"
)

// Store is the full persistence surface: the routing reads and writes plus
// the registry administration used by the CLI.
type Store interface {
	domain.MessageStore
	domain.RegistryAdmin
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(config.ExpandPath(cfg.DBPath), logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
