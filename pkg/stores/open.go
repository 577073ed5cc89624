package stores

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	Path    string
}

// Open creates, initializes and migrates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendBadger, "":
		return NewBadgerStore(BadgerConfig{Path: cfg.Path})
	case BackendMemory:
		return NewBadgerStore(BadgerConfig{InMemory: true})
	case BackendSQLite:
		store, err := NewSQLiteStore(SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
