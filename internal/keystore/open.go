package keystore

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
)

// Open creates the key store selected by cfg.KeyBackend.
func Open(ctx context.Context, cfg *config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.KeyBackend {
	case "sqlite":
		store, err := NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "dynamodb":
		store, err := NewDynamoDBStore(ctx, cfg.DynamoDBTable, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown key backend: %s", cfg.KeyBackend)
	}
}
