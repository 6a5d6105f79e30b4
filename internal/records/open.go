package records

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
)

// Open creates the record store selected by cfg.RecordBackend.
func Open(ctx context.Context, cfg *config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.RecordBackend {
	case "sqlite":
		store, err := NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		backend, err := NewS3Backend(ctx, cfg.S3Bucket, logger)
		if err != nil {
			return nil, err
		}
		return NewBlobStore(backend, cfg.S3Prefix, logger), nil
	case "minio":
		backend, err := NewMinioBackend(ctx, cfg.Minio, logger)
		if err != nil {
			return nil, err
		}
		return NewBlobStore(backend, cfg.S3Prefix, logger), nil
	case "file":
		backend, err := NewFileBackend(filepath.Join(cfg.DataDir, "records"), logger)
		if err != nil {
			return nil, err
		}
		return NewBlobStore(backend, cfg.S3Prefix, logger), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown record backend: %s", cfg.RecordBackend)
	}
}
