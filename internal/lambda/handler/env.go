package handler

import (
	"context"
	"fmt"
	"os"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/creds"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/records"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
)

// NewFromEnvironment wires a handler against DynamoDB key material and, when
// S3_BUCKET is set, the S3 record store so deletions also erase records.
func NewFromEnvironment(ctx context.Context) (*Handler, error) {
	cfg := config.LoadLambdaConfig()

	logger, err := events.NewLogger(&config.LogConfig{
		Level:  cfg.LogLevel,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	opts, err := keys.OptionsFromConfig(&cfg.Crypto)
	if err != nil {
		return nil, fmt.Errorf("crypto config: %w", err)
	}
	if cfg.Crypto.KeyMode == config.KeyModeWrapped {
		wrapper, err := creds.NewKeyWrapper(ctx, &cfg.Crypto)
		if err != nil {
			return nil, fmt.Errorf("load root secret: %w", err)
		}
		opts.Wrapper = wrapper
	}

	store, err := keystore.NewDynamoDBStore(ctx, cfg.KeyTableName, logger)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	var recs records.Store
	if cfg.S3Bucket != "" {
		backend, err := records.NewS3Backend(ctx, cfg.S3Bucket, logger)
		if err != nil {
			return nil, fmt.Errorf("open record store: %w", err)
		}
		recs = records.NewBlobStore(backend, cfg.S3Prefix, logger)
	} else {
		logger.Warn("S3_BUCKET not set, deleting a subject leaves its records in place")
	}

	svc, err := keys.NewService(store, recs, opts, nil, logger)
	if err != nil {
		return nil, err
	}

	webhook, err := ParseWebhookSecret(os.Getenv(cfg.WebhookSecretEnv))
	if err != nil {
		return nil, err
	}
	if webhook == nil {
		logger.WithField("env", cfg.WebhookSecretEnv).Warn("Webhook secret not set, only direct invocations are accepted")
	}

	logger.WithFields(map[string]interface{}{
		"key_table": cfg.KeyTableName,
		"bucket":    cfg.S3Bucket,
		"key_mode":  cfg.Crypto.KeyMode,
	}).Info("Lifecycle handler ready")

	return New(svc, cfg, webhook, logger), nil
}
