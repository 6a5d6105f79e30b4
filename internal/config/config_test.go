package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.NotEmpty(t, cfg.API.BaseURL)
	assert.Positive(t, cfg.API.Timeout)
	assert.NotEmpty(t, cfg.Storage.DataDir)
	assert.Equal(t, config.KeyModeClient, cfg.Crypto.KeyMode)
	assert.GreaterOrEqual(t, cfg.Crypto.SaltSize, 16)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing base URL",
			modify: func(c *config.Config) {
				c.API.BaseURL = ""
			},
			wantErr: "api.base_url is required",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "negative timeout",
			modify: func(c *config.Config) {
				c.API.Timeout = -1
			},
			wantErr: "api.timeout must be positive",
		},
		{
			name: "unknown key backend",
			modify: func(c *config.Config) {
				c.Storage.KeyBackend = "postgres"
			},
			wantErr: "invalid storage.key_backend",
		},
		{
			name: "s3 without bucket",
			modify: func(c *config.Config) {
				c.Storage.RecordBackend = "s3"
			},
			wantErr: "storage.s3_bucket is required",
		},
		{
			name: "short salt",
			modify: func(c *config.Config) {
				c.Crypto.SaltSize = 8
			},
			wantErr: "crypto.salt_size",
		},
		{
			name: "unknown cipher",
			modify: func(c *config.Config) {
				c.Crypto.Cipher = "des"
			},
			wantErr: "invalid crypto.cipher",
		},
		{
			name: "unknown key mode",
			modify: func(c *config.Config) {
				c.Crypto.KeyMode = "escrow"
			},
			wantErr: "invalid crypto.key_mode",
		},
		{
			name: "wrapped mode with unknown secret source",
			modify: func(c *config.Config) {
				c.Crypto.KeyMode = config.KeyModeWrapped
				c.Crypto.RootSecretSource = "vault"
			},
			wantErr: "invalid crypto.root_secret_source",
		},
		{
			name: "unbounded dek cache",
			modify: func(c *config.Config) {
				c.Crypto.DEKCacheTTL = 0
			},
			wantErr: "crypto.dek_cache_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("CRYPTODO_API_BASE_URL", "https://test.example.com")
	t.Setenv("CRYPTODO_API_TIMEOUT", "45s")
	t.Setenv("CRYPTODO_LOG_LEVEL", "debug")
	t.Setenv("CRYPTODO_CRYPTO_KDF_VERSION", "2")
	t.Setenv("CRYPTODO_SERVER_RATE_LIMIT_BURST", "10")

	loader := config.NewLoader(filepath.Join(t.TempDir(), "missing-ok.yaml"))
	_, err := loader.Load()
	require.Error(t, err, "an explicit path must exist")

	loader = config.NewLoader(writeFile(t, "empty.yaml", "log:\n  format: text\n"))
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://test.example.com", cfg.API.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.API.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Crypto.KDFVersion)
	assert.Equal(t, 10, cfg.Server.RateLimitBurst)
}

func TestLoaderFile(t *testing.T) {
	configJSON := `{
		"api": {
			"base_url": "https://file.example.com"
		},
		"crypto": {
			"cipher": "xchacha20-poly1305",
			"iterations": 700000
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`

	loader := config.NewLoader(writeFile(t, "test.json", configJSON))
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", cfg.API.BaseURL)
	assert.Equal(t, "xchacha20-poly1305", cfg.Crypto.Cipher)
	assert.Equal(t, 700000, cfg.Crypto.Iterations)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "cryptodo/todo-dek/v1", cfg.Crypto.Context)
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	loader := config.NewLoader(writeFile(t, "bad.yaml", "crypto:\n  key_mode: escrow\n"))
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid crypto.key_mode")
}

func TestSaveExampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cryptodo.yaml")
	require.NoError(t, config.SaveExample(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CRYPTODO_")
	assert.Contains(t, string(data), "timeout: 30s")

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().API, cfg.API)
	assert.Equal(t, config.DefaultConfig().Crypto, cfg.Crypto)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.SQLitePath = filepath.Join(tmpDir, "db", "cryptodo.db")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, filepath.Dir(cfg.Storage.SQLitePath))
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}

func TestLoadLambdaConfig(t *testing.T) {
	t.Setenv("KEY_TABLE_NAME", "keys-prod")
	t.Setenv("S3_BUCKET", "records-prod")
	t.Setenv("LAMBDA_OPERATION_TIMEOUT_SECONDS", "60")

	cfg := config.LoadLambdaConfig()
	assert.Equal(t, "keys-prod", cfg.KeyTableName)
	assert.Equal(t, "records-prod", cfg.S3Bucket)
	assert.Equal(t, "records", cfg.S3Prefix)
	assert.Equal(t, time.Minute, cfg.OperationTimeout)
	assert.Equal(t, config.KeyModeClient, cfg.Crypto.KeyMode)
}

func TestLoadLambdaConfigCryptoOverrides(t *testing.T) {
	t.Setenv("CRYPTODO_KEY_MODE", "wrapped")
	t.Setenv("CRYPTODO_KDF_VERSION", "2")
	t.Setenv("CRYPTODO_ROOT_SECRET_ARN", "arn:aws:secretsmanager:eu-west-1:1:secret:root")

	cfg := config.LoadLambdaConfig()
	assert.Equal(t, config.KeyModeWrapped, cfg.Crypto.KeyMode)
	assert.Equal(t, 2, cfg.Crypto.KDFVersion)
	assert.Equal(t, "secretsmanager", cfg.Crypto.RootSecretSource)
	assert.Equal(t, "cryptodo-keys", cfg.KeyTableName)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
