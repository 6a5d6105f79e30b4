package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Client-side API access
	API APIConfig `json:"api" mapstructure:"api" yaml:"api"`

	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server" yaml:"server"`

	// Bearer credential verification and client credentials
	Auth AuthConfig `json:"auth" mapstructure:"auth" yaml:"auth"`

	// Key material and record backends
	Storage StorageConfig `json:"storage" mapstructure:"storage" yaml:"storage"`

	// Key derivation and record encryption
	Crypto CryptoConfig `json:"crypto" mapstructure:"crypto" yaml:"crypto"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log" yaml:"log"`

	// Development options
	Dev DevConfig `json:"dev,omitempty" mapstructure:"dev" yaml:"dev,omitempty"`
}

// APIConfig for talking to a cryptodo server.
type APIConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent" yaml:"user_agent"`
}

// ServerConfig for the HTTP API.
type ServerConfig struct {
	ListenAddr      string        `json:"listen_addr" mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `json:"max_body_bytes" mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimitRPS    float64       `json:"rate_limit_rps" mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`     // Per subject; 0 disables
	RateLimitBurst  int           `json:"rate_limit_burst" mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	EnableMetrics   bool          `json:"enable_metrics" mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

// AuthConfig for bearer tokens.
type AuthConfig struct {
	// Server side: HS256 verification
	JWTSecret string        `json:"jwt_secret,omitempty" mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	Issuer    string        `json:"issuer" mapstructure:"issuer" yaml:"issuer"`
	Audience  string        `json:"audience" mapstructure:"audience" yaml:"audience"`
	Leeway    time.Duration `json:"leeway" mapstructure:"leeway" yaml:"leeway"`
	TokenTTL  time.Duration `json:"token_ttl" mapstructure:"token_ttl" yaml:"token_ttl"`

	// Client side
	TokenFile string `json:"token_file" mapstructure:"token_file" yaml:"token_file"`
	KeyFile   string `json:"key_file" mapstructure:"key_file" yaml:"key_file"` // Local KDK; never uploaded
}

// StorageConfig selects the key material and record backends.
type StorageConfig struct {
	DataDir       string        `json:"data_dir" mapstructure:"data_dir" yaml:"data_dir"`
	KeyBackend    string        `json:"key_backend" mapstructure:"key_backend" yaml:"key_backend"`          // sqlite, dynamodb, memory
	RecordBackend string        `json:"record_backend" mapstructure:"record_backend" yaml:"record_backend"` // sqlite, file, s3, minio, memory
	SQLitePath    string        `json:"sqlite_path" mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`

	DynamoDBTable string `json:"dynamodb_table" mapstructure:"dynamodb_table" yaml:"dynamodb_table"`
	S3Bucket      string `json:"s3_bucket" mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Prefix      string `json:"s3_prefix" mapstructure:"s3_prefix" yaml:"s3_prefix"`

	Minio MinioConfig `json:"minio" mapstructure:"minio" yaml:"minio"`
}

// MinioConfig for S3-compatible self-hosted object storage.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key,omitempty" mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Bucket    string `json:"bucket" mapstructure:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" mapstructure:"use_ssl" yaml:"use_ssl"`
}

// CryptoConfig for key derivation and sealing. Derivation parameters are
// copied into each subject's key material at provisioning time; changing
// them here only affects subjects provisioned afterwards.
type CryptoConfig struct {
	KDFVersion     int    `json:"kdf_version" mapstructure:"kdf_version" yaml:"kdf_version"` // 1 pbkdf2, 2 argon2id, 3 scrypt
	Iterations     int    `json:"iterations" mapstructure:"iterations" yaml:"iterations"`
	Argon2Time     uint32 `json:"argon2_time" mapstructure:"argon2_time" yaml:"argon2_time"`
	Argon2MemoryKB uint32 `json:"argon2_memory_kb" mapstructure:"argon2_memory_kb" yaml:"argon2_memory_kb"`
	Argon2Threads  uint8  `json:"argon2_threads" mapstructure:"argon2_threads" yaml:"argon2_threads"`
	ScryptN        int    `json:"scrypt_n" mapstructure:"scrypt_n" yaml:"scrypt_n"`
	ScryptR        int    `json:"scrypt_r" mapstructure:"scrypt_r" yaml:"scrypt_r"`
	ScryptP        int    `json:"scrypt_p" mapstructure:"scrypt_p" yaml:"scrypt_p"`
	SaltSize       int    `json:"salt_size" mapstructure:"salt_size" yaml:"salt_size"`
	Cipher         string `json:"cipher" mapstructure:"cipher" yaml:"cipher"`
	Context        string `json:"context" mapstructure:"context" yaml:"context"`

	// KeyMode is "client" (KDK never leaves the client) or "wrapped" (the
	// server holds each KDK sealed under a root secret).
	KeyMode string `json:"key_mode" mapstructure:"key_mode" yaml:"key_mode"`

	// Root secret source for wrapped mode: env, file or secretsmanager.
	RootSecretSource string `json:"root_secret_source" mapstructure:"root_secret_source" yaml:"root_secret_source"`
	RootSecretEnv    string `json:"root_secret_env" mapstructure:"root_secret_env" yaml:"root_secret_env"`
	RootSecretFile   string `json:"root_secret_file" mapstructure:"root_secret_file" yaml:"root_secret_file"`
	RootSecretARN    string `json:"root_secret_arn" mapstructure:"root_secret_arn" yaml:"root_secret_arn"`

	RotationConcurrency int `json:"rotation_concurrency" mapstructure:"rotation_concurrency" yaml:"rotation_concurrency"`

	// Wrapped-mode DEK cache bounds. Entries are zeroed on eviction.
	DEKCacheSize int           `json:"dek_cache_size" mapstructure:"dek_cache_size" yaml:"dek_cache_size"`
	DEKCacheTTL  time.Duration `json:"dek_cache_ttl" mapstructure:"dek_cache_ttl" yaml:"dek_cache_ttl"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format" yaml:"format"` // text, json
	File   string `json:"file" mapstructure:"file" yaml:"file"`       // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color" yaml:"color"`    // Enable colored output
}

// DevConfig for development/debugging.
type DevConfig struct {
	InsecureSkipVerify bool `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Key modes
const (
	KeyModeClient  = "client"
	KeyModeWrapped = "wrapped"
)

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".cryptodo"

	return &Config{
		API: APIConfig{
			BaseURL:    "http://localhost:8080",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "cryptodo-cli/1.0",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    256 * 1024,
			RateLimitRPS:    30,
			RateLimitBurst:  60,
			EnableMetrics:   true,
		},
		Auth: AuthConfig{
			Issuer:    "cryptodo",
			Audience:  "cryptodo-api",
			Leeway:    30 * time.Second,
			TokenTTL:  24 * time.Hour,
			TokenFile: filepath.Join(dataDir, "token"),
			KeyFile:   filepath.Join(dataDir, "kdk"),
		},
		Storage: StorageConfig{
			DataDir:       dataDir,
			KeyBackend:    "sqlite",
			RecordBackend: "sqlite",
			SQLitePath:    filepath.Join(dataDir, "cryptodo.db"),
			Timeout:       10 * time.Second,
			DynamoDBTable: "cryptodo-keys",
			S3Prefix:      "records",
			Minio: MinioConfig{
				Endpoint: "localhost:9000",
				Bucket:   "cryptodo-records",
			},
		},
		Crypto: CryptoConfig{
			KDFVersion:          1,
			Iterations:          600000,
			Argon2Time:          2,
			Argon2MemoryKB:      64 * 1024,
			Argon2Threads:       1,
			ScryptN:             32768,
			ScryptR:             8,
			ScryptP:             1,
			SaltSize:            32,
			Cipher:              "aes-256-gcm",
			Context:             "cryptodo/todo-dek/v1",
			KeyMode:             KeyModeClient,
			RootSecretSource:    "env",
			RootSecretEnv:       "CRYPTODO_ROOT_SECRET",
			RotationConcurrency: 8,
			DEKCacheSize:        1024,
			DEKCacheTTL:         15 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}

	if c.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must not be negative")
	}

	validKeyBackends := map[string]bool{"sqlite": true, "dynamodb": true, "memory": true}
	if !validKeyBackends[c.Storage.KeyBackend] {
		return fmt.Errorf("invalid storage.key_backend: %s", c.Storage.KeyBackend)
	}

	validRecordBackends := map[string]bool{"sqlite": true, "file": true, "s3": true, "minio": true, "memory": true}
	if !validRecordBackends[c.Storage.RecordBackend] {
		return fmt.Errorf("invalid storage.record_backend: %s", c.Storage.RecordBackend)
	}

	if c.Storage.KeyBackend == "dynamodb" && c.Storage.DynamoDBTable == "" {
		return errors.New("storage.dynamodb_table is required for the dynamodb backend")
	}

	if c.Storage.RecordBackend == "s3" && c.Storage.S3Bucket == "" {
		return errors.New("storage.s3_bucket is required for the s3 backend")
	}

	if c.Storage.RecordBackend == "minio" && (c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "") {
		return errors.New("storage.minio.endpoint and storage.minio.bucket are required for the minio backend")
	}

	if c.Crypto.KDFVersion < 1 || c.Crypto.KDFVersion > 3 {
		return fmt.Errorf("invalid crypto.kdf_version: %d", c.Crypto.KDFVersion)
	}

	if c.Crypto.SaltSize < 16 {
		return errors.New("crypto.salt_size must be at least 16")
	}

	validCiphers := map[string]bool{"aes-256-gcm": true, "xchacha20-poly1305": true}
	if !validCiphers[c.Crypto.Cipher] {
		return fmt.Errorf("invalid crypto.cipher: %s", c.Crypto.Cipher)
	}

	if c.Crypto.Context == "" {
		return errors.New("crypto.context is required")
	}

	switch c.Crypto.KeyMode {
	case KeyModeClient:
	case KeyModeWrapped:
		validSources := map[string]bool{"env": true, "file": true, "secretsmanager": true}
		if !validSources[c.Crypto.RootSecretSource] {
			return fmt.Errorf("invalid crypto.root_secret_source: %s", c.Crypto.RootSecretSource)
		}
	default:
		return fmt.Errorf("invalid crypto.key_mode: %s", c.Crypto.KeyMode)
	}

	if c.Crypto.RotationConcurrency <= 0 {
		return errors.New("crypto.rotation_concurrency must be positive")
	}

	if c.Crypto.DEKCacheSize <= 0 || c.Crypto.DEKCacheTTL <= 0 {
		return errors.New("crypto.dek_cache_size and crypto.dek_cache_ttl must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	if c.Storage.SQLitePath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.SQLitePath))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
