package config

import (
	"os"
	"strconv"
	"time"
)

// LambdaConfig contains settings for the account lifecycle function.
type LambdaConfig struct {
	KeyTableName     string        `json:"key_table_name"`
	S3Bucket         string        `json:"s3_bucket"`
	S3Prefix         string        `json:"s3_prefix"`
	WebhookSecretEnv string        `json:"webhook_secret_env"`
	OperationTimeout time.Duration `json:"operation_timeout"`
	TimeoutBuffer    time.Duration `json:"timeout_buffer"`
	LogLevel         string        `json:"log_level"`

	// Crypto settings for newly provisioned subjects
	Crypto CryptoConfig `json:"crypto"`
}

// LoadLambdaConfig loads configuration for Lambda environment
func LoadLambdaConfig() *LambdaConfig {
	cfg := &LambdaConfig{
		WebhookSecretEnv: "WEBHOOK_SECRET",
		OperationTimeout: 10 * time.Second,
		TimeoutBuffer:    2 * time.Second,
		LogLevel:         "info",
		Crypto:           DefaultConfig().Crypto,
	}

	// Override from environment
	if v := os.Getenv("LAMBDA_OPERATION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OperationTimeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("CRYPTODO_KEY_MODE"); v != "" {
		cfg.Crypto.KeyMode = v
	}
	if v := os.Getenv("CRYPTODO_CIPHER"); v != "" {
		cfg.Crypto.Cipher = v
	}
	if v := os.Getenv("CRYPTODO_KDF_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Crypto.KDFVersion = n
		}
	}
	if v := os.Getenv("CRYPTODO_ROOT_SECRET_ARN"); v != "" {
		cfg.Crypto.RootSecretSource = "secretsmanager"
		cfg.Crypto.RootSecretARN = v
	}

	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3Prefix = os.Getenv("S3_PREFIX")
	cfg.KeyTableName = os.Getenv("KEY_TABLE_NAME")

	if cfg.KeyTableName == "" {
		cfg.KeyTableName = "cryptodo-keys"
	}
	if cfg.S3Prefix == "" {
		cfg.S3Prefix = "records"
	}

	return cfg
}

// IsLambdaEnvironment checks if running in Lambda
func IsLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}
