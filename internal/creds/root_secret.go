package creds

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/crypto"
)

// Root secret sources
const (
	SourceEnv            = "env"
	SourceFile           = "file"
	SourceSecretsManager = "secretsmanager"
)

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// secretDocument is the JSON form a stored secret may take.
type secretDocument struct {
	RootSecretB64 string `json:"root_secret_b64"`
}

// ParseRootSecret decodes a root secret. It accepts base64 text, a JSON
// document with root_secret_b64, or exactly 32 raw bytes.
func ParseRootSecret(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var doc secretDocument
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse root secret document: %w", err)
		}
		trimmed = []byte(strings.TrimSpace(doc.RootSecretB64))
	}

	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err == nil && len(decoded) == crypto.RootSecretSize {
		return decoded, nil
	}
	return checkSize(data)
}

func checkSize(secret []byte) ([]byte, error) {
	if len(secret) != crypto.RootSecretSize {
		return nil, fmt.Errorf("root secret must decode to %d bytes, got %d", crypto.RootSecretSize, len(secret))
	}
	return secret, nil
}

// LoadFromEnv reads a base64 root secret from an environment variable.
func LoadFromEnv(name string) ([]byte, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return ParseRootSecret([]byte(v))
}

// LoadFromFile reads a root secret from a local file.
func LoadFromFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRootSecret(b)
}

// LoadFromSecret reads a root secret from Secrets Manager by name or ARN.
func LoadFromSecret(ctx context.Context, client SecretsAPI, secretID string) ([]byte, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretID})
	if err != nil {
		return nil, fmt.Errorf("get secret value: %w", err)
	}
	switch {
	case out.SecretString != nil:
		return ParseRootSecret([]byte(*out.SecretString))
	case len(out.SecretBinary) > 0:
		return ParseRootSecret(out.SecretBinary)
	default:
		return nil, fmt.Errorf("secret has no payload")
	}
}

// LoadRootSecret loads the root secret from the configured source.
func LoadRootSecret(ctx context.Context, cfg *config.CryptoConfig) ([]byte, error) {
	switch cfg.RootSecretSource {
	case SourceEnv:
		return LoadFromEnv(cfg.RootSecretEnv)
	case SourceFile:
		return LoadFromFile(cfg.RootSecretFile)
	case SourceSecretsManager:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return LoadFromSecret(ctx, secretsmanager.NewFromConfig(awsCfg), cfg.RootSecretARN)
	default:
		return nil, fmt.Errorf("unknown root secret source %q", cfg.RootSecretSource)
	}
}

// NewKeyWrapper loads the root secret and builds a wrapper from it. The
// loaded bytes are zeroed once copied into the wrapper.
func NewKeyWrapper(ctx context.Context, cfg *config.CryptoConfig) (*crypto.KeyWrapper, error) {
	root, err := LoadRootSecret(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(root)
	return crypto.NewKeyWrapper(root)
}
