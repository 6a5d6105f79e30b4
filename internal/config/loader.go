package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "CRYPTODO",
	}
}

// Load reads configuration from defaults, file and environment, in
// increasing order of precedence.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	// Every key needs a default or AutomaticEnv never sees it.
	if err := registerDefaults(v, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("register defaults: %w", err)
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigPath returns the file the last Load read, if any.
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"cryptodo.yaml",
		"cryptodo.json",
		".cryptodo.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "cryptodo", "config.yaml"),
			filepath.Join(homeDir, ".cryptodo", "config.yaml"),
		)
	}

	return paths
}

// registerDefaults flattens cfg into dotted viper keys.
func registerDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}

	// omitempty drops secrets from the JSON form; they still need a key.
	for _, key := range []string{"auth.jwt_secret", "storage.minio.secret_key"} {
		v.SetDefault(key, "")
	}

	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, child)
			continue
		}
		v.SetDefault(key, val)
	}
}

// SaveExample writes an example YAML config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := "# cryptodo configuration file\n" +
		"# Environment variables override these settings using the CRYPTODO_ prefix,\n" +
		"# for example CRYPTODO_LOG_LEVEL=debug or CRYPTODO_CRYPTO_KEY_MODE=wrapped.\n\n"

	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("write file: directory for %s does not exist", path)
		}
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
