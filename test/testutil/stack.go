package testutil

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/api"
	"github.com/TheMichaelB/cryptodo/internal/client"
	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/records"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
)

// TestConfigWithDir returns a config with fast key derivation whose
// stores live under dataDir.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()

	cfg.Storage.DataDir = dataDir
	cfg.Storage.SQLitePath = filepath.Join(dataDir, "cryptodo.db")
	cfg.Storage.KeyBackend = "sqlite"
	cfg.Storage.RecordBackend = "sqlite"

	cfg.Auth.JWTSecret = strings.Repeat("s", identity.MinSecretSize)
	cfg.Auth.TokenFile = filepath.Join(dataDir, "token")
	cfg.Auth.KeyFile = filepath.Join(dataDir, "kdk")

	cfg.Crypto.Iterations = 1000
	cfg.Crypto.RotationConcurrency = 4

	cfg.Server.RateLimitRPS = 0
	cfg.API.MaxRetries = 0
	cfg.API.Timeout = 10 * time.Second

	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.Color = false
	return cfg
}

// Stack is a running API server with real stores, plus what a test needs
// to reach around it.
type Stack struct {
	Config   *config.Config
	Keys     *keys.Service
	KeyStore keystore.Store
	Records  records.Store
	Verifier *identity.JWTVerifier
	Registry *prometheus.Registry
	Server   *httptest.Server
	Logs     *LogOutput
}

// NewStack starts a server over the stores cfg selects. Everything is
// closed when the test ends.
func NewStack(t testing.TB, cfg *config.Config) *Stack {
	t.Helper()
	ctx := context.Background()

	logs := NewLogOutput()
	logger := events.NewTestLogger(events.DebugLevel, "json", logs)

	require.NoError(t, cfg.EnsureDirectories())
	ks, err := keystore.Open(ctx, &cfg.Storage, logger)
	require.NoError(t, err)
	recs, err := records.Open(ctx, &cfg.Storage, logger)
	require.NoError(t, err)

	opts, err := keys.OptionsFromConfig(&cfg.Crypto)
	require.NoError(t, err)
	if cfg.Crypto.KeyMode == config.KeyModeWrapped {
		wrapper, err := crypto.NewKeyWrapper(bytes.Repeat([]byte{0x42}, crypto.KDKSize))
		require.NoError(t, err)
		opts.Wrapper = wrapper
	}

	reg := prometheus.NewRegistry()
	metrics, err := keys.NewMetrics(reg)
	require.NoError(t, err)

	svc, err := keys.NewService(ks, recs, opts, metrics, logger)
	require.NoError(t, err)

	verifier, err := identity.NewJWTVerifier(&cfg.Auth)
	require.NoError(t, err)

	srv, err := api.NewServer(api.Options{
		Config:   &cfg.Server,
		Keys:     svc,
		Records:  recs,
		Verifier: verifier,
		Registry: reg,
		Logger:   logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	cfg.API.BaseURL = ts.URL

	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
		recs.Close()
		ks.Close()
	})

	return &Stack{
		Config:   cfg,
		Keys:     svc,
		KeyStore: ks,
		Records:  recs,
		Verifier: verifier,
		Registry: reg,
		Server:   ts,
		Logs:     logs,
	}
}

// Client returns a remote client logged in as subject.
func (s *Stack) Client(t testing.TB, subject string) *client.Client {
	t.Helper()

	c, err := client.New(s.Config, events.NewNopLogger())
	require.NoError(t, err)
	token, err := s.Verifier.Issue(subject)
	require.NoError(t, err)
	require.NoError(t, c.SetToken(token))
	return c
}

// KDK returns a fixed key distinct per seed.
func KDK(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, crypto.KDKSize)
}
