package client_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/api"
	"github.com/TheMichaelB/cryptodo/internal/client"
	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/records"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
)

type harness struct {
	cfg      *config.Config
	server   *httptest.Server
	verifier *identity.JWTVerifier
	records  *records.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.RateLimitRPS = 0
	cfg.Auth.JWTSecret = strings.Repeat("k", 32)
	cfg.Storage.DataDir = t.TempDir()
	cfg.Auth.TokenFile = filepath.Join(cfg.Storage.DataDir, "token")
	cfg.Crypto.RotationConcurrency = 2

	verifier, err := identity.NewJWTVerifier(&cfg.Auth)
	require.NoError(t, err)

	recs := records.NewMemoryStore()
	svc, err := keys.NewService(keystore.NewMemoryStore(), recs, keys.Options{
		KDF:      models.KDFParams{Version: models.KDFPBKDF2, Iterations: 1000},
		Cipher:   models.CipherXChaCha20Poly1305,
		SaltSize: crypto.SaltSize,
		Context:  cfg.Crypto.Context,
	}, nil, events.NewNopLogger())
	require.NoError(t, err)

	srv, err := api.NewServer(api.Options{
		Config:   &cfg.Server,
		Keys:     svc,
		Records:  recs,
		Verifier: verifier,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	cfg.API.BaseURL = ts.URL
	cfg.API.MaxRetries = 0

	return &harness{cfg: cfg, server: ts, verifier: verifier, records: recs}
}

func (h *harness) client(t *testing.T, subject string) *client.Client {
	t.Helper()
	c, err := client.New(h.cfg, events.NewNopLogger())
	require.NoError(t, err)

	token, err := h.verifier.Issue(subject)
	require.NoError(t, err)
	require.NoError(t, c.SetToken(token))
	return c
}

func TestRemoteBuyMilk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, "u1")
	kdk := bytes.Repeat([]byte{0x11}, crypto.KDKSize)

	_, err := c.Open(ctx, kdk)
	assert.ErrorIs(t, err, models.ErrKeyNotProvisioned)

	km, created, err := c.Provision(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.CipherXChaCha20Poly1305, km.Cipher)

	s, err := c.Open(ctx, kdk)
	require.NoError(t, err)
	defer s.Close()

	added, err := s.Add(ctx, models.Todo{Text: "buy milk"})
	require.NoError(t, err)

	stored, err := h.records.Get(ctx, "u1", added.ID)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(stored.Ciphertext, []byte("buy milk")))
	assert.Len(t, stored.Nonce, 24)

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, items[0].Err)
	assert.Equal(t, "buy milk", items[0].Todo.Text)

	// u2 with the same KDK sees nothing of u1's.
	other := h.client(t, "u2")
	_, _, err = other.Provision(ctx)
	require.NoError(t, err)
	s2, err := other.Open(ctx, kdk)
	require.NoError(t, err)
	defer s2.Close()

	items, err = s2.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = s2.Get(ctx, added.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemoteRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.client(t, "u1")
	kdk := bytes.Repeat([]byte{0x22}, crypto.KDKSize)

	_, _, err := c.Provision(ctx)
	require.NoError(t, err)
	s, err := c.Open(ctx, kdk)
	require.NoError(t, err)
	defer s.Close()

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.Add(ctx, models.Todo{Text: text})
		require.NoError(t, err)
	}

	result, err := s.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Generation)
	assert.Equal(t, 3, result.Migrated)

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		require.NoError(t, item.Err)
		assert.Equal(t, 2, item.KeyGeneration)
	}
}

func TestWatchThroughClient(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.client(t, "u1")
	_, _, err := c.Provision(ctx)
	require.NoError(t, err)
	s, err := c.Open(ctx, bytes.Repeat([]byte{0x33}, crypto.KDKSize))
	require.NoError(t, err)
	defer s.Close()

	ws, err := c.Watch(ctx)
	require.NoError(t, err)
	defer ws.Close()

	// The hub registers the watcher after the upgrade completes.
	time.Sleep(50 * time.Millisecond)

	added, err := s.Add(ctx, models.Todo{Text: "watch me"})
	require.NoError(t, err)

	select {
	case ev := <-ws.Events():
		assert.Equal(t, models.WatchOpPut, ev.Op)
		assert.Equal(t, added.ID, ev.RecordID)
	case <-ctx.Done():
		t.Fatal("no watch event")
	}
}

func TestLoginPersistsToken(t *testing.T) {
	h := newHarness(t)

	c, err := client.New(h.cfg, events.NewNopLogger())
	require.NoError(t, err)
	_, err = c.Subject()
	assert.ErrorIs(t, err, client.ErrNoToken)

	token, err := h.verifier.Issue("u9")
	require.NoError(t, err)
	require.NoError(t, c.Login(token))

	again, err := client.New(h.cfg, events.NewNopLogger())
	require.NoError(t, err)
	subject, err := again.Subject()
	require.NoError(t, err)
	assert.Equal(t, "u9", subject)

	assert.ErrorIs(t, c.Login("garbage"), models.ErrUnauthenticated)
}

func TestRemoteStoresAreBound(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, "u1")
	ctx := context.Background()

	k, err := c.Keys()
	require.NoError(t, err)
	_, err = k.Material(ctx, "u2")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	r, err := c.Records()
	require.NoError(t, err)
	_, err = r.List(ctx, "u2")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}
