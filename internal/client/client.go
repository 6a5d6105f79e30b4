package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
	"github.com/TheMichaelB/cryptodo/internal/services/todos"
	"github.com/TheMichaelB/cryptodo/internal/transport"
)

// ErrNoToken means no bearer token has been stored yet.
var ErrNoToken = errors.New("not logged in; run 'cryptodo login <token>'")

// Client provides the high-level API for cryptodo operations. The KDK stays
// in this process; only ciphertext and public key material go over the
// wire.
type Client struct {
	config    *config.Config
	logger    *events.Logger
	http      *transport.HTTPClient
	tokenFile string
	subject   string
}

// New creates a client and loads a stored token if one exists.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	tokenFile := expandHome(cfg.Auth.TokenFile)
	if tokenFile == "" {
		tokenFile = filepath.Join(cfg.Storage.DataDir, "token")
	}

	c := &Client{
		config:    cfg,
		logger:    logger.WithField("component", "client"),
		http:      transport.NewHTTPClient(&cfg.API, logger),
		tokenFile: tokenFile,
	}

	if data, err := os.ReadFile(tokenFile); err == nil {
		if err := c.SetToken(strings.TrimSpace(string(data))); err != nil {
			c.logger.WithError(err).Warn("Ignoring unusable stored token")
		}
	}

	return c, nil
}

// SetToken uses token for subsequent calls without persisting it.
func (c *Client) SetToken(token string) error {
	subject, err := identity.SubjectFromToken(token)
	if err != nil {
		return err
	}
	c.http.SetToken(token)
	c.subject = subject
	return nil
}

// Login stores token for later runs.
func (c *Client) Login(token string) error {
	if err := c.SetToken(token); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.tokenFile), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(c.tokenFile, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	c.logger.WithField("subject_id", c.subject).Info("Token saved")
	return nil
}

// Subject returns the subject from the current token.
func (c *Client) Subject() (string, error) {
	if c.subject == "" {
		return "", ErrNoToken
	}
	return c.subject, nil
}

// Keys returns a remote key source for the logged-in subject.
func (c *Client) Keys() (*RemoteKeys, error) {
	subject, err := c.Subject()
	if err != nil {
		return nil, err
	}
	return NewRemoteKeys(c.http, subject), nil
}

// Records returns a remote record store for the logged-in subject.
func (c *Client) Records() (*RemoteRecords, error) {
	subject, err := c.Subject()
	if err != nil {
		return nil, err
	}
	return NewRemoteRecords(c.http, subject), nil
}

// Provision creates key material on first use and returns it.
func (c *Client) Provision(ctx context.Context) (*models.KeyMaterial, bool, error) {
	k, err := c.Keys()
	if err != nil {
		return nil, false, err
	}
	return k.Provision(ctx)
}

// Session is a to-do session plus the unlocker whose KDK it holds.
type Session struct {
	*todos.Session
	unlocker *keys.KDKUnlocker
}

// Close wipes the KDK and cached DEKs.
func (s *Session) Close() {
	s.unlocker.Close()
}

// Open starts an encrypted session using kdk. The caller's copy of kdk
// may be zeroed once Open returns.
func (c *Client) Open(ctx context.Context, kdk []byte) (*Session, error) {
	k, err := c.Keys()
	if err != nil {
		return nil, err
	}
	recs, err := c.Records()
	if err != nil {
		return nil, err
	}

	unlocker, err := keys.NewKDKUnlocker(kdk, c.config.Crypto.Context)
	if err != nil {
		return nil, err
	}

	s, err := todos.NewSession(ctx, c.subject, k, recs, unlocker,
		todos.WithConcurrency(c.config.Crypto.RotationConcurrency),
		todos.WithLogger(c.logger),
	)
	if err != nil {
		unlocker.Close()
		return nil, err
	}

	return &Session{Session: s, unlocker: unlocker}, nil
}

// Watch connects to the change stream. Close the returned client when done.
func (c *Client) Watch(ctx context.Context) (*transport.WSClient, error) {
	if _, err := c.Subject(); err != nil {
		return nil, err
	}
	ws := transport.NewWSClient(c.http.BaseURL(), c.http.GetToken(), c.logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}
