package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/records"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
)

// Options wires the server's collaborators.
type Options struct {
	Config   *config.ServerConfig
	Keys     *keys.Service
	Records  records.Store
	Verifier identity.Verifier

	// Registry serves /metrics when non-nil.
	Registry *prometheus.Registry
	Logger   *events.Logger
}

// Server is the cryptodo HTTP API. It moves only ciphertext and public key
// material; it never sees a plaintext to-do.
type Server struct {
	cfg      *config.ServerConfig
	keys     *keys.Service
	records  records.Store
	verifier identity.Verifier
	hub      *Hub
	limiter  *subjectLimiter
	metrics  *httpMetrics
	logger   *events.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Keys == nil || opts.Records == nil || opts.Verifier == nil {
		return nil, errors.New("api: config, keys, records and verifier are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = events.NewNopLogger()
	}

	s := &Server{
		cfg:      opts.Config,
		keys:     opts.Keys,
		records:  opts.Records,
		verifier: opts.Verifier,
		limiter:  newSubjectLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst, 0),
		logger:   logger.WithField("component", "api"),
	}

	if opts.Registry != nil {
		m, err := newHTTPMetrics(opts.Registry)
		if err != nil {
			return nil, fmt.Errorf("register http metrics: %w", err)
		}
		s.metrics = m
	}
	s.hub = NewHub(s.logger, s.metrics)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.requestContext(), s.bodyLimit())

	r.GET("/healthz", s.handleHealth)
	if opts.Registry != nil && opts.Config.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	authed := r.Group("/", s.authenticate(), s.rateLimit())
	{
		authed.POST("/keys/provision", s.handleProvision)
		authed.GET("/keys/material", s.handleMaterial)
		authed.POST("/keys/rotation", s.handleBeginRotation)
		authed.POST("/keys/rotation/commit", s.handleCommitRotation)

		authed.GET("/records", s.handleListRecords)
		authed.GET("/records/watch", s.handleWatch)
		authed.PUT("/records/:id", s.handlePutRecord)
		authed.GET("/records/:id", s.handleGetRecord)
		authed.DELETE("/records/:id", s.handleDeleteRecord)
	}

	s.engine = r
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the watch hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.ListenAddr).Info("API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down API")
	s.hub.Close()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
