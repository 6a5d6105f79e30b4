package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/identity"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

const requestIDHeader = "X-Request-ID"

// requestContext attaches a request id and logger, then logs and measures
// the request once it completes.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		ctx := events.WithLogger(c.Request.Context(), s.logger)
		ctx = events.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		s.metrics.observe(c.Request.Method, c.FullPath(), status, time.Since(start))

		events.FromContext(c.Request.Context()).WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"route":       c.FullPath(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Request handled")
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				abortWithError(c, fmt.Errorf("panic: %v", r), false)
			}
		}()
		c.Next()
	}
}

func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.MaxBodyBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
		}
		c.Next()
	}
}

// authenticate resolves the bearer token to a subject. Handlers read the
// subject from the request context only.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := identity.BearerToken(c.GetHeader("Authorization"))
		subject, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err, false)
			return
		}

		c.Request = c.Request.WithContext(events.WithSubjectID(c.Request.Context(), subject))
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := events.GetSubjectID(c.Request.Context())
		if !s.limiter.Allow(subject, time.Now()) {
			c.Header("Retry-After", "1")
			abortWithError(c, models.ErrRateLimited, false)
			return
		}
		c.Next()
	}
}

func subjectOf(c *gin.Context) string {
	return events.GetSubjectID(c.Request.Context())
}
