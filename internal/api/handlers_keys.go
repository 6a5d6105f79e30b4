package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// handleProvision is the idempotent get-or-create. 201 on first call, 200
// afterwards; the body is the same either way.
func (s *Server) handleProvision(c *gin.Context) {
	km, created, err := s.keys.GetOrCreate(c.Request.Context(), subjectOf(c))
	if err != nil {
		abortWithError(c, err, true)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, km.View())
}

func (s *Server) handleMaterial(c *gin.Context) {
	km, err := s.keys.Material(c.Request.Context(), subjectOf(c))
	if err != nil {
		abortWithError(c, err, false)
		return
	}
	c.JSON(http.StatusOK, km.View())
}

func (s *Server) handleBeginRotation(c *gin.Context) {
	km, err := s.keys.BeginRotation(c.Request.Context(), subjectOf(c))
	if err != nil {
		abortWithError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, km.View())
}

func (s *Server) handleCommitRotation(c *gin.Context) {
	subject := subjectOf(c)
	km, err := s.keys.CommitRotation(c.Request.Context(), subject)
	if err != nil {
		abortWithError(c, err, true)
		return
	}

	s.hub.Publish(subject, models.WatchEvent{
		Op:            models.WatchOpRotated,
		KeyGeneration: km.Generation,
		At:            time.Now().UTC(),
	})
	c.JSON(http.StatusOK, km.View())
}
