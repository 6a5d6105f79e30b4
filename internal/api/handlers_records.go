package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// listResponse is the body of GET /records.
type listResponse struct {
	Records []models.RecordView `json:"records"`
}

func (s *Server) handlePutRecord(c *gin.Context) {
	ctx := c.Request.Context()
	subject := subjectOf(c)
	id := c.Param("id")

	if err := models.ValidateRecordID(id); err != nil {
		abortWithError(c, err, true)
		return
	}

	var payload models.RecordPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortWithError(c, models.InvalidArgument("malformed record body"), true)
		return
	}

	nonce, ciphertext, err := payload.Envelope.Decode()
	if err != nil {
		abortWithError(c, err, true)
		return
	}

	rec := &models.EncryptedRecord{
		RecordID:      id,
		SubjectID:     subject,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		KeyGeneration: payload.KeyGeneration,
	}

	// The write must use the subject's write generation and finish before
	// any rotation commit can retire it.
	var stored *models.EncryptedRecord
	err = s.keys.GuardWrite(ctx, subject, payload.KeyGeneration, func(km *models.KeyMaterial) error {
		if len(nonce) != km.Cipher.NonceSize() {
			return models.InvalidArgument("nonce length %d does not match cipher %s", len(nonce), km.Cipher)
		}

		var err error
		if payload.FromGeneration > 0 {
			stored, err = s.records.Replace(ctx, rec, payload.FromGeneration)
		} else {
			stored, err = s.records.Put(ctx, rec)
		}
		return err
	})
	if err != nil {
		abortWithError(c, err, true)
		return
	}

	s.hub.Publish(subject, models.WatchEvent{
		Op:            models.WatchOpPut,
		RecordID:      id,
		KeyGeneration: stored.KeyGeneration,
		At:            stored.UpdatedAt,
	})
	c.JSON(http.StatusOK, stored.View())
}

func (s *Server) handleGetRecord(c *gin.Context) {
	rec, err := s.records.Get(c.Request.Context(), subjectOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err, false)
		return
	}
	c.JSON(http.StatusOK, rec.View())
}

func (s *Server) handleListRecords(c *gin.Context) {
	recs, err := s.records.List(c.Request.Context(), subjectOf(c))
	if err != nil {
		abortWithError(c, err, false)
		return
	}

	resp := listResponse{Records: make([]models.RecordView, 0, len(recs))}
	for _, rec := range recs {
		resp.Records = append(resp.Records, rec.View())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteRecord(c *gin.Context) {
	subject := subjectOf(c)
	id := c.Param("id")

	if err := s.records.Delete(c.Request.Context(), subject, id); err != nil {
		abortWithError(c, err, true)
		return
	}

	s.hub.Publish(subject, models.WatchEvent{
		Op:       models.WatchOpDelete,
		RecordID: id,
		At:       time.Now().UTC(),
	})
	c.Status(http.StatusNoContent)
}
