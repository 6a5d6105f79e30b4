package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// statusFor maps an error to an HTTP status. A missing key is 404 on reads
// and 409 on writes, where it means "provision first".
func statusFor(err error, write bool) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrKeyNotProvisioned):
		if write {
			return http.StatusConflict
		}
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRotationInProgress), errors.Is(err, models.ErrRotationConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is what the caller sees. Internal and storage failures are
// not echoed back.
func publicMessage(err error, status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "storage temporarily unavailable"
	default:
		return err.Error()
	}
}

func abortWithError(c *gin.Context, err error, write bool) {
	status := statusFor(err, write)
	requestID := events.GetRequestID(c.Request.Context())

	logger := events.FromContext(c.Request.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed")
	} else {
		logger.Debug("Request rejected")
	}

	c.AbortWithStatusJSON(status, &models.APIError{
		Code:       models.CodeOf(err),
		Message:    publicMessage(err, status),
		StatusCode: status,
		RequestID:  requestID,
	})
}
