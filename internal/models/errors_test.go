package models_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

func TestKeyError(t *testing.T) {
	tests := []struct {
		name string
		err  *models.KeyError
		want string
	}{
		{
			name: "with subject",
			err: &models.KeyError{
				Code:      models.ErrCodeUnavailable,
				Op:        "provision",
				SubjectID: "u1",
				Err:       errors.New("database locked"),
			},
			want: "key provision [UNAVAILABLE]: subject u1: database locked",
		},
		{
			name: "without subject",
			err: &models.KeyError{
				Code: models.ErrCodeInvalidArgument,
				Op:   "derive",
				Err:  errors.New("salt too short"),
			},
			want: "key derive [INVALID_ARGUMENT]: salt too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAPIError(t *testing.T) {
	err := &models.APIError{
		Code:       models.ErrCodeKeyNotProvisioned,
		Message:    "key material not provisioned",
		StatusCode: 404,
		RequestID:  "req-123",
	}

	assert.Equal(t, "API error 404 (KEY_NOT_PROVISIONED): key material not provisioned", err.Error())
	assert.ErrorIs(t, err, models.ErrKeyNotProvisioned)
	assert.False(t, errors.Is(err, models.ErrNotFound))
}

func TestErrorUnwrapping(t *testing.T) {
	keyErr := &models.KeyError{
		Code: models.ErrCodeUnavailable,
		Op:   "provision",
		Err:  models.Unavailable("insert key material", errors.New("disk full")),
	}
	wrapped := fmt.Errorf("handler: %w", keyErr)

	assert.ErrorIs(t, wrapped, models.ErrUnavailable)
	assert.True(t, models.IsRetryable(wrapped))

	var target *models.KeyError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "provision", target.Op)

	recErr := &models.RecordError{Code: models.ErrCodeDecrypt, RecordID: "r1", Err: models.ErrDecrypt}
	assert.ErrorIs(t, recErr, models.ErrDecrypt)
	assert.False(t, models.IsRetryable(recErr))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{models.InvalidArgument("bad %s", "salt"), models.ErrCodeInvalidArgument},
		{fmt.Errorf("open: %w", models.ErrDecrypt), models.ErrCodeDecrypt},
		{models.ErrKeyNotProvisioned, models.ErrCodeKeyNotProvisioned},
		{models.ErrNotFound, models.ErrCodeNotFound},
		{models.ErrRotationConflict, models.ErrCodeRotationConflict},
		{models.Unavailable("get", errors.New("timeout")), models.ErrCodeUnavailable},
		{&models.APIError{Code: models.ErrCodeRateLimit}, models.ErrCodeRateLimit},
		{errors.New("boom"), models.ErrCodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, models.CodeOf(tt.err))
	}
}

func TestInvalidArgumentMessage(t *testing.T) {
	err := models.InvalidArgument("salt must be at least %d bytes", 16)
	assert.EqualError(t, err, "invalid argument: salt must be at least 16 bytes")
}
