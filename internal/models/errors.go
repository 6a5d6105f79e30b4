package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeDecrypt            = "DECRYPT_ERROR"
	ErrCodeKeyNotProvisioned  = "KEY_NOT_PROVISIONED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRotationInProgress = "ROTATION_IN_PROGRESS"
	ErrCodeRotationConflict   = "ROTATION_CONFLICT"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeRateLimit          = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL"
)

// Sentinel errors
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnavailable        = errors.New("service unavailable")
	ErrDecrypt            = errors.New("record could not be decrypted")
	ErrKeyNotProvisioned  = errors.New("key material not provisioned")
	ErrNotFound           = errors.New("not found")
	ErrRotationInProgress = errors.New("key rotation in progress")
	ErrRotationConflict   = errors.New("key rotation conflict")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrRateLimited        = errors.New("rate limited")
)

// APIError represents an error returned by the HTTP API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the wire code back onto the local sentinel so callers on the
// client side can use errors.Is the same way the server does.
func (e *APIError) Unwrap() error {
	return sentinelForCode(e.Code)
}

// KeyError describes a key provisioning or derivation failure.
type KeyError struct {
	Code      string
	Op        string
	SubjectID string
	Err       error
}

func (e *KeyError) Error() string {
	if e.SubjectID != "" {
		return fmt.Sprintf("key %s [%s]: subject %s: %v", e.Op, e.Code, e.SubjectID, e.Err)
	}
	return fmt.Sprintf("key %s [%s]: %v", e.Op, e.Code, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// RecordError describes a failure on a single record. Decrypt failures never
// carry a reason beyond ErrDecrypt.
type RecordError struct {
	Code     string
	RecordID string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s [%s]: %v", e.RecordID, e.Code, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// InvalidArgument wraps a validation message as ErrInvalidArgument.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Unavailable wraps a storage or transport failure as ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// IsRetryable reports whether the operation may succeed if retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// CodeOf returns the error code for err.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeInvalidArgument
	case errors.Is(err, ErrDecrypt):
		return ErrCodeDecrypt
	case errors.Is(err, ErrKeyNotProvisioned):
		return ErrCodeKeyNotProvisioned
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrRotationInProgress):
		return ErrCodeRotationInProgress
	case errors.Is(err, ErrRotationConflict):
		return ErrCodeRotationConflict
	case errors.Is(err, ErrUnauthenticated):
		return ErrCodeUnauthenticated
	case errors.Is(err, ErrRateLimited):
		return ErrCodeRateLimit
	case errors.Is(err, ErrUnavailable):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternal
	}
}

func sentinelForCode(code string) error {
	switch code {
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeUnavailable:
		return ErrUnavailable
	case ErrCodeDecrypt:
		return ErrDecrypt
	case ErrCodeKeyNotProvisioned:
		return ErrKeyNotProvisioned
	case ErrCodeNotFound:
		return ErrNotFound
	case ErrCodeRotationInProgress:
		return ErrRotationInProgress
	case ErrCodeRotationConflict:
		return ErrRotationConflict
	case ErrCodeUnauthenticated:
		return ErrUnauthenticated
	case ErrCodeRateLimit:
		return ErrRateLimited
	default:
		return nil
	}
}
