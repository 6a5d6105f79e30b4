package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
)

// Account lifecycle actions.
const (
	ActionUserCreated = "user.created"
	ActionUserDeleted = "user.deleted"
)

// Event is a direct invocation from an identity provider hook or a queue.
type Event struct {
	Action    string `json:"action"`
	SubjectID string `json:"subject_id"`
}

// Response is returned for every event, including rejected ones.
type Response struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SubjectID  string `json:"subject_id,omitempty"`
	Created    bool   `json:"created,omitempty"`
	Generation int    `json:"generation,omitempty"`
	Code       string `json:"code,omitempty"`
}

// Handler provisions key material when an account is created and erases it,
// together with the account's records, when the account is deleted.
type Handler struct {
	keys    *keys.Service
	logger  *events.Logger
	webhook *svix.Webhook
	timeout time.Duration
	buffer  time.Duration
}

// New creates a handler over svc. A nil webhook disables webhook requests;
// direct invocations are trusted through IAM.
func New(svc *keys.Service, cfg *config.LambdaConfig, webhook *svix.Webhook, logger *events.Logger) *Handler {
	return &Handler{
		keys:    svc,
		logger:  logger.WithField("component", "lifecycle"),
		webhook: webhook,
		timeout: cfg.OperationTimeout,
		buffer:  cfg.TimeoutBuffer,
	}
}

// ProcessEvent applies one lifecycle action. Failures are reported in the
// response; the returned error is reserved for retryable conditions so
// the invoker retries them.
func (h *Handler) ProcessEvent(ctx context.Context, event Event) (Response, error) {
	start := time.Now()
	logger := h.logger.WithFields(map[string]interface{}{
		"action":     event.Action,
		"subject_id": event.SubjectID,
	})
	logger.Info("Processing lifecycle event")

	if err := models.ValidateSubject(event.SubjectID); err != nil {
		return failure(event, err), nil
	}

	ctx, cancel := h.operationContext(ctx)
	defer cancel()

	var (
		resp Response
		err  error
	)
	switch event.Action {
	case ActionUserCreated:
		resp, err = h.provision(ctx, event)
	case ActionUserDeleted:
		resp, err = h.erase(ctx, event)
	default:
		return Response{
			Success:   false,
			Message:   fmt.Sprintf("Unknown action: %s", event.Action),
			SubjectID: event.SubjectID,
			Code:      models.ErrCodeInvalidArgument,
		}, nil
	}

	if err != nil {
		logger.WithError(err).Error("Lifecycle event failed")
		if models.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return failure(event, err), err
		}
		return failure(event, err), nil
	}

	logger.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Lifecycle event done")
	return resp, nil
}

func (h *Handler) provision(ctx context.Context, event Event) (Response, error) {
	km, created, err := h.keys.GetOrCreate(ctx, event.SubjectID)
	if err != nil {
		return Response{}, err
	}

	msg := "Key material already provisioned"
	if created {
		msg = "Key material provisioned"
	}
	return Response{
		Success:    true,
		Message:    msg,
		SubjectID:  event.SubjectID,
		Created:    created,
		Generation: km.Generation,
	}, nil
}

func (h *Handler) erase(ctx context.Context, event Event) (Response, error) {
	if err := h.keys.Delete(ctx, event.SubjectID); err != nil {
		return Response{}, err
	}
	return Response{
		Success:   true,
		Message:   "Subject erased",
		SubjectID: event.SubjectID,
	}, nil
}

// operationContext bounds one operation by the configured timeout, and by
// the invocation deadline less a buffer for writing the response.
func (h *Handler) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && h.buffer > 0 {
		ctx, cancel := context.WithDeadline(ctx, deadline.Add(-h.buffer))
		if h.timeout <= 0 {
			return ctx, cancel
		}
		inner, innerCancel := context.WithTimeout(ctx, h.timeout)
		return inner, func() { innerCancel(); cancel() }
	}
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

func failure(event Event, err error) Response {
	return Response{
		Success:   false,
		Message:   err.Error(),
		SubjectID: event.SubjectID,
		Code:      models.CodeOf(err),
	}
}

// Invoke routes a raw payload: function URL requests go through webhook
// verification, anything else is decoded as an Event.
func (h *Handler) Invoke(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var probe struct {
		RequestContext json.RawMessage `json:"requestContext"`
		RawPath        string          `json:"rawPath"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if len(probe.RequestContext) > 0 || probe.RawPath != "" {
		req, err := decodeURLRequest(payload)
		if err != nil {
			return nil, err
		}
		return h.HandleWebhook(ctx, req)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return h.ProcessEvent(ctx, event)
}
