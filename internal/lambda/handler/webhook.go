package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	awsevents "github.com/aws/aws-lambda-go/events"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

const secretPrefix = "whsec_"

var errMissingHeaders = errors.New("missing webhook id, timestamp or signature header")

// webhookEvent is the identity provider's user event envelope.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ParseWebhookSecret builds a verifier from a "whsec_" prefixed base64
// secret. Secrets without the prefix are used as raw bytes. An empty
// secret yields nil.
func ParseWebhookSecret(s string) (*svix.Webhook, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var (
		wh  *svix.Webhook
		err error
	)
	if strings.HasPrefix(s, secretPrefix) {
		wh, err = svix.NewWebhook(s)
	} else {
		wh, err = svix.NewWebhookRaw([]byte(s))
	}
	if err != nil {
		return nil, models.InvalidArgument("webhook secret is not valid base64")
	}
	return wh, nil
}

// webhookHeaders copies the function URL headers into an http.Header and
// checks the signature set is present under either naming scheme.
func webhookHeaders(headers map[string]string) (http.Header, error) {
	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		hdr.Set(k, v)
	}

	for _, name := range []string{"id", "timestamp", "signature"} {
		if hdr.Get("svix-"+name) == "" && hdr.Get("webhook-"+name) == "" {
			return nil, errMissingHeaders
		}
	}
	return hdr, nil
}

// HandleWebhook verifies and applies a signed user event delivered to the
// function URL. Event types other than user.created and user.deleted are
// acknowledged and ignored.
func (h *Handler) HandleWebhook(ctx context.Context, req awsevents.LambdaFunctionURLRequest) (awsevents.LambdaFunctionURLResponse, error) {
	if h.webhook == nil {
		h.logger.Error("Webhook received but no webhook secret is configured")
		return textResponse(http.StatusServiceUnavailable, "webhooks are not configured"), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return textResponse(http.StatusBadRequest, "body is not valid base64"), nil
		}
		body = decoded
	}

	hdr, err := webhookHeaders(req.Headers)
	if err != nil {
		h.logger.WithError(err).Warn("Rejected webhook")
		return textResponse(http.StatusBadRequest, err.Error()), nil
	}
	if err := h.webhook.Verify(body, hdr); err != nil {
		h.logger.WithError(err).Warn("Rejected webhook")
		return textResponse(http.StatusUnauthorized, "invalid webhook signature"), nil
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return textResponse(http.StatusBadRequest, "invalid event payload"), nil
	}
	if evt.Type != ActionUserCreated && evt.Type != ActionUserDeleted {
		h.logger.WithField("type", evt.Type).Debug("Ignoring webhook event")
		return textResponse(http.StatusOK, "webhook received"), nil
	}

	resp, err := h.ProcessEvent(ctx, Event{Action: evt.Type, SubjectID: evt.Data.ID})
	if err != nil {
		// Svix redelivers on 5xx.
		return jsonResponse(http.StatusServiceUnavailable, resp), nil
	}
	if !resp.Success {
		status := http.StatusInternalServerError
		if resp.Code == models.ErrCodeInvalidArgument {
			status = http.StatusBadRequest
		}
		return jsonResponse(status, resp), nil
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	return jsonResponse(status, resp), nil
}

func decodeURLRequest(payload []byte) (awsevents.LambdaFunctionURLRequest, error) {
	var req awsevents.LambdaFunctionURLRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode function URL request: %w", err)
	}
	return req, nil
}

func textResponse(status int, msg string) awsevents.LambdaFunctionURLResponse {
	return awsevents.LambdaFunctionURLResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       msg,
	}
}

func jsonResponse(status int, v interface{}) awsevents.LambdaFunctionURLResponse {
	data, err := json.Marshal(v)
	if err != nil {
		return textResponse(http.StatusInternalServerError, "encode response")
	}
	return awsevents.LambdaFunctionURLResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}
