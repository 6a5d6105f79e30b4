package transport

import (
	"context"
	"net/http"
	"net/url"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// Provision calls POST /keys/provision. created reports a 201.
func (c *HTTPClient) Provision(ctx context.Context) (view *models.KeyMaterialView, created bool, err error) {
	view = &models.KeyMaterialView{}
	status, err := c.doJSON(ctx, http.MethodPost, "/keys/provision", nil, view)
	if err != nil {
		return nil, false, err
	}
	return view, status == http.StatusCreated, nil
}

// Material calls GET /keys/material.
func (c *HTTPClient) Material(ctx context.Context) (*models.KeyMaterialView, error) {
	return c.keyCall(ctx, http.MethodGet, "/keys/material")
}

// BeginRotation calls POST /keys/rotation.
func (c *HTTPClient) BeginRotation(ctx context.Context) (*models.KeyMaterialView, error) {
	return c.keyCall(ctx, http.MethodPost, "/keys/rotation")
}

// CommitRotation calls POST /keys/rotation/commit.
func (c *HTTPClient) CommitRotation(ctx context.Context) (*models.KeyMaterialView, error) {
	return c.keyCall(ctx, http.MethodPost, "/keys/rotation/commit")
}

func (c *HTTPClient) keyCall(ctx context.Context, method, path string) (*models.KeyMaterialView, error) {
	var view models.KeyMaterialView
	if _, err := c.doJSON(ctx, method, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// PutRecord calls PUT /records/{id}.
func (c *HTTPClient) PutRecord(ctx context.Context, id string, payload models.RecordPayload) (*models.RecordView, error) {
	var view models.RecordView
	if _, err := c.doJSON(ctx, http.MethodPut, recordPath(id), payload, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// GetRecord calls GET /records/{id}.
func (c *HTTPClient) GetRecord(ctx context.Context, id string) (*models.RecordView, error) {
	var view models.RecordView
	if _, err := c.doJSON(ctx, http.MethodGet, recordPath(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListRecords calls GET /records.
func (c *HTTPClient) ListRecords(ctx context.Context) ([]models.RecordView, error) {
	var resp struct {
		Records []models.RecordView `json:"records"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, "/records", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// DeleteRecord calls DELETE /records/{id}.
func (c *HTTPClient) DeleteRecord(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, recordPath(id), nil, nil)
	return err
}

func recordPath(id string) string {
	return "/records/" + url.PathEscape(id)
}
