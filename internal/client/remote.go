package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/transport"
)

// RemoteKeys serves key material from the API. The subject argument must
// match the token's subject; the server decides whose material it returns.
type RemoteKeys struct {
	http    *transport.HTTPClient
	subject string
}

// NewRemoteKeys creates a key source bound to subject.
func NewRemoteKeys(http *transport.HTTPClient, subject string) *RemoteKeys {
	return &RemoteKeys{http: http, subject: subject}
}

// Provision provisions key material for the bound subject.
func (k *RemoteKeys) Provision(ctx context.Context) (*models.KeyMaterial, bool, error) {
	view, created, err := k.http.Provision(ctx)
	if err != nil {
		return nil, false, err
	}
	km, err := view.KeyMaterial(k.subject)
	if err != nil {
		return nil, false, err
	}
	return km, created, nil
}

// Material fetches the current key material.
func (k *RemoteKeys) Material(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	if err := k.check(subjectID); err != nil {
		return nil, err
	}
	return k.decode(k.http.Material(ctx))
}

// BeginRotation starts or resumes a rotation.
func (k *RemoteKeys) BeginRotation(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	if err := k.check(subjectID); err != nil {
		return nil, err
	}
	return k.decode(k.http.BeginRotation(ctx))
}

// CommitRotation commits a rotation.
func (k *RemoteKeys) CommitRotation(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	if err := k.check(subjectID); err != nil {
		return nil, err
	}
	return k.decode(k.http.CommitRotation(ctx))
}

func (k *RemoteKeys) check(subjectID string) error {
	if subjectID != k.subject {
		return models.InvalidArgument("remote key source is bound to another subject")
	}
	return nil
}

func (k *RemoteKeys) decode(view *models.KeyMaterialView, err error) (*models.KeyMaterial, error) {
	if err != nil {
		return nil, err
	}
	return view.KeyMaterial(k.subject)
}

// RemoteRecords is a record store backed by the API.
type RemoteRecords struct {
	http    *transport.HTTPClient
	subject string
}

// NewRemoteRecords creates a record store bound to subject.
func NewRemoteRecords(http *transport.HTTPClient, subject string) *RemoteRecords {
	return &RemoteRecords{http: http, subject: subject}
}

// Put writes a sealed record.
func (r *RemoteRecords) Put(ctx context.Context, rec *models.EncryptedRecord) (*models.EncryptedRecord, error) {
	return r.write(ctx, rec, 0)
}

// Replace writes a sealed record only if the stored generation still
// equals fromGeneration.
func (r *RemoteRecords) Replace(ctx context.Context, rec *models.EncryptedRecord, fromGeneration int) (*models.EncryptedRecord, error) {
	if fromGeneration < 1 {
		return nil, models.InvalidArgument("from generation must be at least 1")
	}
	return r.write(ctx, rec, fromGeneration)
}

func (r *RemoteRecords) write(ctx context.Context, rec *models.EncryptedRecord, fromGeneration int) (*models.EncryptedRecord, error) {
	if err := r.check(rec.SubjectID); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	view, err := r.http.PutRecord(ctx, rec.RecordID, models.RecordPayload{
		Envelope:       rec.Envelope(),
		KeyGeneration:  rec.KeyGeneration,
		FromGeneration: fromGeneration,
	})
	if err != nil {
		return nil, err
	}
	return view.Record(r.subject)
}

// Get fetches one record.
func (r *RemoteRecords) Get(ctx context.Context, subjectID, recordID string) (*models.EncryptedRecord, error) {
	if err := r.check(subjectID); err != nil {
		return nil, err
	}
	view, err := r.http.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return view.Record(r.subject)
}

// Delete removes one record.
func (r *RemoteRecords) Delete(ctx context.Context, subjectID, recordID string) error {
	if err := r.check(subjectID); err != nil {
		return err
	}
	return r.http.DeleteRecord(ctx, recordID)
}

// List fetches all records.
func (r *RemoteRecords) List(ctx context.Context, subjectID string) ([]*models.EncryptedRecord, error) {
	if err := r.check(subjectID); err != nil {
		return nil, err
	}
	views, err := r.http.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	recs := make([]*models.EncryptedRecord, 0, len(views))
	for i := range views {
		rec, err := views[i].Record(r.subject)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", views[i].RecordID, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteAll removes every record one by one. The API has no bulk delete.
func (r *RemoteRecords) DeleteAll(ctx context.Context, subjectID string) (int, error) {
	recs, err := r.List(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	for i, rec := range recs {
		if err := r.http.DeleteRecord(ctx, rec.RecordID); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

// Close is a no-op.
func (r *RemoteRecords) Close() error {
	return nil
}

func (r *RemoteRecords) check(subjectID string) error {
	if subjectID != r.subject {
		return models.InvalidArgument("remote record store is bound to another subject")
	}
	return nil
}
