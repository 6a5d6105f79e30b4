package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// ObjectBackend is a flat object namespace such as an S3 bucket.
type ObjectBackend interface {
	// PutObject writes data at key. A non-empty ifMatch makes the write
	// conditional on the current ETag.
	PutObject(ctx context.Context, key string, data []byte, ifMatch string) error

	// GetObject returns the object and its ETag, or ErrObjectNotFound.
	GetObject(ctx context.Context, key string) ([]byte, string, error)

	// DeleteObject removes the object at key.
	DeleteObject(ctx context.Context, key string) error

	// ListKeys returns every key under prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Object backend errors
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// BlobStore keeps one JSON object per record under
// <prefix>/<subject>/<record>.json.
type BlobStore struct {
	backend ObjectBackend
	prefix  string
	logger  *events.Logger
}

// NewBlobStore wraps an object backend.
func NewBlobStore(backend ObjectBackend, prefix string, logger *events.Logger) *BlobStore {
	return &BlobStore{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger.WithField("component", "blob_record_store"),
	}
}

// blobRecord is the object body. Nonce and ciphertext are base64 like on
// the API wire.
type blobRecord struct {
	RecordID      string    `json:"record_id"`
	SubjectID     string    `json:"subject_id"`
	NonceB64      string    `json:"nonce_b64"`
	CiphertextB64 string    `json:"ciphertext_b64"`
	KeyGeneration int       `json:"key_generation"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func encodeBlob(rec *models.EncryptedRecord) ([]byte, error) {
	env := rec.Envelope()
	return json.Marshal(blobRecord{
		RecordID:      rec.RecordID,
		SubjectID:     rec.SubjectID,
		NonceB64:      env.NonceB64,
		CiphertextB64: env.CiphertextB64,
		KeyGeneration: rec.KeyGeneration,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	})
}

func decodeBlob(data []byte) (*models.EncryptedRecord, error) {
	var b blobRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode record object: %w", err)
	}

	env := models.Envelope{NonceB64: b.NonceB64, CiphertextB64: b.CiphertextB64}
	nonce, ct, err := env.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode record object %s: %w", b.RecordID, err)
	}

	return &models.EncryptedRecord{
		RecordID:      b.RecordID,
		SubjectID:     b.SubjectID,
		Nonce:         nonce,
		Ciphertext:    ct,
		KeyGeneration: b.KeyGeneration,
		CreatedAt:     b.CreatedAt.UTC(),
		UpdatedAt:     b.UpdatedAt.UTC(),
	}, nil
}

func (s *BlobStore) subjectPrefix(subjectID string) string {
	return path.Join(s.prefix, escapeSegment(subjectID)) + "/"
}

func (s *BlobStore) objectKey(subjectID, recordID string) string {
	return s.subjectPrefix(subjectID) + url.PathEscape(recordID) + ".json"
}

// escapeSegment keeps "." and ".." subjects from collapsing the key path.
func escapeSegment(seg string) string {
	escaped := url.PathEscape(seg)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}

func (s *BlobStore) load(ctx context.Context, subjectID, recordID string) (*models.EncryptedRecord, string, error) {
	data, etag, err := s.backend.GetObject(ctx, s.objectKey(subjectID, recordID))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, "", ErrRecordNotFound
	}
	if err != nil {
		return nil, "", models.Unavailable("get record object", err)
	}

	rec, err := decodeBlob(data)
	if err != nil {
		return s.unreadable(subjectID, recordID, err), etag, nil
	}
	return rec, etag, nil
}

// unreadable is the placeholder for an object that exists but does not
// decode. Callers see the record and fail to open it instead of losing it.
func (s *BlobStore) unreadable(subjectID, recordID string, err error) *models.EncryptedRecord {
	s.logger.WithError(err).WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"record_id":  recordID,
	}).Warn("Record object is unreadable")

	return &models.EncryptedRecord{
		RecordID:   recordID,
		SubjectID:  subjectID,
		Unreadable: true,
	}
}

// recordIDFromKey recovers the record id from an object key.
func recordIDFromKey(key string) (string, bool) {
	name := strings.TrimSuffix(path.Base(key), ".json")
	id, err := url.PathUnescape(name)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Put writes the record object, keeping CreatedAt of an existing object.
func (s *BlobStore) Put(ctx context.Context, rec *models.EncryptedRecord) (*models.EncryptedRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	existing, _, err := s.load(ctx, rec.SubjectID, rec.RecordID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	return s.write(ctx, rec, existing, "")
}

// Replace writes the record object if the stored generation is unchanged.
// The write is conditional on the ETag that was read.
func (s *BlobStore) Replace(ctx context.Context, rec *models.EncryptedRecord, fromGeneration int) (*models.EncryptedRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	existing, etag, err := s.load(ctx, rec.SubjectID, rec.RecordID)
	if err != nil {
		return nil, err
	}
	if existing.Unreadable || existing.KeyGeneration != fromGeneration {
		return nil, ErrRecordChanged
	}

	if etag == "" {
		etag = "*"
	}
	return s.write(ctx, rec, existing, etag)
}

func (s *BlobStore) write(ctx context.Context, rec, existing *models.EncryptedRecord, ifMatch string) (*models.EncryptedRecord, error) {
	stored := cloneRecord(rec)
	now := time.Now().UTC()
	stored.UpdatedAt = now
	switch {
	case existing != nil && !existing.Unreadable:
		stored.CreatedAt = existing.CreatedAt
	case stored.CreatedAt.IsZero():
		stored.CreatedAt = now
	}

	data, err := encodeBlob(stored)
	if err != nil {
		return nil, fmt.Errorf("encode record object: %w", err)
	}

	key := s.objectKey(rec.SubjectID, rec.RecordID)
	err = s.backend.PutObject(ctx, key, data, ifMatch)
	if errors.Is(err, ErrPreconditionFailed) {
		return nil, ErrRecordChanged
	}
	if err != nil {
		return nil, models.Unavailable("put record object", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"object_key": key,
		"size":       len(data),
	}).Debug("Wrote record object")

	return stored, nil
}

// Get returns one record.
func (s *BlobStore) Get(ctx context.Context, subjectID, recordID string) (*models.EncryptedRecord, error) {
	rec, _, err := s.load(ctx, subjectID, recordID)
	return rec, err
}

// Delete removes one record.
func (s *BlobStore) Delete(ctx context.Context, subjectID, recordID string) error {
	key := s.objectKey(subjectID, recordID)

	// Object stores delete idempotently; look first so a missing record
	// still reports not found.
	if _, _, err := s.backend.GetObject(ctx, key); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return ErrRecordNotFound
		}
		return models.Unavailable("get record object", err)
	}

	if err := s.backend.DeleteObject(ctx, key); err != nil {
		return models.Unavailable("delete record object", err)
	}
	return nil
}

// List loads every record object for a subject.
func (s *BlobStore) List(ctx context.Context, subjectID string) ([]*models.EncryptedRecord, error) {
	keys, err := s.backend.ListKeys(ctx, s.subjectPrefix(subjectID))
	if err != nil {
		return nil, models.Unavailable("list record objects", err)
	}

	recs := make([]*models.EncryptedRecord, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}

		data, _, err := s.backend.GetObject(ctx, key)
		if errors.Is(err, ErrObjectNotFound) {
			// Deleted between list and get.
			continue
		}
		if err != nil {
			return nil, models.Unavailable("get record object", err)
		}

		rec, err := decodeBlob(data)
		if err != nil {
			id, ok := recordIDFromKey(key)
			if !ok {
				s.logger.WithError(err).WithField("object_key", key).Warn("Skipping record object with unusable key")
				continue
			}
			rec = s.unreadable(subjectID, id, err)
		}
		recs = append(recs, rec)
	}

	sortRecords(recs)
	return recs, nil
}

// DeleteAll removes every record object for a subject.
func (s *BlobStore) DeleteAll(ctx context.Context, subjectID string) (int, error) {
	keys, err := s.backend.ListKeys(ctx, s.subjectPrefix(subjectID))
	if err != nil {
		return 0, models.Unavailable("list record objects", err)
	}

	deleted := 0
	for _, key := range keys {
		if err := s.backend.DeleteObject(ctx, key); err != nil {
			return deleted, models.Unavailable("delete record object", err)
		}
		deleted++
	}

	s.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"count":      deleted,
	}).Info("Deleted all record objects for subject")

	return deleted, nil
}

// Close closes the store.
func (s *BlobStore) Close() error {
	return nil
}

var _ Store = (*BlobStore)(nil)
