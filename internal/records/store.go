package records

import (
	"context"
	"fmt"
	"sort"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// Store persists sealed records per subject. It sees only nonces,
// ciphertexts and metadata, never plaintext or keys.
type Store interface {
	// Put creates or replaces a record and returns it as stored. CreatedAt
	// of an existing record is preserved.
	Put(ctx context.Context, rec *models.EncryptedRecord) (*models.EncryptedRecord, error)

	// Replace overwrites a record only if its stored key generation still
	// equals fromGeneration. Used by rotation to avoid clobbering writes
	// that landed after the record was read.
	Replace(ctx context.Context, rec *models.EncryptedRecord, fromGeneration int) (*models.EncryptedRecord, error)

	// Get returns one record.
	Get(ctx context.Context, subjectID, recordID string) (*models.EncryptedRecord, error)

	// Delete removes one record.
	Delete(ctx context.Context, subjectID, recordID string) error

	// List returns a subject's records ordered by creation time.
	List(ctx context.Context, subjectID string) ([]*models.EncryptedRecord, error)

	// DeleteAll removes every record for a subject and returns the count.
	DeleteAll(ctx context.Context, subjectID string) (int, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrRecordNotFound = fmt.Errorf("record: %w", models.ErrNotFound)
	ErrRecordChanged  = fmt.Errorf("record changed since read: %w", models.ErrRotationConflict)
)

func cloneRecord(r *models.EncryptedRecord) *models.EncryptedRecord {
	c := *r
	c.Nonce = append([]byte(nil), r.Nonce...)
	c.Ciphertext = append([]byte(nil), r.Ciphertext...)
	return &c
}

func sortRecords(recs []*models.EncryptedRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].RecordID < recs[j].RecordID
	})
}
