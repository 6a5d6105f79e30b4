package records

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]map[string]*models.EncryptedRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects: make(map[string]map[string]*models.EncryptedRecord),
	}
}

// Put stores a record.
func (m *MemoryStore) Put(ctx context.Context, rec *models.EncryptedRecord) (*models.EncryptedRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.putLocked(rec), nil
}

// Replace stores a record if its generation has not moved.
func (m *MemoryStore) Replace(ctx context.Context, rec *models.EncryptedRecord, fromGeneration int) (*models.EncryptedRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.subjects[rec.SubjectID][rec.RecordID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if existing.KeyGeneration != fromGeneration {
		return nil, ErrRecordChanged
	}
	return m.putLocked(rec), nil
}

func (m *MemoryStore) putLocked(rec *models.EncryptedRecord) *models.EncryptedRecord {
	records, ok := m.subjects[rec.SubjectID]
	if !ok {
		records = make(map[string]*models.EncryptedRecord)
		m.subjects[rec.SubjectID] = records
	}

	stored := cloneRecord(rec)
	now := time.Now().UTC()
	stored.UpdatedAt = now
	if existing, ok := records[rec.RecordID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	records[rec.RecordID] = stored
	return cloneRecord(stored)
}

// Get returns a copy of one record.
func (m *MemoryStore) Get(ctx context.Context, subjectID, recordID string) (*models.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.subjects[subjectID][recordID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// Delete removes one record.
func (m *MemoryStore) Delete(ctx context.Context, subjectID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subjects[subjectID][recordID]; !ok {
		return ErrRecordNotFound
	}
	delete(m.subjects[subjectID], recordID)
	return nil
}

// List returns copies of a subject's records.
func (m *MemoryStore) List(ctx context.Context, subjectID string) ([]*models.EncryptedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]*models.EncryptedRecord, 0, len(m.subjects[subjectID]))
	for _, rec := range m.subjects[subjectID] {
		recs = append(recs, cloneRecord(rec))
	}
	sortRecords(recs)
	return recs, nil
}

// DeleteAll removes a subject's records.
func (m *MemoryStore) DeleteAll(ctx context.Context, subjectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.subjects[subjectID])
	delete(m.subjects, subjectID)
	return n, nil
}

// Close closes the store (no-op for memory).
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
