package keystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// MemoryStore keeps key material in process memory. Used for tests and
// single-process development servers.
type MemoryStore struct {
	mu        sync.RWMutex
	materials map[string]*models.KeyMaterial

	// FailWith, when set, is returned by every call.
	failMu   sync.RWMutex
	failWith error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		materials: make(map[string]*models.KeyMaterial),
	}
}

// Get returns a copy of the subject's key material.
func (m *MemoryStore) Get(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	if err := m.fault(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	km, ok := m.materials[subjectID]
	if !ok {
		return nil, ErrMaterialNotFound
	}
	return cloneMaterial(km), nil
}

// CreateIfAbsent stores km unless the subject exists.
func (m *MemoryStore) CreateIfAbsent(ctx context.Context, km *models.KeyMaterial) (*models.KeyMaterial, bool, error) {
	if err := m.fault(); err != nil {
		return nil, false, err
	}
	if err := km.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.materials[km.SubjectID]; ok {
		return cloneMaterial(existing), false, nil
	}

	stored := cloneMaterial(km)
	m.materials[km.SubjectID] = stored
	return cloneMaterial(stored), true, nil
}

// BeginRotation sets the pending salt.
func (m *MemoryStore) BeginRotation(ctx context.Context, subjectID string, generation int, pendingSalt []byte) (*models.KeyMaterial, error) {
	if err := m.fault(); err != nil {
		return nil, err
	}
	if len(pendingSalt) < models.MinSaltSize {
		return nil, models.InvalidArgument("pending salt must be at least %d bytes", models.MinSaltSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	km, ok := m.materials[subjectID]
	if !ok {
		return nil, ErrMaterialNotFound
	}
	if km.Generation != generation || km.RotationPending() {
		return nil, classifyRotation(km, generation, false)
	}

	km.PendingSalt = cloneBytes(pendingSalt)
	km.PendingGeneration = generation + 1
	km.UpdatedAt = time.Now().UTC()
	return cloneMaterial(km), nil
}

// CommitRotation promotes the pending salt.
func (m *MemoryStore) CommitRotation(ctx context.Context, subjectID string, generation int) (*models.KeyMaterial, error) {
	if err := m.fault(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	km, ok := m.materials[subjectID]
	if !ok {
		return nil, ErrMaterialNotFound
	}
	if km.Generation != generation || km.PendingGeneration != generation+1 {
		return nil, classifyRotation(km, generation, true)
	}

	km.Salt = km.PendingSalt
	km.Generation = km.PendingGeneration
	km.PendingSalt = nil
	km.PendingGeneration = 0
	km.UpdatedAt = time.Now().UTC()
	return cloneMaterial(km), nil
}

// Delete removes a subject's key material.
func (m *MemoryStore) Delete(ctx context.Context, subjectID string) error {
	if err := m.fault(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.materials[subjectID]; !ok {
		return ErrMaterialNotFound
	}
	delete(m.materials, subjectID)
	return nil
}

// List returns all subject IDs in sorted order.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := m.fault(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.materials))
	for id := range m.materials {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the store (no-op for memory).
func (m *MemoryStore) Close() error {
	return nil
}

// Helper methods for testing

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *MemoryStore) FailWith(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failWith = err
}

// Clear removes all key material.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.materials = make(map[string]*models.KeyMaterial)
}

func (m *MemoryStore) fault() error {
	m.failMu.RLock()
	defer m.failMu.RUnlock()
	if m.failWith != nil {
		return models.Unavailable("memory key store", m.failWith)
	}
	return nil
}
