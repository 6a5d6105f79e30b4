package todos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/records"
)

// KeySource serves a subject's key material. The key service implements it
// in-process and the remote client implements it over HTTP.
type KeySource interface {
	Material(ctx context.Context, subjectID string) (*models.KeyMaterial, error)
	BeginRotation(ctx context.Context, subjectID string) (*models.KeyMaterial, error)
	CommitRotation(ctx context.Context, subjectID string) (*models.KeyMaterial, error)
}

// WriteGuard is implemented by key sources that can hold off a rotation
// commit while a record sealed under generation is being stored. The key
// service implements it; over HTTP the server applies the same check.
type WriteGuard interface {
	GuardWrite(ctx context.Context, subjectID string, generation int, write func(*models.KeyMaterial) error) error
}

// Unlocker turns key material into a DEK for one generation.
type Unlocker interface {
	DEK(km *models.KeyMaterial, generation int) ([]byte, error)
}

// Item is one to-do as seen by the session. Exactly one of Todo and Err is
// set.
type Item struct {
	ID            string
	Todo          *models.Todo
	KeyGeneration int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Err           error
}

// Session reads and writes one subject's encrypted to-dos. Plaintext exists
// only inside its methods.
type Session struct {
	subject     string
	keys        KeySource
	records     records.Store
	unlocker    Unlocker
	concurrency int
	logger      *events.Logger

	mu   sync.RWMutex
	km   *models.KeyMaterial
	aead crypto.Provider
}

// Option configures a Session.
type Option func(*Session)

// WithConcurrency bounds parallel re-encryption during Rotate.
func WithConcurrency(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *events.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession loads the subject's key material. It fails with
// ErrKeyNotProvisioned if the subject has none.
func NewSession(ctx context.Context, subjectID string, keys KeySource, store records.Store, unlocker Unlocker, opts ...Option) (*Session, error) {
	if err := models.ValidateSubject(subjectID); err != nil {
		return nil, err
	}

	s := &Session{
		subject:     subjectID,
		keys:        keys,
		records:     store,
		unlocker:    unlocker,
		concurrency: 8,
		logger:      events.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(map[string]interface{}{
		"service":    "todos",
		"subject_id": subjectID,
	})

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Subject returns the session's subject.
func (s *Session) Subject() string {
	return s.subject
}

// Material returns a copy of the key material the session is using.
func (s *Session) Material() *models.KeyMaterial {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.km.Clone()
}

// Refresh reloads key material, e.g. after another client rotated.
func (s *Session) Refresh(ctx context.Context) error {
	km, err := s.keys.Material(ctx, s.subject)
	if err != nil {
		return err
	}
	return s.setMaterial(km)
}

func (s *Session) setMaterial(km *models.KeyMaterial) error {
	provider, err := crypto.NewProvider(km.Cipher)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.km = km
	s.aead = provider
	return nil
}

func (s *Session) current() (*models.KeyMaterial, crypto.Provider) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.km, s.aead
}

// Add seals a new to-do under a fresh UUIDv7 id.
func (s *Session) Add(ctx context.Context, todo models.Todo) (*Item, error) {
	if err := todo.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}

	return s.write(ctx, id.String(), todo)
}

// Update replaces an existing to-do. The payload is sealed again with a
// fresh nonce.
func (s *Session) Update(ctx context.Context, id string, todo models.Todo) (*Item, error) {
	if err := todo.Validate(); err != nil {
		return nil, err
	}
	if err := models.ValidateRecordID(id); err != nil {
		return nil, err
	}

	if _, err := s.records.Get(ctx, s.subject, id); err != nil {
		return nil, err
	}

	return s.write(ctx, id, todo)
}

func (s *Session) write(ctx context.Context, id string, todo models.Todo) (*Item, error) {
	plaintext, err := json.Marshal(todo)
	if err != nil {
		return nil, fmt.Errorf("encode todo: %w", err)
	}
	defer crypto.Zero(plaintext)

	stored, err := s.put(ctx, id, plaintext)
	if errors.Is(err, models.ErrRotationConflict) {
		// A rotation moved the write generation since material was loaded.
		if rerr := s.Refresh(ctx); rerr != nil {
			return nil, rerr
		}
		stored, err = s.put(ctx, id, plaintext)
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"record_id":      id,
		"key_generation": stored.KeyGeneration,
	}).Debug("Sealed todo")

	return &Item{
		ID:            stored.RecordID,
		Todo:          &todo,
		KeyGeneration: stored.KeyGeneration,
		CreatedAt:     stored.CreatedAt,
		UpdatedAt:     stored.UpdatedAt,
	}, nil
}

func (s *Session) put(ctx context.Context, id string, plaintext []byte) (*models.EncryptedRecord, error) {
	rec, err := s.seal(id, plaintext)
	if err != nil {
		return nil, err
	}

	var stored *models.EncryptedRecord
	err = s.guard(ctx, rec.KeyGeneration, func() error {
		var err error
		stored, err = s.records.Put(ctx, rec)
		return err
	})
	return stored, err
}

// guard runs write under the key source's write guard when it has one.
func (s *Session) guard(ctx context.Context, generation int, write func() error) error {
	g, ok := s.keys.(WriteGuard)
	if !ok {
		return write()
	}
	return g.GuardWrite(ctx, s.subject, generation, func(*models.KeyMaterial) error {
		return write()
	})
}

// seal encrypts plaintext for record id under the write generation. It
// refuses until provisioning has committed.
func (s *Session) seal(id string, plaintext []byte) (*models.EncryptedRecord, error) {
	km, aead := s.current()
	if !km.HasKey {
		return nil, &models.KeyError{
			Code:      models.ErrCodeKeyNotProvisioned,
			Op:        "seal",
			SubjectID: s.subject,
			Err:       models.ErrKeyNotProvisioned,
		}
	}

	generation := km.WriteGeneration()
	dek, err := s.unlocker.DEK(km, generation)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	nonce, ciphertext, err := aead.Seal(dek, plaintext, crypto.RecordAAD(s.subject, id, generation))
	if err != nil {
		return nil, err
	}

	return &models.EncryptedRecord{
		RecordID:      id,
		SubjectID:     s.subject,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		KeyGeneration: generation,
	}, nil
}

// open authenticates and decrypts a record. Every failure is reported as
// the same decrypt error.
func (s *Session) open(ctx context.Context, rec *models.EncryptedRecord) ([]byte, error) {
	if rec.Unreadable {
		return nil, s.decryptError(rec.RecordID)
	}

	km, aead := s.current()
	if _, err := km.SaltFor(rec.KeyGeneration); err != nil {
		// Written after a rotation this session has not seen yet.
		if rerr := s.Refresh(ctx); rerr != nil {
			return nil, rerr
		}
		km, aead = s.current()
	}

	dek, err := s.unlocker.DEK(km, rec.KeyGeneration)
	if err != nil {
		if errors.Is(err, models.ErrInvalidArgument) {
			return nil, s.decryptError(rec.RecordID)
		}
		return nil, err
	}
	defer crypto.Zero(dek)

	plaintext, err := aead.Open(dek, rec.Nonce, rec.Ciphertext,
		crypto.RecordAAD(s.subject, rec.RecordID, rec.KeyGeneration))
	if err != nil {
		return nil, s.decryptError(rec.RecordID)
	}
	return plaintext, nil
}

func (s *Session) decryptError(recordID string) error {
	return &models.RecordError{
		Code:     models.ErrCodeDecrypt,
		RecordID: recordID,
		Err:      models.ErrDecrypt,
	}
}

func (s *Session) decode(ctx context.Context, rec *models.EncryptedRecord) Item {
	item := Item{
		ID:            rec.RecordID,
		KeyGeneration: rec.KeyGeneration,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}

	plaintext, err := s.open(ctx, rec)
	if err != nil {
		item.Err = err
		return item
	}
	defer crypto.Zero(plaintext)

	var todo models.Todo
	if err := json.Unmarshal(plaintext, &todo); err != nil {
		item.Err = s.decryptError(rec.RecordID)
		return item
	}
	item.Todo = &todo
	return item
}

// Get returns one to-do. A record that fails authentication yields a
// decrypt error.
func (s *Session) Get(ctx context.Context, id string) (*Item, error) {
	rec, err := s.records.Get(ctx, s.subject, id)
	if err != nil {
		return nil, err
	}

	item := s.decode(ctx, rec)
	if item.Err != nil {
		return nil, item.Err
	}
	return &item, nil
}

// Delete removes one to-do.
func (s *Session) Delete(ctx context.Context, id string) error {
	return s.records.Delete(ctx, s.subject, id)
}

// List returns every to-do. A record that cannot be opened is returned
// with Err set and does not hide the others.
func (s *Session) List(ctx context.Context) ([]Item, error) {
	recs, err := s.records.List(ctx, s.subject)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(recs))
	failed := 0
	for _, rec := range recs {
		item := s.decode(ctx, rec)
		if item.Err != nil {
			failed++
		}
		items = append(items, item)
	}

	if failed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"failed": failed,
			"total":  len(recs),
		}).Warn("Some records could not be decrypted")
	}

	return items, nil
}
