package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/cryptodo/internal/config"
	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/records"
)

// Options fixes the parameters new subjects are provisioned with.
type Options struct {
	KDF      models.KDFParams
	Cipher   models.CipherSuite
	SaltSize int
	Context  string

	// Wrapper, when set, switches to wrapped mode: a KDK is generated at
	// provisioning and stored sealed under the root secret.
	Wrapper *crypto.KeyWrapper

	// DEKCacheSize and DEKCacheTTL bound the wrapped-mode DEK cache. Zero
	// picks the crypto package defaults.
	DEKCacheSize int
	DEKCacheTTL  time.Duration
}

// provisionTimeout bounds a shared provisioning call once it no longer
// follows any one caller's context.
const provisionTimeout = 30 * time.Second

// OptionsFromConfig builds Options from the crypto config section. The
// wrapper is attached separately since the root secret has its own source.
func OptionsFromConfig(cfg *config.CryptoConfig) (Options, error) {
	params := models.KDFParams{Version: models.KDFVersion(cfg.KDFVersion)}
	switch params.Version {
	case models.KDFPBKDF2:
		params.Iterations = cfg.Iterations
	case models.KDFArgon2id:
		params.Time = cfg.Argon2Time
		params.MemoryKB = cfg.Argon2MemoryKB
		params.Threads = cfg.Argon2Threads
	case models.KDFScrypt:
		params.N = cfg.ScryptN
		params.R = cfg.ScryptR
		params.P = cfg.ScryptP
	}

	opts := Options{
		KDF:          params,
		Cipher:       models.CipherSuite(cfg.Cipher),
		SaltSize:     cfg.SaltSize,
		Context:      cfg.Context,
		DEKCacheSize: cfg.DEKCacheSize,
		DEKCacheTTL:  cfg.DEKCacheTTL,
	}
	return opts, opts.validate()
}

func (o Options) validate() error {
	if err := o.KDF.Validate(); err != nil {
		return err
	}
	if o.Cipher.NonceSize() == 0 {
		return models.InvalidArgument("unknown cipher %q", o.Cipher)
	}
	if o.SaltSize < models.MinSaltSize {
		return models.InvalidArgument("salt size must be at least %d", models.MinSaltSize)
	}
	if o.Context == "" {
		return models.InvalidArgument("derivation context is required")
	}
	return nil
}

// Service provisions and serves per-subject key material.
type Service struct {
	store   keystore.Store
	records records.Store
	opts    Options
	cache   *crypto.DEKCache
	group   singleflight.Group
	locks   writeLocks
	metrics *Metrics
	logger  *events.Logger

	now func() time.Time
}

// NewService creates a key service. records may be nil if the caller
// never commits rotations or deletes subjects.
func NewService(store keystore.Store, recs records.Store, opts Options, metrics *Metrics, logger *events.Logger) (*Service, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Service{
		store:   store,
		records: recs,
		opts:    opts,
		cache:   crypto.NewDEKCache(opts.DEKCacheSize, opts.DEKCacheTTL),
		metrics: metrics,
		logger:  logger.WithField("service", "keys"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Context returns the derivation context string.
func (s *Service) Context() string {
	return s.opts.Context
}

// Wrapped reports whether the service holds wrapped KDKs.
func (s *Service) Wrapped() bool {
	return s.opts.Wrapper != nil
}

type provisionResult struct {
	km      *models.KeyMaterial
	created bool
}

// GetOrCreate returns the subject's key material, provisioning it on first
// use. Concurrent first calls converge on one salt. A storage failure is
// reported as unavailable and never replaced with fresh material.
func (s *Service) GetOrCreate(ctx context.Context, subjectID string) (*models.KeyMaterial, bool, error) {
	if err := models.ValidateSubject(subjectID); err != nil {
		return nil, false, err
	}

	// Callers that joined an in-flight provision share its result but did
	// not create anything themselves. The shared call outlives the caller
	// that started it so a cancelled leader cannot fail its followers.
	leader := false
	ch := s.group.DoChan(subjectID, func() (interface{}, error) {
		leader = true
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
		defer cancel()
		return s.provision(pctx, subjectID)
	})

	var (
		v   interface{}
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		s.metrics.provisioned("error")
		return nil, false, models.Unavailable("provision", ctx.Err())
	}
	if err != nil {
		s.metrics.provisioned("error")
		return nil, false, err
	}

	res := v.(provisionResult)
	res.created = res.created && leader
	if res.created {
		s.metrics.provisioned("created")
	} else {
		s.metrics.provisioned("existing")
	}

	return res.km.Clone(), res.created, nil
}

func (s *Service) provision(ctx context.Context, subjectID string) (provisionResult, error) {
	km, err := s.store.Get(ctx, subjectID)
	if err == nil {
		return provisionResult{km: km}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return provisionResult{}, s.keyError("provision", subjectID, err)
	}

	fresh, err := s.newMaterial(subjectID)
	if err != nil {
		return provisionResult{}, s.keyError("provision", subjectID, err)
	}

	stored, created, err := s.store.CreateIfAbsent(ctx, fresh)
	if err != nil {
		return provisionResult{}, s.keyError("provision", subjectID, err)
	}

	log := s.logger.WithFields(map[string]interface{}{
		"subject_id":  subjectID,
		"kdf_version": stored.KDF.Version.String(),
		"cipher":      string(stored.Cipher),
		"wrapped":     len(stored.WrappedKDK) > 0,
	})
	if created {
		log.Info("Provisioned key material")
	} else {
		log.Debug("Key material provisioned concurrently")
	}

	return provisionResult{km: stored, created: created}, nil
}

// newMaterial builds the full row, including the wrapped KDK, before the
// single write so no partial row is ever visible.
func (s *Service) newMaterial(subjectID string) (*models.KeyMaterial, error) {
	salt, err := crypto.GenerateSaltSize(s.opts.SaltSize)
	if err != nil {
		return nil, err
	}

	now := s.now()
	km := &models.KeyMaterial{
		SubjectID:     subjectID,
		Salt:          salt,
		KDF:           s.opts.KDF,
		Cipher:        s.opts.Cipher,
		Generation:    1,
		HasKey:        true,
		ProvisionedAt: now,
		UpdatedAt:     now,
	}

	if s.opts.Wrapper != nil {
		kdk, err := crypto.GenerateKDK()
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(kdk)

		km.WrappedKDK, err = s.opts.Wrapper.Wrap(subjectID, kdk)
		if err != nil {
			return nil, fmt.Errorf("wrap kdk: %w", err)
		}
	}

	return km, nil
}

// Material returns existing key material without provisioning.
func (s *Service) Material(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	if err := models.ValidateSubject(subjectID); err != nil {
		return nil, err
	}

	km, err := s.store.Get(ctx, subjectID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, &models.KeyError{
			Code:      models.ErrCodeKeyNotProvisioned,
			Op:        "material",
			SubjectID: subjectID,
			Err:       models.ErrKeyNotProvisioned,
		}
	}
	if err != nil {
		return nil, s.keyError("material", subjectID, err)
	}
	return km, nil
}

// UnlockDEK derives the DEK for a generation from a caller-held KDK.
func (s *Service) UnlockDEK(ctx context.Context, subjectID string, kdk []byte, generation int) ([]byte, error) {
	km, err := s.Material(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.deriveFor(km, kdk, generation)
}

// UnlockWrappedDEK unwraps the stored KDK and derives the DEK. Only
// available in wrapped mode.
func (s *Service) UnlockWrappedDEK(ctx context.Context, subjectID string, generation int) ([]byte, error) {
	km, err := s.Material(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.WrappedDEK(km, generation)
}

// WrappedDEK derives a DEK for km using the wrapped KDK it carries.
func (s *Service) WrappedDEK(km *models.KeyMaterial, generation int) ([]byte, error) {
	if s.opts.Wrapper == nil {
		return nil, models.InvalidArgument("service is not in wrapped key mode")
	}
	if len(km.WrappedKDK) == 0 {
		return nil, &models.KeyError{
			Code:      models.ErrCodeKeyNotProvisioned,
			Op:        "unwrap",
			SubjectID: km.SubjectID,
			Err:       models.ErrKeyNotProvisioned,
		}
	}

	salt, err := km.SaltFor(generation)
	if err != nil {
		return nil, err
	}

	return s.cache.GetOrDerive(km.SubjectID, generation, salt, func() ([]byte, error) {
		kdk, err := s.opts.Wrapper.Unwrap(km.SubjectID, km.WrappedKDK)
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(kdk)
		return s.derive(km, kdk, generation)
	})
}

func (s *Service) deriveFor(km *models.KeyMaterial, kdk []byte, generation int) ([]byte, error) {
	if _, err := km.SaltFor(generation); err != nil {
		return nil, err
	}
	// Caller-held KDKs are not cached: the cache key does not cover the KDK.
	return s.derive(km, kdk, generation)
}

func (s *Service) derive(km *models.KeyMaterial, kdk []byte, generation int) ([]byte, error) {
	salt, err := km.SaltFor(generation)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	dek, err := crypto.DeriveDEK(kdk, salt, []byte(s.opts.Context), km.KDF)
	s.metrics.derived(km.KDF.Version, time.Since(start))
	return dek, err
}

// BeginRotation starts a salt rotation. If one is already pending the
// pending state is returned so an interrupted migration can resume.
func (s *Service) BeginRotation(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	km, err := s.Material(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if km.RotationPending() {
		s.logger.WithField("subject_id", subjectID).Info("Resuming pending key rotation")
		return km, nil
	}

	pending, err := crypto.GenerateSaltSize(s.opts.SaltSize)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.BeginRotation(ctx, subjectID, km.Generation, pending)
	if errors.Is(err, models.ErrRotationInProgress) {
		// Lost a race with another begin; adopt its pending salt.
		return s.Material(ctx, subjectID)
	}
	if err != nil {
		return nil, s.keyError("begin_rotation", subjectID, err)
	}

	s.metrics.rotation("begun")
	s.logger.WithFields(map[string]interface{}{
		"subject_id":         subjectID,
		"generation":         updated.Generation,
		"pending_generation": updated.PendingGeneration,
	}).Info("Key rotation begun")

	return updated, nil
}

// CommitRotation swaps in the pending salt. It refuses while any record is
// still sealed under the old generation. Writes through GuardWrite are held
// off until the commit is decided.
func (s *Service) CommitRotation(ctx context.Context, subjectID string) (*models.KeyMaterial, error) {
	lock := s.locks.forSubject(subjectID)
	lock.Lock()
	defer lock.Unlock()

	km, err := s.Material(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !km.RotationPending() {
		return nil, &models.KeyError{
			Code:      models.ErrCodeRotationConflict,
			Op:        "commit_rotation",
			SubjectID: subjectID,
			Err:       fmt.Errorf("%w: no rotation pending", models.ErrRotationConflict),
		}
	}

	if s.records != nil {
		recs, err := s.records.List(ctx, subjectID)
		if err != nil {
			return nil, s.keyError("commit_rotation", subjectID, err)
		}
		stale := 0
		for _, rec := range recs {
			if rec.KeyGeneration != km.PendingGeneration {
				stale++
			}
		}
		if stale > 0 {
			return nil, &models.KeyError{
				Code:      models.ErrCodeRotationConflict,
				Op:        "commit_rotation",
				SubjectID: subjectID,
				Err:       fmt.Errorf("%w: %d records not yet re-encrypted", models.ErrRotationConflict, stale),
			}
		}
	}

	updated, err := s.store.CommitRotation(ctx, subjectID, km.Generation)
	if err != nil {
		return nil, s.keyError("commit_rotation", subjectID, err)
	}

	// DEKs for the retired generation are no longer needed.
	s.cache.Purge(subjectID)
	s.metrics.rotation("committed")

	s.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"generation": updated.Generation,
	}).Info("Key rotation committed")

	return updated, nil
}

// Delete removes a subject's records and then its key material.
func (s *Service) Delete(ctx context.Context, subjectID string) error {
	if err := models.ValidateSubject(subjectID); err != nil {
		return err
	}

	deleted := 0
	if s.records != nil {
		n, err := s.records.DeleteAll(ctx, subjectID)
		if err != nil {
			return s.keyError("delete", subjectID, err)
		}
		deleted = n
	}

	err := s.store.Delete(ctx, subjectID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return s.keyError("delete", subjectID, err)
	}

	s.cache.Purge(subjectID)

	s.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"records":    deleted,
	}).Info("Deleted subject")

	return nil
}

// keyError wraps err with the subject and operation, keeping its code.
func (s *Service) keyError(op, subjectID string, err error) error {
	var ke *models.KeyError
	if errors.As(err, &ke) {
		return err
	}
	return &models.KeyError{
		Code:      models.CodeOf(err),
		Op:        op,
		SubjectID: subjectID,
		Err:       err,
	}
}
