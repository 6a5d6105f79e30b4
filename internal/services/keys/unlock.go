package keys

import (
	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// KDKUnlocker derives DEKs from a KDK held by the caller. This is the
// client-mode path: the KDK never leaves the process that created it.
type KDKUnlocker struct {
	kdk     []byte
	context []byte
	cache   *crypto.DEKCache
}

// NewKDKUnlocker copies kdk. Call Close when done to zero it.
func NewKDKUnlocker(kdk []byte, context string) (*KDKUnlocker, error) {
	if len(kdk) != crypto.KDKSize {
		return nil, models.InvalidArgument("kdk must be %d bytes", crypto.KDKSize)
	}
	if context == "" {
		context = crypto.DefaultContext
	}
	return &KDKUnlocker{
		kdk:     append([]byte(nil), kdk...),
		context: []byte(context),
		cache:   crypto.NewDEKCache(0, 0),
	}, nil
}

// DEK returns the DEK for a current or pending generation of km.
func (u *KDKUnlocker) DEK(km *models.KeyMaterial, generation int) ([]byte, error) {
	salt, err := km.SaltFor(generation)
	if err != nil {
		return nil, err
	}
	return u.cache.GetOrDerive(km.SubjectID, generation, salt, func() ([]byte, error) {
		return crypto.DeriveDEK(u.kdk, salt, u.context, km.KDF)
	})
}

// Close zeroes the KDK and cached DEKs.
func (u *KDKUnlocker) Close() {
	crypto.Zero(u.kdk)
	u.cache.Clear()
}

// WrappedUnlocker derives DEKs from the KDK wrapped in the key material.
type WrappedUnlocker struct {
	svc *Service
}

// Unlocker returns a wrapped-mode unlocker backed by the service.
func (s *Service) Unlocker() *WrappedUnlocker {
	return &WrappedUnlocker{svc: s}
}

// DEK returns the DEK for a current or pending generation of km.
func (u *WrappedUnlocker) DEK(km *models.KeyMaterial, generation int) ([]byte, error) {
	return u.svc.WrappedDEK(km, generation)
}
