package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// Store persists per-subject key material. Implementations must make
// CreateIfAbsent a single atomic insert-if-absent so concurrent first
// provisioning converges on one salt, and must never overwrite a salt
// outside the two rotation calls.
type Store interface {
	// Get retrieves key material for a subject.
	Get(ctx context.Context, subjectID string) (*models.KeyMaterial, error)

	// CreateIfAbsent inserts km unless the subject already has a row.
	// It returns the row that is persisted afterwards and whether this
	// call created it.
	CreateIfAbsent(ctx context.Context, km *models.KeyMaterial) (*models.KeyMaterial, bool, error)

	// BeginRotation records a pending salt for generation+1, provided the
	// current generation matches and no rotation is pending.
	BeginRotation(ctx context.Context, subjectID string, generation int, pendingSalt []byte) (*models.KeyMaterial, error)

	// CommitRotation promotes the pending salt, provided the current
	// generation matches and a rotation to generation+1 is pending.
	CommitRotation(ctx context.Context, subjectID string, generation int) (*models.KeyMaterial, error)

	// Delete removes a subject's key material.
	Delete(ctx context.Context, subjectID string) error

	// List returns all provisioned subject IDs.
	List(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrMaterialNotFound = fmt.Errorf("key material: %w", models.ErrNotFound)
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// classifyRotation explains why a conditional rotation write did not apply,
// given the row as it is now.
func classifyRotation(current *models.KeyMaterial, generation int, committing bool) error {
	if current == nil {
		return ErrMaterialNotFound
	}
	if current.Generation != generation {
		return fmt.Errorf("%w: expected generation %d, found %d",
			models.ErrRotationConflict, generation, current.Generation)
	}
	if committing {
		if !current.RotationPending() {
			return fmt.Errorf("%w: no rotation pending", models.ErrRotationConflict)
		}
		return fmt.Errorf("%w: pending generation %d", models.ErrRotationConflict, current.PendingGeneration)
	}
	if current.RotationPending() {
		return models.ErrRotationInProgress
	}
	return fmt.Errorf("%w: concurrent update", models.ErrRotationConflict)
}

// Copy provisions every subject from src into dst without overwriting
// subjects dst already has. It returns how many rows were copied and how
// many were already present.
func Copy(ctx context.Context, src, dst Store) (copied, skipped int, err error) {
	subjects, err := src.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list subjects: %w", err)
	}

	for _, subject := range subjects {
		km, err := src.Get(ctx, subject)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return copied, skipped, fmt.Errorf("load subject %s: %w", subject, err)
		}

		_, created, err := dst.CreateIfAbsent(ctx, km)
		if err != nil {
			return copied, skipped, fmt.Errorf("copy subject %s: %w", subject, err)
		}
		if created {
			copied++
		} else {
			skipped++
		}
	}

	return copied, skipped, nil
}

func cloneMaterial(km *models.KeyMaterial) *models.KeyMaterial {
	return km.Clone()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
