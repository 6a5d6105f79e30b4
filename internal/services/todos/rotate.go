package todos

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

// RotationResult summarizes a completed salt rotation.
type RotationResult struct {
	Generation int
	Migrated   int
	Skipped    int
	Duration   time.Duration
}

// Rotate moves every record to a fresh salt. It begins (or resumes) a
// rotation, re-seals each record still under the old generation, then
// commits. A failed run can be repeated; records already migrated are left
// alone.
func (s *Session) Rotate(ctx context.Context) (*RotationResult, error) {
	start := time.Now()

	km, err := s.keys.BeginRotation(ctx, s.subject)
	if err != nil {
		return nil, err
	}
	if err := s.setMaterial(km); err != nil {
		return nil, err
	}

	recs, err := s.records.List(ctx, s.subject)
	if err != nil {
		return nil, err
	}

	var migrated, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, rec := range recs {
		if rec.KeyGeneration == km.PendingGeneration {
			continue
		}
		g.Go(func() error {
			moved, err := s.reseal(gctx, rec)
			if err != nil {
				return err
			}
			if moved {
				migrated.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"migrated": migrated.Load(),
		}).Warn("Key rotation interrupted")
		return nil, fmt.Errorf("re-encrypt records: %w", err)
	}

	committed, err := s.keys.CommitRotation(ctx, s.subject)
	if err != nil {
		return nil, err
	}
	if err := s.setMaterial(committed); err != nil {
		return nil, err
	}

	result := &RotationResult{
		Generation: committed.Generation,
		Migrated:   int(migrated.Load()),
		Skipped:    int(skipped.Load()),
		Duration:   time.Since(start),
	}

	s.logger.WithFields(map[string]interface{}{
		"generation": result.Generation,
		"migrated":   result.Migrated,
		"skipped":    result.Skipped,
		"duration":   result.Duration.String(),
	}).Info("Key rotation complete")

	return result, nil
}

// reseal moves one record to the write generation. It reports false when a
// concurrent write or delete got there first.
func (s *Session) reseal(ctx context.Context, rec *models.EncryptedRecord) (bool, error) {
	plaintext, err := s.open(ctx, rec)
	if err != nil {
		return false, err
	}
	defer crypto.Zero(plaintext)

	sealed, err := s.seal(rec.RecordID, plaintext)
	if err != nil {
		return false, err
	}

	err = s.guard(ctx, sealed.KeyGeneration, func() error {
		_, err := s.records.Replace(ctx, sealed, rec.KeyGeneration)
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrRotationConflict), errors.Is(err, models.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
