package keys

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

const writeLockStripes = 64

// writeLocks serializes record writes against rotation commits, striped by
// subject. Writes share a stripe; a commit holds it exclusively.
type writeLocks struct {
	stripes [writeLockStripes]sync.RWMutex
}

func (l *writeLocks) forSubject(subjectID string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return &l.stripes[h.Sum32()%writeLockStripes]
}

// GuardWrite runs write while no rotation can commit for subjectID, after
// checking that generation is the subject's write generation. A record
// sealed under any other generation is refused with a rotation conflict so
// the caller reloads key material and seals again.
func (s *Service) GuardWrite(ctx context.Context, subjectID string, generation int, write func(km *models.KeyMaterial) error) error {
	lock := s.locks.forSubject(subjectID)
	lock.RLock()
	defer lock.RUnlock()

	km, err := s.Material(ctx, subjectID)
	if err != nil {
		return err
	}
	if !km.HasKey {
		return &models.KeyError{
			Code:      models.ErrCodeKeyNotProvisioned,
			Op:        "write",
			SubjectID: subjectID,
			Err:       models.ErrKeyNotProvisioned,
		}
	}
	if want := km.WriteGeneration(); generation != want {
		s.metrics.staleWrite()
		return &models.KeyError{
			Code:      models.ErrCodeRotationConflict,
			Op:        "write",
			SubjectID: subjectID,
			Err: fmt.Errorf("%w: sealed under generation %d, writes use %d",
				models.ErrRotationConflict, generation, want),
		}
	}

	return write(km)
}
