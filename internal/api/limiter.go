package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// subjectLimiter keeps one token bucket per subject and evicts idle ones.
type subjectLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu        sync.Mutex
	bySubject map[string]*limiterEntry
	hits      uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSubjectLimiter returns nil when rps or burst is not positive, which
// disables limiting.
func newSubjectLimiter(rps float64, burst int, idleTTL time.Duration) *subjectLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &subjectLimiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		idleTTL:   idleTTL,
		bySubject: make(map[string]*limiterEntry),
	}
}

// Allow consumes one token for subject at now.
func (l *subjectLimiter) Allow(subject string, now time.Time) bool {
	if l == nil || subject == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.bySubject[subject]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bySubject[subject] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.bySubject {
			if v.lastSeen.Before(cutoff) {
				delete(l.bySubject, k)
			}
		}
	}

	return allowed
}

func (l *subjectLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bySubject)
}
