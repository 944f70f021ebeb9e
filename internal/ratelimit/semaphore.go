// Package ratelimit enforces the proxy's own concurrency ceiling per
// model, independent of the upstream vendor's quota/rate-limit state
// tracked by the account pool.
package ratelimit

import (
	"sync"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/apierrors"
)

// ModelLimiter caps the number of concurrent in-flight requests per model.
// A limit of 0 means unlimited. This has no third-party equivalent in the
// example corpus worth reaching for — it is a handful of lines of
// channel/mutex bookkeeping, and pulling in a semaphore library for it
// would be pure overhead.
type ModelLimiter struct {
	mu      sync.Mutex
	limit   int
	inFlight map[string]int
}

// NewModelLimiter creates a limiter with the given per-model ceiling.
func NewModelLimiter(limit int) *ModelLimiter {
	return &ModelLimiter{
		limit:    limit,
		inFlight: make(map[string]int),
	}
}

// Acquire reserves a concurrency slot for model. It returns a release
// function to call when the request completes, or a *apierrors.ConcurrencyLimitError
// if the model is already at its ceiling.
func (l *ModelLimiter) Acquire(model string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit > 0 && l.inFlight[model] >= l.limit {
		return nil, apierrors.NewConcurrencyLimitError(model, l.limit)
	}

	l.inFlight[model]++
	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		if l.inFlight[model] > 0 {
			l.inFlight[model]--
		}
	}, nil
}

// InFlight returns the current in-flight count for a model (for stats/health).
func (l *ModelLimiter) InFlight(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[model]
}

// Limit returns the configured ceiling (0 = unlimited).
func (l *ModelLimiter) Limit() int {
	return l.limit
}
