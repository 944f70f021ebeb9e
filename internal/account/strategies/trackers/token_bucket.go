package trackers

import (
	"math"
	"sync"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
)

// bucketState is the token bucket bookkeeping kept for one account.
type bucketState struct {
	tokens   float64
	refilled time.Time
}

// TokenBucketTracker rate-limits dispatch per account on the client side,
// independent of whatever the vendor reports: every account gets a bucket
// that drains one token per dispatched request and refills continuously,
// so a burst against one account doesn't starve the others of headroom.
type TokenBucketTracker struct {
	mu      sync.RWMutex
	buckets map[string]*bucketState
	cfg     config.TokenBucketConfig
}

// NewTokenBucketTracker builds a TokenBucketTracker, filling in
// zero-valued config fields with sane defaults.
func NewTokenBucketTracker(cfg config.TokenBucketConfig) *TokenBucketTracker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.TokensPerMinute == 0 {
		cfg.TokensPerMinute = 6
	}
	if cfg.InitialTokens == 0 {
		cfg.InitialTokens = 50
	}

	return &TokenBucketTracker{buckets: make(map[string]*bucketState), cfg: cfg}
}

// level returns email's current token count with refill since the last
// update applied; caller must hold at least a read lock.
func (t *TokenBucketTracker) level(email string) float64 {
	b, ok := t.buckets[email]
	if !ok {
		return t.cfg.InitialTokens
	}

	refill := time.Since(b.refilled).Minutes() * t.cfg.TokensPerMinute
	level := b.tokens + refill
	if level > t.cfg.MaxTokens {
		return t.cfg.MaxTokens
	}
	return level
}

// GetTokens returns email's current token count, refill applied.
func (t *TokenBucketTracker) GetTokens(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.level(email)
}

// HasTokens reports whether email can afford one more dispatch.
func (t *TokenBucketTracker) HasTokens(email string) bool {
	return t.GetTokens(email) >= 1
}

// Consume spends one token from email's bucket, returning false if the
// bucket is empty.
func (t *TokenBucketTracker) Consume(email string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.level(email)
	if current < 1 {
		return false
	}

	t.buckets[email] = &bucketState{tokens: current - 1, refilled: time.Now()}
	return true
}

// Refund returns one token to email's bucket, e.g. when a dispatch was
// counted but the request never actually went out.
func (t *TokenBucketTracker) Refund(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.level(email) + 1
	if next > t.cfg.MaxTokens {
		next = t.cfg.MaxTokens
	}
	t.buckets[email] = &bucketState{tokens: next, refilled: time.Now()}
}

// GetMaxTokens returns the bucket ceiling.
func (t *TokenBucketTracker) GetMaxTokens() float64 { return t.cfg.MaxTokens }

// Reset restores email's bucket to its initial level.
func (t *TokenBucketTracker) Reset(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[email] = &bucketState{tokens: t.cfg.InitialTokens, refilled: time.Now()}
}

// Clear drops every tracked bucket.
func (t *TokenBucketTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*bucketState)
}

// GetTimeUntilNextToken returns milliseconds until email's bucket holds
// at least one token, or 0 if it already does.
func (t *TokenBucketTracker) GetTimeUntilNextToken(email string) int64 {
	current := t.GetTokens(email)
	if current >= 1 {
		return 0
	}

	needed := 1 - current
	minutes := needed / t.cfg.TokensPerMinute
	return int64(math.Ceil(minutes * 60 * 1000))
}

// GetMinTimeUntilToken returns the smallest GetTimeUntilNextToken across
// emails, or 0 for an empty list.
func (t *TokenBucketTracker) GetMinTimeUntilToken(emails []string) int64 {
	if len(emails) == 0 {
		return 0
	}

	min := int64(math.MaxInt64)
	for _, email := range emails {
		wait := t.GetTimeUntilNextToken(email)
		if wait == 0 {
			return 0
		}
		if wait < min {
			min = wait
		}
	}

	if min == int64(math.MaxInt64) {
		return 0
	}
	return min
}

// GetAllBuckets returns every tracked account's current token level, for
// status endpoints and debugging.
func (t *TokenBucketTracker) GetAllBuckets() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.buckets))
	for email := range t.buckets {
		out[email] = t.level(email)
	}
	return out
}
