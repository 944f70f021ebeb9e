// Package strategies provides account selection strategies for the proxy.
package strategies

import (
	"context"
	"sync"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// RoundRobinStrategy advances to the next usable account on every call,
// spreading load evenly across the pool at the cost of the vendor-side
// prompt cache StickyStrategy preserves. Best when requests across
// different sessions dominate and cache continuity buys little.
type RoundRobinStrategy struct {
	*BaseStrategy

	mu   sync.Mutex
	next int // index to start the scan from on the next call
}

// NewRoundRobinStrategy creates a new RoundRobinStrategy.
func NewRoundRobinStrategy(cfg *Config) *RoundRobinStrategy {
	return &RoundRobinStrategy{BaseStrategy: NewBaseStrategy(cfg, nil)}
}

// SelectAccount scans the pool starting one past the last account it
// returned, wrapping once, and picks the first one usable for modelID.
func (s *RoundRobinStrategy) SelectAccount(ctx interface{}, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0, WaitMs: 0}
	}

	if s.next >= len(accounts) {
		s.next = 0
	}

	bg := context.Background()
	for step := 0; step < len(accounts); step++ {
		idx := (s.next + step) % len(accounts)
		acc := accounts[idx]

		if !s.IsAccountUsable(bg, acc, modelID) {
			continue
		}

		acc.LastUsed = time.Now().UnixMilli()
		s.next = idx + 1
		if options.OnSave != nil {
			options.OnSave()
		}

		utils.Info("[RoundRobinStrategy] Dispatching to %s (%d/%d)", acc.Email, idx+1, len(accounts))
		return &SelectionResult{Account: acc, Index: idx, WaitMs: 0}
	}

	return &SelectionResult{Account: nil, Index: s.next, WaitMs: 0}
}

// ResetCursor rewinds the scan position to the start of the pool.
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

func (s *RoundRobinStrategy) OnSuccess(account *redis.Account, modelID string)   {}
func (s *RoundRobinStrategy) OnRateLimit(account *redis.Account, modelID string) {}
func (s *RoundRobinStrategy) OnFailure(account *redis.Account, modelID string)   {}
