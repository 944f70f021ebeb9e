// Package strategies provides account selection strategies for the proxy.
package strategies

import (
	"context"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// StickyStrategy pins requests to one account as long as it stays usable,
// trading load spread for prompt-cache continuity on the vendor side: the
// vendor caches a conversation's prefix per project, and bouncing between
// accounts throws that cache away on every switch.
type StickyStrategy struct {
	*BaseStrategy
}

// NewStickyStrategy creates a new StickyStrategy.
func NewStickyStrategy(cfg *Config) *StickyStrategy {
	return &StickyStrategy{BaseStrategy: NewBaseStrategy(cfg, nil)}
}

// SelectAccount keeps the caller on accounts[options.CurrentIndex] as long as
// it is usable. It only moves off that account when the account is invalid,
// disabled, or has been rate-limited long enough that waiting no longer
// makes sense (see waitBudget).
func (s *StickyStrategy) SelectAccount(ctx interface{}, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: options.CurrentIndex, WaitMs: 0}
	}

	pinned := options.CurrentIndex
	if pinned >= len(accounts) {
		pinned = 0
	}

	bg := context.Background()
	current := accounts[pinned]

	if s.IsAccountUsable(bg, current, modelID) {
		s.touch(current, options.OnSave)
		return &SelectionResult{Account: current, Index: pinned, WaitMs: 0}
	}

	if alt := s.GetUsableAccounts(bg, accounts, modelID); len(alt) > 0 {
		if acc, idx := s.rotate(bg, accounts, pinned, modelID, options.OnSave); acc != nil {
			utils.Info("[StickyStrategy] Switched off %s (failover): %s", current.Email, acc.Email)
			return &SelectionResult{Account: acc, Index: idx, WaitMs: 0}
		}
	}

	if wait, waitMs := s.waitBudget(bg, current, modelID); wait {
		utils.Info("[StickyStrategy] Waiting %s for pinned account %s",
			utils.FormatDuration(waitMs), current.Email)
		return &SelectionResult{Account: nil, Index: pinned, WaitMs: waitMs}
	}

	acc, idx := s.rotate(bg, accounts, pinned, modelID, options.OnSave)
	return &SelectionResult{Account: acc, Index: idx, WaitMs: 0}
}

// touch stamps LastUsed and persists, if the caller wired a save hook.
func (s *StickyStrategy) touch(acc *redis.Account, onSave func()) {
	acc.LastUsed = time.Now().UnixMilli()
	if onSave != nil {
		onSave()
	}
}

// rotate walks the pool starting just after fromIndex and returns the first
// usable account, wrapping around once.
func (s *StickyStrategy) rotate(ctx context.Context, accounts []*redis.Account, fromIndex int, modelID string, onSave func()) (*redis.Account, int) {
	for step := 1; step <= len(accounts); step++ {
		idx := (fromIndex + step) % len(accounts)
		acc := accounts[idx]
		if !s.IsAccountUsable(ctx, acc, modelID) {
			continue
		}
		s.touch(acc, onSave)
		utils.Info("[StickyStrategy] Pinning to account: %s (%d/%d)", acc.Email, idx+1, len(accounts))
		return acc, idx
	}
	return nil, fromIndex
}

// waitBudget decides whether the pinned account's rate limit is short enough
// to wait out rather than failing over off it entirely.
func (s *StickyStrategy) waitBudget(ctx context.Context, acc *redis.Account, modelID string) (bool, int64) {
	if acc == nil || acc.IsInvalid || !acc.Enabled {
		return false, 0
	}

	var waitMs int64
	if modelID != "" && s.accountStore != nil {
		if info, err := s.accountStore.GetRateLimit(ctx, acc.Email, modelID); err == nil && info != nil && info.IsRateLimited && info.ResetTime > 0 {
			waitMs = info.ResetTime - time.Now().UnixMilli()
		}
	}

	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return true, waitMs
	}
	return false, 0
}

// OnSuccess, OnRateLimit, OnFailure: StickyStrategy has no health model to
// update — it reads cooldown/rate-limit state straight off the account.
func (s *StickyStrategy) OnSuccess(account *redis.Account, modelID string)   {}
func (s *StickyStrategy) OnRateLimit(account *redis.Account, modelID string) {}
func (s *StickyStrategy) OnFailure(account *redis.Account, modelID string)   {}
