// Package strategies provides account selection strategies for the proxy.
package strategies

import (
	"context"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// pooledStrategy holds the bookkeeping every selection strategy needs
// regardless of how it picks an account: the shared config and an optional
// Redis-backed rate-limit lookup. Strategies embed it and add their own
// selection policy on top.
type pooledStrategy struct {
	config       *Config
	redisClient  *redis.Client
	accountStore *redis.AccountStore
}

// newPooledStrategy wires a Redis-backed account store when a client is
// given; strategies run store-less (in-memory only) when it is nil.
func newPooledStrategy(cfg *Config, redisClient *redis.Client) *pooledStrategy {
	var store *redis.AccountStore
	if redisClient != nil {
		store = redis.NewAccountStore(redisClient)
	}
	return &pooledStrategy{
		config:       cfg,
		redisClient:  redisClient,
		accountStore: store,
	}
}

// BaseStrategy is the embeddable base every concrete strategy builds on. It
// is an alias for pooledStrategy kept under this name for readability at
// call sites (`*BaseStrategy` reads better than `*pooledStrategy` in struct
// embeds across the package).
type BaseStrategy = pooledStrategy

// NewBaseStrategy constructs the shared strategy state.
func NewBaseStrategy(cfg *Config, redisClient *redis.Client) *BaseStrategy {
	return newPooledStrategy(cfg, redisClient)
}

// canDispatch reports whether an account is eligible to carry a request for
// the given model right now: enabled, not flagged invalid, not cooling down,
// and not presently rate-limited on that model.
func (s *pooledStrategy) canDispatch(ctx context.Context, acc *redis.Account, modelID string) bool {
	if acc == nil || acc.IsInvalid || !acc.Enabled {
		return false
	}

	if s.inCooldown(acc) {
		return false
	}

	if modelID == "" || s.accountStore == nil {
		return true
	}

	info, err := s.accountStore.GetRateLimit(ctx, acc.Email, modelID)
	if err != nil || info == nil || !info.IsRateLimited {
		return true
	}

	return info.ResetTime <= 0 || !time.Now().Before(time.UnixMilli(info.ResetTime))
}

// IsAccountUsable is the public spelling of canDispatch used by strategy
// implementations outside this file.
func (s *pooledStrategy) IsAccountUsable(ctx context.Context, acc *redis.Account, modelID string) bool {
	return s.canDispatch(ctx, acc, modelID)
}

// inCooldown reports and lazily clears an account's self-imposed cooldown
// window (set by the pool after a run of consecutive failures).
func (s *pooledStrategy) inCooldown(acc *redis.Account) bool {
	if acc == nil || acc.CoolingDownUntil == 0 {
		return false
	}

	if time.Now().After(time.UnixMilli(acc.CoolingDownUntil)) {
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
		return false
	}

	return true
}

// IsAccountCoolingDown exposes inCooldown to strategy implementations.
func (s *pooledStrategy) IsAccountCoolingDown(acc *redis.Account) bool {
	return s.inCooldown(acc)
}

// AccountWithIndex pairs an account with its position in the pool's account
// slice, so a filtered subset can still report back where it came from.
type AccountWithIndex struct {
	Account *redis.Account
	Index   int
}

// GetUsableAccounts returns every account in the pool currently eligible to
// carry a request for modelID, preserving original indices.
func (s *pooledStrategy) GetUsableAccounts(ctx context.Context, accounts []*redis.Account, modelID string) []AccountWithIndex {
	usable := make([]AccountWithIndex, 0, len(accounts))
	for i, acc := range accounts {
		if s.canDispatch(ctx, acc, modelID) {
			usable = append(usable, AccountWithIndex{Account: acc, Index: i})
		}
	}
	return usable
}

// OnSuccess is the no-op default; strategies that track health override it.
func (s *pooledStrategy) OnSuccess(account *redis.Account, modelID string) {}

// OnRateLimit is the no-op default; strategies that track health override it.
func (s *pooledStrategy) OnRateLimit(account *redis.Account, modelID string) {}

// OnFailure is the no-op default; strategies that track health override it.
func (s *pooledStrategy) OnFailure(account *redis.Account, modelID string) {}
