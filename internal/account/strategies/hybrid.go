package strategies

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/account/strategies/trackers"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// fallbackTier records how far HybridStrategy had to relax its filters to
// find a candidate at all.
type fallbackTier string

const (
	tierNormal     fallbackTier = "normal"
	tierQuota      fallbackTier = "quota"
	tierEmergency  fallbackTier = "emergency"
	tierLastResort fallbackTier = "lastResort"
)

// HybridStrategy picks the account with the best combined score across
// health, remaining token budget, quota headroom, and idle time, relaxing
// its filters in stages (quota, then health, then token budget) rather
// than ever reporting "no accounts available" while any account could
// still, in principle, take the request.
//
// score = health*weight + tokenRatio*100*weight + quotaScore*weight + idleSeconds*weight
type HybridStrategy struct {
	*BaseStrategy
	health    *trackers.HealthTracker
	budget    *trackers.TokenBucketTracker
	quota     *trackers.QuotaTracker
	weights   *WeightConfig
	threshold *float64
}

// NewHybridStrategy creates a new HybridStrategy.
func NewHybridStrategy(cfg *Config, redisClient *redis.Client) *HybridStrategy {
	weights := DefaultWeights()
	if cfg != nil && cfg.Weights != nil {
		weights = cfg.Weights
	}

	var healthCfg config.HealthScoreConfig
	var bucketCfg config.TokenBucketConfig
	var quotaCfg config.QuotaConfig
	if cfg != nil {
		healthCfg = cfg.HealthScore
		bucketCfg = cfg.TokenBucket
		quotaCfg = cfg.Quota
	}

	return &HybridStrategy{
		BaseStrategy: NewBaseStrategy(cfg, redisClient),
		health:       trackers.NewHealthTracker(healthCfg),
		budget:       trackers.NewTokenBucketTracker(bucketCfg),
		quota:        trackers.NewQuotaTracker(quotaCfg),
		weights:      weights,
	}
}

// SetGlobalThreshold overrides the critical-quota threshold used when an
// account has no per-account or per-model threshold of its own.
func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.threshold = threshold
}

// candidate pairs an account with its pool index and computed score.
type candidate struct {
	account *redis.Account
	index   int
	score   float64
}

// SelectAccount scores every candidate that survives shortlist() and
// dispatches to the highest-scoring one.
func (s *HybridStrategy) SelectAccount(ctx interface{}, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0, WaitMs: 0}
	}

	bg := context.Background()
	pool, tier := s.shortlist(bg, accounts, modelID)
	if len(pool) == 0 {
		reason, waitMs := s.explainEmpty(bg, accounts, modelID)
		utils.Warn("[HybridStrategy] No candidates available: %s", reason)
		return &SelectionResult{Account: nil, Index: 0, WaitMs: waitMs}
	}

	scored := make([]candidate, 0, len(pool))
	for _, c := range pool {
		scored = append(scored, candidate{account: c.Account, index: c.Index, score: s.score(c.Account, modelID)})
	}

	best := scored[0]
	for _, c := range scored[1:] {
		if c.score > best.score {
			best = c
		}
	}

	best.account.LastUsed = time.Now().UnixMilli()
	if tier != tierLastResort {
		s.budget.Consume(best.account.Email)
	}
	if options.OnSave != nil {
		options.OnSave()
	}

	var waitMs int64
	switch tier {
	case tierLastResort:
		waitMs = 500
	case tierEmergency:
		waitMs = 250
	}

	tierNote := ""
	if tier != tierNormal {
		tierNote = fmt.Sprintf(", fallback: %s", tier)
	}
	utils.Info("[HybridStrategy] Using account: %s (%d/%d, score: %.1f%s)",
		best.account.Email, best.index+1, len(accounts), best.score, tierNote)

	return &SelectionResult{Account: best.account, Index: best.index, WaitMs: waitMs}
}

func (s *HybridStrategy) OnSuccess(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.health.RecordSuccess(account.Email)
	}
}

func (s *HybridStrategy) OnRateLimit(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.health.RecordRateLimit(account.Email)
	}
}

func (s *HybridStrategy) OnFailure(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.health.RecordFailure(account.Email)
		s.budget.Refund(account.Email)
	}
}

// shortlist applies the full filter chain first (dispatch-eligible,
// healthy, has budget, quota not critical), and only relaxes a filter if
// the stricter pass comes back empty: quota first, then health, then
// finally budget. The last stage bypasses everything but basic dispatch
// eligibility, so it only returns empty when literally no account in the
// pool can take a request at all.
func (s *HybridStrategy) shortlist(ctx context.Context, accounts []*redis.Account, modelID string) ([]AccountWithIndex, fallbackTier) {
	full := make([]AccountWithIndex, 0)
	for i, acc := range accounts {
		if !s.IsAccountUsable(ctx, acc, modelID) || !s.health.IsUsable(acc.Email) || !s.budget.HasTokens(acc.Email) {
			continue
		}
		threshold := s.effectiveThreshold(acc, modelID)
		if s.quota.IsQuotaCritical(acc, modelID, threshold) {
			utils.Debug("[HybridStrategy] Excluding %s: quota critically low for %s (threshold: %v)", acc.Email, modelID, threshold)
			continue
		}
		full = append(full, AccountWithIndex{Account: acc, Index: i})
	}
	if len(full) > 0 {
		return full, tierNormal
	}

	bypassQuota := make([]AccountWithIndex, 0)
	for i, acc := range accounts {
		if s.IsAccountUsable(ctx, acc, modelID) && s.health.IsUsable(acc.Email) && s.budget.HasTokens(acc.Email) {
			bypassQuota = append(bypassQuota, AccountWithIndex{Account: acc, Index: i})
		}
	}
	if len(bypassQuota) > 0 {
		utils.Warn("[HybridStrategy] All accounts have critical quota, using fallback")
		return bypassQuota, tierQuota
	}

	bypassHealth := make([]AccountWithIndex, 0)
	for i, acc := range accounts {
		if s.IsAccountUsable(ctx, acc, modelID) && s.budget.HasTokens(acc.Email) {
			bypassHealth = append(bypassHealth, AccountWithIndex{Account: acc, Index: i})
		}
	}
	if len(bypassHealth) > 0 {
		utils.Warn("[HybridStrategy] EMERGENCY: All accounts unhealthy, using least bad account")
		return bypassHealth, tierEmergency
	}

	bypassAll := make([]AccountWithIndex, 0)
	for i, acc := range accounts {
		if s.IsAccountUsable(ctx, acc, modelID) {
			bypassAll = append(bypassAll, AccountWithIndex{Account: acc, Index: i})
		}
	}
	if len(bypassAll) > 0 {
		utils.Warn("[HybridStrategy] LAST RESORT: All accounts exhausted, using any usable account")
		return bypassAll, tierLastResort
	}

	return nil, tierNormal
}

// effectiveThreshold resolves the critical-quota threshold to apply to
// acc/modelID, preferring the most specific override available.
func (s *HybridStrategy) effectiveThreshold(acc *redis.Account, modelID string) *float64 {
	if acc.ModelQuotaThresholds != nil {
		if v, ok := acc.ModelQuotaThresholds[modelID]; ok {
			return &v
		}
	}
	if acc.QuotaThreshold != nil {
		return acc.QuotaThreshold
	}
	return s.threshold
}

// score combines the four weighted signals into one ranking number.
func (s *HybridStrategy) score(acc *redis.Account, modelID string) float64 {
	email := acc.Email

	healthComponent := s.health.GetScore(email) * s.weights.Health

	tokens := s.budget.GetTokens(email)
	maxTokens := s.budget.GetMaxTokens()
	tokenComponent := (tokens / maxTokens * 100) * s.weights.Tokens

	quotaComponent := s.quota.GetScore(acc, modelID) * s.weights.Quota

	idleMs := time.Now().UnixMilli() - acc.LastUsed
	if idleMs > 3600000 {
		idleMs = 3600000
	}
	idleComponent := (float64(idleMs) / 1000) * s.weights.LRU

	return healthComponent + tokenComponent + quotaComponent + idleComponent
}

// explainEmpty diagnoses why shortlist() came back empty and, if the
// blocker is purely the token budget, computes how long the caller
// should wait for the nearest refill.
func (s *HybridStrategy) explainEmpty(ctx context.Context, accounts []*redis.Account, modelID string) (string, int64) {
	var unusable, unhealthy, noBudget, criticalQuota int
	starved := make([]string, 0)

	for _, acc := range accounts {
		if !s.IsAccountUsable(ctx, acc, modelID) {
			unusable++
			continue
		}
		if !s.health.IsUsable(acc.Email) {
			unhealthy++
			continue
		}
		if !s.budget.HasTokens(acc.Email) {
			noBudget++
			starved = append(starved, acc.Email)
			continue
		}
		if s.quota.IsQuotaCritical(acc, modelID, s.effectiveThreshold(acc, modelID)) {
			criticalQuota++
		}
	}

	if noBudget > 0 && unusable == 0 && unhealthy == 0 {
		waitMs := s.budget.GetMinTimeUntilToken(starved)
		return fmt.Sprintf("all %d account(s) exhausted token bucket, waiting for refill", noBudget), waitMs
	}

	parts := make([]string, 0)
	if unusable > 0 {
		parts = append(parts, fmt.Sprintf("%d unusable/disabled", unusable))
	}
	if unhealthy > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", unhealthy))
	}
	if noBudget > 0 {
		parts = append(parts, fmt.Sprintf("%d no tokens", noBudget))
	}
	if criticalQuota > 0 {
		parts = append(parts, fmt.Sprintf("%d critical quota", criticalQuota))
	}

	if len(parts) == 0 {
		return "unknown", 0
	}
	return strings.Join(parts, ", "), 0
}

// GetHealthTracker exposes the health tracker for status endpoints.
func (s *HybridStrategy) GetHealthTracker() HealthTracker {
	return s.health
}

// GetTokenBucketTracker exposes the token bucket tracker for status endpoints.
func (s *HybridStrategy) GetTokenBucketTracker() *trackers.TokenBucketTracker {
	return s.budget
}

// GetQuotaTracker exposes the quota tracker for status endpoints.
func (s *HybridStrategy) GetQuotaTracker() *trackers.QuotaTracker {
	return s.quota
}
