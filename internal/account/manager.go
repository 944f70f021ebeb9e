// Package account manages the pool of upstream vendor accounts: selection,
// cooldown/failure bookkeeping and per-account credentials.
package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/account/strategies"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// Manager is the account pool: it owns the roster of accounts, delegates
// selection to a pluggable strategy, and tracks per-account lock counts so
// a request holding an account can't be raced out from under it by a
// concurrent selection round.
type Manager struct {
	mu sync.RWMutex

	redisClient  *redis.Client
	accountStore *redis.AccountStore

	accounts     []*redis.Account
	currentIndex int
	initialized  bool

	// lockCounts tracks in-flight holders per account email. An account
	// with a positive lock count is still selectable (locking only
	// protects cooldown/failure bookkeeping from being applied twice to
	// the same in-flight request), but Stats() surfaces it so callers can
	// see how concurrency is actually distributed.
	lockCounts map[string]int

	credentials *Credentials

	strategy     strategies.Strategy
	strategyName string

	config *config.Config
}

// NewManager creates a new account pool.
func NewManager(redisClient *redis.Client, cfg *config.Config) *Manager {
	return &Manager{
		redisClient:  redisClient,
		accountStore: redis.NewAccountStore(redisClient),
		accounts:     make([]*redis.Account, 0),
		lockCounts:   make(map[string]int),
		credentials:  NewCredentials(redisClient),
		strategyName: config.DefaultSelectionStrategy,
		config:       cfg,
	}
}

// Initialize loads accounts from storage and builds the configured
// selection strategy. strategyOverride (e.g. from a CLI flag) wins over
// the config-file/env strategy.
func (m *Manager) Initialize(ctx context.Context, strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	accounts, err := m.accountStore.ListAccounts(ctx)
	if err != nil {
		utils.Warn("[AccountManager] Failed to load accounts: %v", err)
		accounts = make([]*redis.Account, 0)
	}
	m.accounts = accounts

	configStrategy := m.config.GetStrategy()
	switch {
	case strategyOverride != "":
		m.strategyName = strategyOverride
	case configStrategy != "":
		m.strategyName = configStrategy
	}

	strategyConfig := &strategies.Config{
		Weights: strategies.DefaultWeights(),
	}
	if m.config.AccountSelection.HealthScore != nil {
		strategyConfig.HealthScore = *m.config.AccountSelection.HealthScore
	}
	if m.config.AccountSelection.TokenBucket != nil {
		strategyConfig.TokenBucket = *m.config.AccountSelection.TokenBucket
	}
	if m.config.AccountSelection.Quota != nil {
		strategyConfig.Quota = *m.config.AccountSelection.Quota
	}
	if m.config.AccountSelection.Weights != nil {
		strategyConfig.Weights = m.config.AccountSelection.Weights
	}
	m.strategy = strategies.NewStrategy(m.strategyName, strategyConfig, m.redisClient)
	utils.Info("[AccountManager] Using %s selection strategy", strategies.GetStrategyLabel(m.strategyName))

	m.initialized = true
	return nil
}

// Reload re-reads the account roster from storage.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	err := m.Initialize(ctx, "")
	if err == nil {
		utils.Info("[AccountManager] Accounts reloaded from storage")
	}
	return err
}

// GetAccountCount returns the number of accounts in the pool.
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns a snapshot of all accounts.
func (m *Manager) GetAllAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*redis.Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// SelectOptions customizes account selection.
type SelectOptions struct {
	SessionID string
	// Exclude lists account emails that must not be returned, e.g. the
	// account a same-account retry just failed on.
	Exclude []string
}

// SelectionResult is the outcome of an account selection.
type SelectionResult struct {
	Account *redis.Account
	Index   int
	WaitMs  int64
}

// SelectAccount runs the configured strategy (getBest): it picks the
// single account the strategy currently considers the best fit for the
// requested model.
func (m *Manager) SelectAccount(ctx context.Context, modelID string, options SelectOptions) (*SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectAccountLocked(ctx, modelID, options)
}

func (m *Manager) selectAccountLocked(ctx context.Context, modelID string, options SelectOptions) (*SelectionResult, error) {
	if !m.initialized {
		return nil, NewNotInitializedError()
	}
	if len(m.accounts) == 0 {
		return nil, NewNoAccountsError("No accounts configured", false)
	}

	candidates := m.accounts
	if len(options.Exclude) > 0 {
		candidates = filterAccounts(m.accounts, options.Exclude)
		if len(candidates) == 0 {
			return nil, NewNoAccountsError("No accounts left after exclusions", m.isAllRateLimitedLocked(modelID))
		}
	}

	result := m.strategy.SelectAccount(ctx, candidates, modelID, strategies.SelectOptions{
		CurrentIndex: m.currentIndex,
		SessionID:    options.SessionID,
		OnSave:       func() { m.saveToDiskLocked(ctx) },
	})

	if result.Account == nil {
		return nil, NewNoAccountsError("No available accounts", m.isAllRateLimitedLocked(modelID))
	}

	m.currentIndex = result.Index
	return &SelectionResult{Account: result.Account, Index: result.Index, WaitMs: result.WaitMs}, nil
}

// GetBest is SelectAccount under the name the pool's spec-facing API uses.
func (m *Manager) GetBest(ctx context.Context, modelID string) (*SelectionResult, error) {
	return m.SelectAccount(ctx, modelID, SelectOptions{})
}

// GetNext advances the round-robin cursor to the next usable account,
// independent of the configured strategy's scoring — used by same-account
// retries that must land on a *different* account than the one that just
// failed.
func (m *Manager) GetNext(ctx context.Context, modelID string, exclude []string) (*SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, NewNotInitializedError()
	}
	if len(m.accounts) == 0 {
		return nil, NewNoAccountsError("No accounts configured", false)
	}

	n := len(m.accounts)
	start := (m.currentIndex + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		acc := m.accounts[idx]
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if containsEmail(exclude, acc.Email) {
			continue
		}
		if m.isRateLimitedForModel(acc, modelID) {
			continue
		}
		m.currentIndex = idx
		return &SelectionResult{Account: acc, Index: idx}, nil
	}

	return nil, NewNoAccountsError("No available accounts", m.isAllRateLimitedLocked(modelID))
}

func filterAccounts(accounts []*redis.Account, exclude []string) []*redis.Account {
	out := make([]*redis.Account, 0, len(accounts))
	for _, acc := range accounts {
		if !containsEmail(exclude, acc.Email) {
			out = append(out, acc)
		}
	}
	return out
}

func containsEmail(list []string, email string) bool {
	for _, e := range list {
		if e == email {
			return true
		}
	}
	return false
}

// Lock increments the in-flight holder count for an account. Call Unlock
// when the request finishes (success, failure, or abandonment) to release
// it; failing to do so leaves the account's reported lock count inflated
// but never affects whether it remains selectable.
func (m *Manager) Lock(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCounts[email]++
}

// Unlock decrements the in-flight holder count for an account. It is a
// no-op if the count is already zero.
func (m *Manager) Unlock(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockCounts[email] > 0 {
		m.lockCounts[email]--
	}
}

// LockCount reports how many in-flight requests currently hold an account.
func (m *Manager) LockCount(email string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockCounts[email]
}

// IsAllRateLimited reports whether every enabled, valid account is
// currently rate-limited for modelID.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAllRateLimitedLocked(modelID)
}

func (m *Manager) isAllRateLimitedLocked(modelID string) bool {
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !m.isRateLimitedForModel(acc, modelID) {
			return false
		}
	}
	return true
}

// GetAvailableAccounts returns accounts that are enabled, valid and not
// currently rate-limited for modelID.
func (m *Manager) GetAvailableAccounts(modelID string) []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !m.isRateLimitedForModel(acc, modelID) {
			result = append(result, acc)
		}
	}
	return result
}

// GetInvalidAccounts returns accounts currently marked invalid.
func (m *Manager) GetInvalidAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if acc.IsInvalid {
			result = append(result, acc)
		}
	}
	return result
}

// MarkRateLimited records a capacity/rate-limit cooldown for an account
// and model, expiring resetMs from now.
func (m *Manager) MarkRateLimited(ctx context.Context, email string, resetMs int64, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	resetTime := time.Now().Add(time.Duration(resetMs) * time.Millisecond).UnixMilli()
	info := &redis.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     resetTime,
		ActualResetMs: resetMs,
	}
	return m.accountStore.SetRateLimit(ctx, email, modelID, info)
}

// MarkCapacityLimited is MarkRateLimited under the pool's spec-facing name.
func (m *Manager) MarkCapacityLimited(ctx context.Context, email, modelID string, resetMs int64) error {
	return m.MarkRateLimited(ctx, email, resetMs, modelID)
}

// MarkCapacityRecovered clears a model's cooldown for an account ahead of
// its natural TTL expiry — used when an upstream response indicates the
// account has regained capacity (e.g. a successful retry after a
// transient capacity error).
func (m *Manager) MarkCapacityRecovered(ctx context.Context, email, modelID string) error {
	return m.accountStore.ClearRateLimit(ctx, email, modelID)
}

// MarkInvalid flags an account as needing re-authentication.
func (m *Manager) MarkInvalid(ctx context.Context, email, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.IsInvalid = true
			acc.InvalidReason = reason
			acc.InvalidAt = time.Now().UnixMilli()
			return m.accountStore.SetAccount(ctx, acc)
		}
	}
	return nil
}

// ResetAllRateLimits clears every account's rate limit state.
func (m *Manager) ResetAllRateLimits(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		_ = m.accountStore.ClearRateLimits(ctx, acc.Email)
	}
}

// ClearExpiredLimits is a best-effort sweep of stale rate-limit state.
// Redis TTLs already expire cooldowns on their own; this exists so
// callers without Redis (in-memory fallback) still converge.
func (m *Manager) ClearExpiredLimits(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearExpiredLimitsLocked(ctx)
}

func (m *Manager) clearExpiredLimitsLocked(ctx context.Context) int {
	var cleared int
	now := time.Now().UnixMilli()
	for _, acc := range m.accounts {
		for modelID, info := range acc.ModelRateLimits {
			if info != nil && info.IsRateLimited && info.ResetTime > 0 && info.ResetTime <= now {
				delete(acc.ModelRateLimits, modelID)
				cleared++
			}
		}
	}
	return cleared
}

// GetMinWaitTimeMs returns the shortest time until any account's cooldown
// for modelID clears, or 0 if at least one account is already available.
func (m *Manager) GetMinWaitTimeMs(ctx context.Context, modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var minWait int64 = -1
	now := time.Now()

	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		info, err := m.accountStore.GetRateLimit(ctx, acc.Email, modelID)
		if err != nil || info == nil || !info.IsRateLimited {
			return 0
		}
		if info.ResetTime > 0 {
			if wait := info.ResetTime - now.UnixMilli(); wait > 0 {
				if minWait < 0 || wait < minWait {
					minWait = wait
				}
			}
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// GetRateLimitInfo returns the stored cooldown info for an account/model.
func (m *Manager) GetRateLimitInfo(ctx context.Context, email, modelID string) *redis.RateLimitInfo {
	info, _ := m.accountStore.GetRateLimit(ctx, email, modelID)
	return info
}

// NotifySuccess / MarkSuccess tell the strategy a request on this account
// completed successfully.
func (m *Manager) NotifySuccess(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnSuccess(account, modelID)
	}
}
func (m *Manager) MarkSuccess(account *redis.Account, modelID string) { m.NotifySuccess(account, modelID) }

// NotifyRateLimit tells the strategy a request on this account was
// rate/capacity limited.
func (m *Manager) NotifyRateLimit(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnRateLimit(account, modelID)
	}
}

// NotifyFailure / MarkError tell the strategy a request on this account
// failed for a reason other than rate/capacity limiting.
func (m *Manager) NotifyFailure(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnFailure(account, modelID)
	}
}
func (m *Manager) MarkError(account *redis.Account, modelID string) { m.NotifyFailure(account, modelID) }

// GetStrategyName returns the active strategy's name.
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// GetStrategyLabel returns the active strategy's display label.
func (m *Manager) GetStrategyLabel() string {
	return strategies.GetStrategyLabel(m.GetStrategyName())
}

// GetHealthTracker exposes the hybrid strategy's health tracker, if any.
func (m *Manager) GetHealthTracker() strategies.HealthTracker {
	if hs, ok := m.strategy.(interface{ GetHealthTracker() strategies.HealthTracker }); ok {
		return hs.GetHealthTracker()
	}
	return nil
}

// SaveToDisk persists the account roster to storage.
func (m *Manager) SaveToDisk(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveToDiskLocked(ctx)
}

func (m *Manager) saveToDiskLocked(ctx context.Context) error {
	for _, acc := range m.accounts {
		if err := m.accountStore.SetAccount(ctx, acc); err != nil {
			utils.Warn("[AccountManager] Failed to save account %s: %v", acc.Email, err)
		}
	}
	return nil
}

// ManagerStatus is the pool's stats() snapshot.
type ManagerStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Summary     string           `json:"summary"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is a single account's entry in ManagerStatus.
type AccountStatus struct {
	Email                string                          `json:"email"`
	Source               string                          `json:"source"`
	Enabled              bool                            `json:"enabled"`
	ProjectID            string                          `json:"projectId,omitempty"`
	IsInvalid            bool                            `json:"isInvalid"`
	InvalidReason        string                          `json:"invalidReason,omitempty"`
	LastUsed             int64                           `json:"lastUsed,omitempty"`
	LockCount            int                             `json:"lockCount"`
	QuotaThreshold       *float64                        `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64              `json:"modelQuotaThresholds,omitempty"`
	ModelRateLimits      map[string]*redis.RateLimitInfo  `json:"modelRateLimits,omitempty"`
}

// GetStatus / Stats returns the pool's current snapshot.
func (m *Manager) GetStatus() *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &ManagerStatus{
		Total:    len(m.accounts),
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		accStatus := &AccountStatus{
			Email:                acc.Email,
			Source:               acc.Source,
			Enabled:              acc.Enabled,
			ProjectID:            acc.ProjectID,
			IsInvalid:            acc.IsInvalid,
			InvalidReason:        acc.InvalidReason,
			LastUsed:             acc.LastUsed,
			LockCount:            m.lockCounts[acc.Email],
			QuotaThreshold:       acc.QuotaThreshold,
			ModelQuotaThresholds: acc.ModelQuotaThresholds,
			ModelRateLimits:      acc.ModelRateLimits,
		}

		if !acc.Enabled || acc.IsInvalid {
			status.Invalid++
		} else if m.isRateLimitedForModel(acc, "") {
			status.RateLimited++
		} else {
			status.Available++
		}

		status.Accounts = append(status.Accounts, accStatus)
	}

	status.Summary = utils.TruncateString(m.formatStatusSummary(status.Available, status.RateLimited, status.Total), 100)
	return status
}

func (m *Manager) Stats() *ManagerStatus { return m.GetStatus() }

func (m *Manager) formatStatusSummary(available, rateLimited, total int) string {
	if total == 0 {
		return "No accounts configured"
	}
	if available == 0 {
		return "All accounts unavailable"
	}
	return fmt.Sprintf("%d/%d accounts available", available, total)
}

func (m *Manager) isRateLimitedForModel(acc *redis.Account, modelID string) bool {
	if modelID == "" {
		return false
	}
	info, _ := m.accountStore.GetRateLimit(context.Background(), acc.Email, modelID)
	if info == nil || !info.IsRateLimited {
		return false
	}
	if info.ResetTime > 0 && time.Now().After(time.UnixMilli(info.ResetTime)) {
		return false
	}
	return true
}

// GetTokenForAccount returns a valid access token for acc, delegating to
// the credentials manager's cache/TTL/refresh logic, and marks the
// account invalid if the underlying refresh looks like an auth failure.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if isAuthError(err) {
			_ = m.MarkInvalid(ctx, acc.Email, err.Error())
		}
		return "", err
	}

	if acc.IsInvalid {
		acc.IsInvalid = false
		acc.InvalidReason = ""
		_ = m.accountStore.SetAccount(ctx, acc)
	}
	return token, nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "token refresh failed") ||
		strings.Contains(s, "invalid_grant") ||
		strings.Contains(s, "Token has been expired or revoked")
}

// ClearTokenCache drops every cached access token.
func (m *Manager) ClearTokenCache() { m.credentials.ClearCache() }

// ClearTokenCacheFor drops the cached access token for a single account.
func (m *Manager) ClearTokenCacheFor(email string) {
	m.credentials.ClearCacheForAccount(context.Background(), email)
}

// ClearProjectCache is a placeholder for API compatibility: this Manager
// doesn't keep a project-discovery cache separate from the account's own
// Subscription.ProjectID field, so there is nothing to invalidate.
func (m *Manager) ClearProjectCache() {}

// ClearProjectCacheFor is a placeholder for API compatibility, see ClearProjectCache.
func (m *Manager) ClearProjectCacheFor(email string) {}

// SetAccountEnabled toggles an account's availability for selection.
func (m *Manager) SetAccountEnabled(ctx context.Context, email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.Enabled = enabled
			return m.accountStore.SetAccount(ctx, acc)
		}
	}
	return NewNoAccountsError("Account "+email+" not found", false)
}

// RemoveAccount drops an account from the pool and storage.
func (m *Manager) RemoveAccount(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			return m.accountStore.DeleteAccount(ctx, email)
		}
	}
	return NewNoAccountsError("Account "+email+" not found", false)
}

// GetAccountByEmail looks up a single account.
func (m *Manager) GetAccountByEmail(ctx context.Context, email string) (*redis.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc, nil
		}
	}
	return nil, NewNoAccountsError("Account "+email+" not found", false)
}

// AddOrUpdateAccount inserts a new account or overwrites an existing one
// with the same email, enforcing the configured MaxAccounts ceiling.
func (m *Manager) AddOrUpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			utils.Info("[AccountManager] Account %s updated", acc.Email)
			return m.accountStore.SetAccount(ctx, acc)
		}
	}

	if len(m.accounts) >= m.config.MaxAccounts {
		return NewNoAccountsError("Maximum accounts reached", false)
	}

	m.accounts = append(m.accounts, acc)
	utils.Info("[AccountManager] Account %s added", acc.Email)
	return m.accountStore.SetAccount(ctx, acc)
}

// Error types

// NotInitializedError is returned when the pool is used before Initialize.
type NotInitializedError struct{}

func (e *NotInitializedError) Error() string { return "account pool not initialized" }

// NewNotInitializedError constructs a NotInitializedError.
func NewNotInitializedError() *NotInitializedError { return &NotInitializedError{} }

// NoAccountsError is returned when no account could be selected.
type NoAccountsError struct {
	Message        string
	AllRateLimited bool
}

func (e *NoAccountsError) Error() string { return e.Message }

// NewNoAccountsError constructs a NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	return &NoAccountsError{Message: message, AllRateLimited: allRateLimited}
}
