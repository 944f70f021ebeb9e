package trackers

import (
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// QuotaTracker reads the vendor-reported remaining-quota fraction off an
// account and turns it into a selection signal: accounts near their
// ceiling for a model are deprioritized, and ones critically close to it
// are excluded outright (unless every account is in the same spot).
type QuotaTracker struct {
	cfg config.QuotaConfig
}

// NewQuotaTracker builds a QuotaTracker, filling in zero-valued config
// fields with sane defaults.
func NewQuotaTracker(cfg config.QuotaConfig) *QuotaTracker {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = 0.10
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = 300000
	}
	if cfg.UnknownScore == 0 {
		cfg.UnknownScore = 50
	}

	return &QuotaTracker{cfg: cfg}
}

// fraction returns account's remaining quota fraction for modelID, or -1
// if no quota data has been recorded for that model.
func (t *QuotaTracker) fraction(account *redis.Account, modelID string) float64 {
	if account == nil || account.Quota == nil || account.Quota.Models == nil {
		return -1
	}
	m, ok := account.Quota.Models[modelID]
	if !ok || m == nil {
		return -1
	}
	return m.RemainingFraction
}

// GetQuotaFraction exposes fraction for callers outside this package.
func (t *QuotaTracker) GetQuotaFraction(account *redis.Account, modelID string) float64 {
	return t.fraction(account, modelID)
}

// IsQuotaFresh reports whether account's quota snapshot was taken
// recently enough to trust.
func (t *QuotaTracker) IsQuotaFresh(account *redis.Account) bool {
	if account == nil || account.Quota == nil || account.Quota.LastChecked == 0 {
		return false
	}
	return time.Since(time.UnixMilli(account.Quota.LastChecked)) < time.Duration(t.cfg.StaleMs)*time.Millisecond
}

// IsQuotaCritical reports whether account's fresh, known quota for
// modelID is at or below the critical threshold (overridden by
// thresholdOverride when set and positive).
func (t *QuotaTracker) IsQuotaCritical(account *redis.Account, modelID string, thresholdOverride *float64) bool {
	f := t.fraction(account, modelID)
	if f < 0 || !t.IsQuotaFresh(account) {
		return false
	}

	threshold := t.cfg.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}
	return f <= threshold
}

// IsQuotaLow reports whether account's quota for modelID sits in the low
// (but not yet critical) band.
func (t *QuotaTracker) IsQuotaLow(account *redis.Account, modelID string) bool {
	f := t.fraction(account, modelID)
	if f < 0 {
		return false
	}
	return f <= t.cfg.LowThreshold && f > t.cfg.CriticalThreshold
}

// GetScore converts account's quota for modelID into a 0-100 selection
// score; unknown quota scores as a neutral middle value, and stale data
// is discounted slightly.
func (t *QuotaTracker) GetScore(account *redis.Account, modelID string) float64 {
	f := t.fraction(account, modelID)
	if f < 0 {
		return t.cfg.UnknownScore
	}

	score := f * 100
	if !t.IsQuotaFresh(account) {
		score *= 0.9
	}
	return score
}

// GetCriticalThreshold returns the configured critical threshold.
func (t *QuotaTracker) GetCriticalThreshold() float64 { return t.cfg.CriticalThreshold }

// GetLowThreshold returns the configured low threshold.
func (t *QuotaTracker) GetLowThreshold() float64 { return t.cfg.LowThreshold }
