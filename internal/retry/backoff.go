// Package retry owns the failover policy layered on top of the upstream
// transport in internal/cloudcode: classifying vendor error responses,
// computing backoff delays, and deduplicating repeated rate limits per
// account+model so a flaky account doesn't get hammered with identical
// retries.
package retry

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
)

// Reason classifies why a request was rejected.
type Reason string

const (
	ReasonRateLimitExceeded  Reason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted     Reason = "QUOTA_EXHAUSTED"
	ReasonCapacityExhausted  Reason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError        Reason = "SERVER_ERROR"
	ReasonUnknown            Reason = "UNKNOWN"
)

var (
	quotaDelayPattern     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampPattern = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsPattern   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMsPattern        = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecPattern  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationPattern       = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s`)
	isoResetPattern       = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime reads a reset delay off rate-limit headers, falling back
// to scanning errorText for a vendor-specific encoding. Returns
// milliseconds until reset, or -1 if none could be found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	resetMs := int64(-1)

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
			utils.Debug("[Retry] Retry-After header: %ds", seconds)
		} else if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if d := t.Sub(time.Now()).Milliseconds(); d > 0 {
				resetMs = d
				utils.Debug("[Retry] Retry-After date: %s", retryAfter)
			}
		}
	}

	if resetMs < 0 {
		if v := headers.Get("x-ratelimit-reset"); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				if d := ts*1000 - time.Now().UnixMilli(); d > 0 {
					resetMs = d
					utils.Debug("[Retry] x-ratelimit-reset: %s", time.UnixMilli(ts*1000).Format(time.RFC3339))
				}
			}
		}
	}

	if resetMs < 0 {
		if v := headers.Get("x-ratelimit-reset-after"); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
				utils.Debug("[Retry] x-ratelimit-reset-after: %ds", seconds)
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = resetFromBody(errorText)
	}

	if resetMs >= 0 {
		if resetMs <= 0 {
			utils.Debug("[Retry] Reset time invalid (%dms), using 500ms default", resetMs)
			resetMs = 500
		} else if resetMs < 500 {
			utils.Debug("[Retry] Short reset time (%dms), adding 200ms buffer", resetMs)
			resetMs += 200
		}
	}

	return resetMs
}

// resetFromBody tries each known vendor error-body encoding of a reset
// delay in turn, returning -1 if none match.
func resetFromBody(msg string) int64 {
	if m := quotaDelayPattern.FindStringSubmatch(msg); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		ms := int64(value)
		if strings.ToLower(m[2]) == "s" {
			ms = int64(value * 1000)
		}
		utils.Debug("[Retry] Parsed quotaResetDelay from body: %dms", ms)
		return ms
	}

	if m := quotaTimestampPattern.FindStringSubmatch(msg); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			ms := t.Sub(time.Now()).Milliseconds()
			utils.Debug("[Retry] Parsed quotaResetTimeStamp: %s (delta: %dms)", m[1], ms)
			return ms
		}
	}

	if m := retrySecondsPattern.FindStringSubmatch(msg); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		ms := int64(value * 1000)
		utils.Debug("[Retry] Parsed retry seconds from body (precise): %dms", ms)
		return ms
	}

	if m := retryMsPattern.FindStringSubmatch(msg); m != nil {
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		utils.Debug("[Retry] Parsed retry-after-ms from body: %dms", ms)
		return ms
	}

	if m := retryAfterSecPattern.FindStringSubmatch(msg); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		utils.Debug("[Retry] Parsed retry seconds from body: %ds", seconds)
		return seconds * 1000
	}

	if m := durationPattern.FindStringSubmatch(msg); m != nil {
		var ms int64
		switch {
		case m[1] != "":
			h, _ := strconv.Atoi(m[1])
			mi, _ := strconv.Atoi(m[2])
			s, _ := strconv.Atoi(m[3])
			ms = int64((h*3600 + mi*60 + s) * 1000)
		case m[4] != "":
			mi, _ := strconv.Atoi(m[4])
			s, _ := strconv.Atoi(m[5])
			ms = int64((mi*60 + s) * 1000)
		case m[6] != "":
			s, _ := strconv.Atoi(m[6])
			ms = int64(s * 1000)
		}
		if ms > 0 {
			utils.Debug("[Retry] Parsed duration from body: %s", utils.FormatDuration(ms))
		}
		return ms
	}

	if m := isoResetPattern.FindStringSubmatch(msg); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			if ms := t.Sub(time.Now()).Milliseconds(); ms > 0 {
				utils.Debug("[Retry] Parsed ISO reset time: %s", m[1])
				return ms
			}
		}
	}

	return -1
}

// Classify maps an error body and status code onto a Reason.
func Classify(errorText string, status int) Reason {
	if status == 529 || status == 503 {
		return ReasonCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	switch {
	case containsAny(lower, "quota_exhausted", "quotaresetdelay", "quotaresettimestamp",
		"resource_exhausted", "daily limit", "quota exceeded"):
		return ReasonQuotaExhausted
	case containsAny(lower, "model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable"):
		return ReasonCapacityExhausted
	case containsAny(lower, "rate_limit_exceeded", "rate limit", "too many requests", "throttl"):
		return ReasonRateLimitExceeded
	case containsAny(lower, "internal server error", "server error", "503", "502", "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsPermanentAuthFailure reports whether errorText describes an auth
// failure that only re-authentication (not a retry) can fix.
func IsPermanentAuthFailure(errorText string) bool {
	lower := utils.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant", "token revoked", "token has been expired or revoked",
		"token_revoked", "invalid_client", "credentials are invalid")
}

// IsCapacityExhausted reports whether a 429/503/529 was caused by the
// model being overloaded rather than the account's own quota.
func IsCapacityExhausted(errorText string) bool {
	lower := utils.ToLower(errorText)
	return utils.ContainsAny(lower,
		"model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable")
}

// dedupEntry tracks consecutive rate limits for one account+model pair.
type dedupEntry struct {
	streak int
	lastAt time.Time
}

var dedup = struct {
	sync.RWMutex
	m map[string]*dedupEntry
}{m: make(map[string]*dedupEntry)}

// DedupKey builds the per-account-per-model key rate limit state is
// tracked under.
func DedupKey(email, model string) string {
	return email + ":" + model
}

// Backoff is the outcome of a rate-limit backoff calculation.
type Backoff struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// NextBackoff computes the delay to apply for a new rate limit on
// email+model, deduplicating repeats that land inside the configured
// window and applying exponential backoff across a longer streak.
func NextBackoff(email, model string, serverRetryAfterMs int64) *Backoff {
	now := time.Now()
	key := DedupKey(email, model)

	dedup.Lock()
	defer dedup.Unlock()

	prev := dedup.m[key]

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}

	if prev != nil && now.Sub(prev.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		delay := exponential(baseDelay, prev.streak-1)
		utils.Debug("[Retry] Rate limit on %s within dedup window, attempt=%d, isDuplicate=true", key, prev.streak)
		return &Backoff{Attempt: prev.streak, DelayMs: delay, IsDuplicate: true}
	}

	attempt := 1
	if prev != nil && now.Sub(prev.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = prev.streak + 1
	}
	dedup.m[key] = &dedupEntry{streak: attempt, lastAt: now}

	delay := exponential(baseDelay, attempt-1)
	utils.Debug("[Retry] Rate limit backoff for %s: attempt=%d, delayMs=%d", key, attempt, delay)
	return &Backoff{Attempt: attempt, DelayMs: delay}
}

func exponential(base int64, exponent int) int64 {
	scaled := int64(math.Min(float64(base)*math.Pow(2, float64(exponent)), 60000))
	if base > scaled {
		return base
	}
	return scaled
}

// ClearState drops any tracked dedup streak for email+model, called
// after a successful request.
func ClearState(email, model string) {
	key := DedupKey(email, model)
	dedup.Lock()
	delete(dedup.m, key)
	dedup.Unlock()
}

// SmartBackoff picks a delay for a rate limit given the server's
// reported reset time (if any), falling back to a reason-specific tier.
func SmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		if serverResetMs > config.MinBackoffMs {
			return serverResetMs
		}
		return config.MinBackoffMs
	}

	switch Classify(errorText, 0) {
	case ReasonQuotaExhausted:
		tier := consecutiveFailures
		if max := len(config.QuotaExhaustedBackoffTiersMs) - 1; tier > max {
			tier = max
		}
		return config.QuotaExhaustedBackoffTiersMs[tier]
	case ReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case ReasonCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case ReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// StartCleanup runs a background sweep that drops dedup entries whose
// streak has gone stale, so the map doesn't grow unbounded.
func StartCleanup() {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		for range ticker.C {
			sweepStale()
		}
	}()
}

func sweepStale() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)

	dedup.Lock()
	defer dedup.Unlock()
	for key, entry := range dedup.m {
		if entry.lastAt.Before(cutoff) {
			delete(dedup.m, key)
		}
	}
}

// CapacityBudget tracks how many times a single account attempt has
// retried a model-capacity-exhausted response, capped at
// config.MaxCapacityRetries.
type CapacityBudget struct {
	retries int
}

// NewCapacityBudget returns a fresh budget for one account attempt.
func NewCapacityBudget() *CapacityBudget {
	return &CapacityBudget{}
}

// TryConsume reports whether another capacity retry is allowed and, if
// so, returns the wait tier to use and advances the internal counter.
func (b *CapacityBudget) TryConsume() (waitMs int64, ok bool) {
	if b.retries >= config.MaxCapacityRetries {
		return 0, false
	}
	tier := b.retries
	if max := len(config.CapacityBackoffTiersMs) - 1; tier > max {
		tier = max
	}
	waitMs = config.CapacityBackoffTiersMs[tier]
	b.retries++
	return waitMs, true
}

// Attempts returns how many capacity retries have been consumed so far.
func (b *CapacityBudget) Attempts() int {
	return b.retries
}
