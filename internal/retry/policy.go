package retry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
)

// Outcome tells the caller what to do next after a failed upstream
// attempt.
type Outcome int

const (
	// OutcomeRetrySameEndpoint means sleep WaitMs and hit the same
	// endpoint again without switching accounts.
	OutcomeRetrySameEndpoint Outcome = iota
	// OutcomeRetryNextEndpoint means this endpoint is done for this
	// account; fall through to the next endpoint in the fallback list.
	OutcomeRetryNextEndpoint
	// OutcomeAbortEndpoints means stop trying endpoints for this
	// account and move on to the next account in the pool.
	OutcomeAbortEndpoints
	// OutcomeFail means give up entirely and surface Err to the caller.
	OutcomeFail
	// OutcomeFailPermanentAuth means the account's credentials are
	// dead; mark it invalid and surface Err.
	OutcomeFailPermanentAuth
)

// Decision is what Decide returns: what to do, how long to wait before
// doing it, and any bookkeeping the caller needs to apply to the
// account manager.
type Decision struct {
	Outcome         Outcome
	WaitMs          int64
	Err             error
	MarkRateLimited bool
	RateLimitWaitMs int64
	LogMessage      string
}

// Decide inspects an upstream HTTP error response and returns what the
// caller should do next. email/model identify the account+model pair
// for rate-limit dedup bookkeeping; budget tracks how many
// capacity-exhausted retries this account attempt has already spent.
func Decide(status int, headers http.Header, errorText string, email, model string, budget *CapacityBudget) Decision {
	switch status {
	case http.StatusUnauthorized:
		if IsPermanentAuthFailure(errorText) {
			return Decision{
				Outcome:    OutcomeFailPermanentAuth,
				Err:        authError(errorText),
				LogMessage: "permanent auth failure",
			}
		}
		return Decision{Outcome: OutcomeRetryNextEndpoint, LogMessage: "auth error, trying next endpoint"}

	case http.StatusTooManyRequests:
		return decideRateLimit(headers, errorText, email, model, budget)

	case http.StatusBadRequest:
		return Decision{Outcome: OutcomeFail, Err: invalidRequestError(errorText)}

	case 503, 529:
		if IsCapacityExhausted(errorText) {
			if waitMs, ok := budget.TryConsume(); ok {
				return Decision{Outcome: OutcomeRetrySameEndpoint, WaitMs: waitMs, LogMessage: "model capacity exhausted"}
			}
		}
		return Decision{Outcome: OutcomeAbortEndpoints, Err: apiError(status, errorText)}

	default:
		if status >= 500 {
			return Decision{Outcome: OutcomeRetrySameEndpoint, WaitMs: 1000, Err: apiError(status, errorText), LogMessage: "server error"}
		}
		return Decision{Outcome: OutcomeAbortEndpoints, Err: apiError(status, errorText)}
	}
}

func decideRateLimit(headers http.Header, errorText, email, model string, budget *CapacityBudget) Decision {
	resetMs := ParseResetTime(headers, errorText)

	if IsCapacityExhausted(errorText) {
		if waitMs, ok := budget.TryConsume(); ok {
			if resetMs > 0 {
				waitMs = resetMs
			}
			return Decision{Outcome: OutcomeRetrySameEndpoint, WaitMs: waitMs, LogMessage: "model capacity exhausted (429)"}
		}
	}

	if resetMs > 0 && resetMs < 1000 {
		return Decision{Outcome: OutcomeRetrySameEndpoint, WaitMs: resetMs, LogMessage: "short rate limit, retrying same endpoint"}
	}

	backoff := NextBackoff(email, model, resetMs)

	if backoff.IsDuplicate {
		smartMs := SmartBackoff(errorText, resetMs, 0)
		return Decision{
			Outcome:         OutcomeAbortEndpoints,
			Err:             rateLimitDedupError(errorText),
			MarkRateLimited: true,
			RateLimitWaitMs: smartMs,
			LogMessage:      "recent duplicate rate limit, switching account",
		}
	}

	smartMs := SmartBackoff(errorText, resetMs, 0)

	switch {
	case backoff.Attempt == 1 && smartMs <= config.DefaultCooldownMs:
		return Decision{
			Outcome:         OutcomeRetrySameEndpoint,
			WaitMs:          backoff.DelayMs,
			MarkRateLimited: true,
			RateLimitWaitMs: backoff.DelayMs,
			LogMessage:      "first rate limit, quick retry",
		}
	case smartMs > config.DefaultCooldownMs:
		return Decision{
			Outcome:         OutcomeAbortEndpoints,
			Err:             quotaExhaustedError(errorText),
			MarkRateLimited: true,
			RateLimitWaitMs: smartMs,
			WaitMs:          config.SwitchAccountDelayMs,
			LogMessage:      "quota exhausted, switching account",
		}
	default:
		return Decision{
			Outcome:         OutcomeRetrySameEndpoint,
			WaitMs:          backoff.DelayMs,
			MarkRateLimited: true,
			RateLimitWaitMs: backoff.DelayMs,
			LogMessage:      "rate limited, waiting before retry",
		}
	}
}

// IsRateLimitError reports whether err looks like a rate-limit failure
// surfaced by Decide (e.g. via a wrapped error message).
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "rate_limited", "rate limit", "quota_exhausted", "429")
}

// IsAuthError reports whether err looks like an auth failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "auth error", "auth_invalid", "401", "unauthorized")
}

// Is5xxError reports whether err looks like an upstream server error.
func Is5xxError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "api error 5", "server error", "502", "503", "504")
}

type wrappedError struct{ msg string }

func (e *wrappedError) Error() string { return e.msg }

func authError(body string) error           { return &wrappedError{"AUTH_INVALID_PERMANENT: " + body} }
func invalidRequestError(body string) error { return &wrappedError{"invalid_request_error: " + body} }
func apiError(status int, body string) error {
	return &wrappedError{"API error " + strconv.Itoa(status) + ": " + body}
}
func rateLimitDedupError(body string) error { return &wrappedError{"RATE_LIMITED_DEDUP: " + body} }
func quotaExhaustedError(body string) error { return &wrappedError{"QUOTA_EXHAUSTED: " + body} }

// Sleep pauses for waitMs milliseconds, accepting 0 as a no-op. It's a
// thin wrapper so callers don't need to special-case a zero wait.
func Sleep(waitMs int64) {
	if waitMs <= 0 {
		return
	}
	time.Sleep(time.Duration(waitMs) * time.Millisecond)
}
