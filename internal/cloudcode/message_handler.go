// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/account"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/format"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/retry"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// MessageHandler drives a single non-streaming request across the
// account pool and endpoint fallback list, sharing the same failover
// policy as StreamingHandler via internal/retry.
type MessageHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
	cfg            *config.Config
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(accountManager *account.Manager, cfg *config.Config) *MessageHandler {
	return &MessageHandler{
		accountManager: accountManager,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		cfg: cfg,
	}
}

// SendMessage sends a non-streaming request to Cloud Code with
// multi-account failover. Thinking models are sent to the SSE endpoint
// and accumulated, since the plain JSON endpoint drops thinking blocks.
func (h *MessageHandler) SendMessage(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	model := anthropicRequest.Model
	isThinking := config.IsThinkingModel(model)
	maxAttempts := max(config.MaxRetries, h.accountManager.GetAccountCount()+1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		h.accountManager.ClearExpiredLimits(ctx)

		availableAccounts := h.accountManager.GetAvailableAccounts(model)
		if len(availableAccounts) == 0 {
			retryNow, result, err := h.waitOutOrFallback(ctx, anthropicRequest, fallbackEnabled, model)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			if retryNow {
				attempt--
				continue
			}
			return nil, fmt.Errorf("no accounts available")
		}

		selected, err := h.accountManager.SelectAccount(ctx, model, account.SelectOptions{})
		if err != nil {
			return nil, err
		}

		if selected.Account == nil && selected.WaitMs > 0 {
			utils.Info("[CloudCode] Waiting %s for account...", utils.FormatDuration(selected.WaitMs))
			utils.SleepMs(selected.WaitMs + 500)
			attempt--
			continue
		}
		if selected.Account == nil {
			utils.Warn("[CloudCode] Strategy returned no account for %s (attempt %d/%d)", model, attempt+1, maxAttempts)
			continue
		}
		if selected.WaitMs > 0 {
			utils.Debug("[CloudCode] Throttling request (%dms) - fallback mode active", selected.WaitMs)
			utils.SleepMs(selected.WaitMs)
		}

		selectedAccount := selected.Account

		token, err := h.getTokenForAccount(ctx, selectedAccount)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", selectedAccount.Email, err)
			continue
		}

		projectID := selectedAccount.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}

		payload, err := BuildCloudCodeRequest(anthropicRequest, projectID)
		if err != nil {
			return nil, err
		}

		utils.Debug("[CloudCode] Sending request for model: %s", model)

		result, lastError, done := h.sendAccount(ctx, selectedAccount, model, token, payload, anthropicRequest, isThinking)
		if done {
			return result, nil
		}
		if lastError == nil {
			continue
		}

		switch {
		case retry.IsRateLimitError(lastError):
			h.accountManager.NotifyRateLimit(selectedAccount, model)
			utils.Info("[CloudCode] Account %s rate-limited, trying next...", selectedAccount.Email)
		case retry.IsAuthError(lastError):
			utils.Warn("[CloudCode] Account %s has invalid credentials, trying next...", selectedAccount.Email)
		case retry.Is5xxError(lastError):
			h.accountManager.NotifyFailure(selectedAccount, model)
			utils.Warn("[CloudCode] Account %s failed with 5xx error, trying next...", selectedAccount.Email)
		case utils.IsNetworkError(lastError):
			h.accountManager.NotifyFailure(selectedAccount, model)
			utils.Warn("[CloudCode] Network error for %s, trying next account... (%v)", selectedAccount.Email, lastError)
			utils.SleepMs(1000)
		default:
			return nil, lastError
		}
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s", model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.SendMessage(ctx, &fallbackRequest, false)
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// waitOutOrFallback mirrors StreamingHandler.waitOutOrFallback for the
// non-streaming path: it either sleeps out the shortest reset time,
// falls back to a cheaper model (returning its result directly), or
// gives up with an error.
func (h *MessageHandler) waitOutOrFallback(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, model string) (retryNow bool, result *anthropic.MessagesResponse, err error) {
	if !h.accountManager.IsAllRateLimited(model) {
		return false, nil, nil
	}

	minWaitMs := h.accountManager.GetMinWaitTimeMs(ctx, model)
	resetTime := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)

	if minWaitMs > config.MaxWaitBeforeErrorMs {
		if fallbackEnabled {
			if fallbackModel, ok := config.GetFallbackModel(model); ok {
				utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s",
					model, utils.FormatDuration(minWaitMs), fallbackModel)
				fallbackRequest := *anthropicRequest
				fallbackRequest.Model = fallbackModel
				resp, fbErr := h.SendMessage(ctx, &fallbackRequest, false)
				return false, resp, fbErr
			}
		}
		return false, nil, fmt.Errorf("RESOURCE_EXHAUSTED: Rate limited on %s. Quota will reset after %s. Next available: %s",
			model, utils.FormatDuration(minWaitMs), resetTime)
	}

	accountCount := h.accountManager.GetAccountCount()
	utils.Warn("[CloudCode] All %d account(s) rate-limited. Waiting %s...", accountCount, utils.FormatDuration(minWaitMs))
	utils.SleepMs(minWaitMs + 500)
	h.accountManager.ClearExpiredLimits(ctx)
	return true, nil, nil
}

// sendAccount walks the endpoint fallback list for a single account,
// applying the retry.Decide policy on each non-2xx response, exactly as
// StreamingHandler.streamAccount does for the streaming path.
func (h *MessageHandler) sendAccount(ctx context.Context, selectedAccount *redis.Account, model, token string, payload interface{}, anthropicRequest *anthropic.MessagesRequest, isThinking bool) (result *anthropic.MessagesResponse, lastError error, done bool) {
	budget := retry.NewCapacityBudget()

	for endpointIndex := 0; endpointIndex < len(config.AntigravityEndpointFallbacks); endpointIndex++ {
		endpoint := config.AntigravityEndpointFallbacks[endpointIndex]

		var url, accept string
		if isThinking {
			url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
			accept = "text/event-stream"
		} else {
			url = endpoint + "/v1internal:generateContent"
			accept = "application/json"
		}

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err, false
		}

		headers := BuildHeaders(token, model, accept)
		resp, err := h.doRequest(ctx, url, payloadBytes, headers)
		if err != nil {
			if utils.IsNetworkError(err) {
				utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
				lastError = err
				continue
			}
			return nil, err, false
		}

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(bodyBytes)
			utils.Warn("[CloudCode] Error at %s: %d - %s", endpoint, resp.StatusCode, errorText)

			decision := retry.Decide(resp.StatusCode, resp.Header, errorText, selectedAccount.Email, model, budget)
			if decision.LogMessage != "" {
				utils.Info("[CloudCode] %s (%s)", decision.LogMessage, selectedAccount.Email)
			}
			if decision.MarkRateLimited {
				_ = h.accountManager.MarkRateLimited(ctx, selectedAccount.Email, decision.RateLimitWaitMs, model)
			}

			switch decision.Outcome {
			case retry.OutcomeFailPermanentAuth:
				_ = h.accountManager.MarkInvalid(ctx, selectedAccount.Email, "Token revoked - re-authentication required")
				return nil, decision.Err, false
			case retry.OutcomeFail:
				return nil, decision.Err, false
			case retry.OutcomeRetrySameEndpoint:
				retry.Sleep(decision.WaitMs)
				endpointIndex--
				continue
			case retry.OutcomeAbortEndpoints:
				lastError = decision.Err
				return nil, lastError, false
			default: // OutcomeRetryNextEndpoint
				lastError = decision.Err
				continue
			}
		}

		defer resp.Body.Close()

		if isThinking {
			parsed, err := ParseThinkingSSEResponse(resp.Body, anthropicRequest.Model, userIDOf(anthropicRequest))
			if err != nil {
				return nil, err, false
			}
			retry.ClearState(selectedAccount.Email, model)
			h.accountManager.NotifySuccess(selectedAccount, model)
			return parsed, nil, true
		}

		var data map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, err, false
		}
		utils.Debug("[CloudCode] Response received")
		retry.ClearState(selectedAccount.Email, model)
		h.accountManager.NotifySuccess(selectedAccount, model)
		googleResp := format.GoogleResponseFromMap(data)
		return format.ConvertGoogleToAnthropic(googleResp, anthropicRequest.Model, userIDOf(anthropicRequest)), nil, true
	}

	return nil, lastError, false
}

func (h *MessageHandler) doRequest(ctx context.Context, url string, payloadBytes []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.httpClient.Do(req)
}

// getTokenForAccount gets an access token for the account.
func (h *MessageHandler) getTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return h.accountManager.GetTokenForAccount(ctx, acc)
}
