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
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/retry"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// StreamingHandler drives a single streaming request across the account
// pool and endpoint fallback list, delegating error classification and
// backoff decisions to internal/retry.
type StreamingHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
	cfg            *config.Config
}

// NewStreamingHandler creates a new StreamingHandler.
func NewStreamingHandler(accountManager *account.Manager, cfg *config.Config) *StreamingHandler {
	return &StreamingHandler{
		accountManager: accountManager,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		cfg: cfg,
	}
}

// SendMessageStream sends a streaming request to Cloud Code with multi-account
// failover and returns a channel of SSE events plus an error channel.
func (h *StreamingHandler) SendMessageStream(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if err := h.streamWithRetry(ctx, anthropicRequest, fallbackEnabled, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// streamWithRetry picks an account, streams from it across the endpoint
// fallback list, and fails over to the next account (or, eventually, a
// cheaper fallback model) on error.
func (h *StreamingHandler) streamWithRetry(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, events chan<- *SSEEvent) error {
	model := anthropicRequest.Model
	maxAttempts := max(config.MaxRetries, h.accountManager.GetAccountCount()+1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		h.accountManager.ClearExpiredLimits(ctx)

		availableAccounts := h.accountManager.GetAvailableAccounts(model)
		if len(availableAccounts) == 0 {
			retryNow, err := h.waitOutOrFallback(ctx, anthropicRequest, fallbackEnabled, model, events)
			if err != nil {
				return err
			}
			if retryNow {
				attempt--
				continue
			}
			return fmt.Errorf("no accounts available")
		}

		result, err := h.accountManager.SelectAccount(ctx, model, account.SelectOptions{})
		if err != nil {
			return err
		}

		if result.Account == nil && result.WaitMs > 0 {
			utils.Info("[CloudCode] Waiting %s for account...", utils.FormatDuration(result.WaitMs))
			utils.SleepMs(result.WaitMs + 500)
			attempt--
			continue
		}
		if result.Account == nil {
			utils.Warn("[CloudCode] Strategy returned no account for %s (attempt %d/%d)", model, attempt+1, maxAttempts)
			continue
		}
		if result.WaitMs > 0 {
			utils.Debug("[CloudCode] Throttling request (%dms) - fallback mode active", result.WaitMs)
			utils.SleepMs(result.WaitMs)
		}

		selectedAccount := result.Account

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
			return err
		}

		utils.Debug("[CloudCode] Starting stream for model: %s", model)

		lastError, done := h.streamAccount(ctx, selectedAccount, model, token, payload, anthropicRequest, events)
		if done {
			return nil
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
			utils.Warn("[CloudCode] Account %s failed with 5xx stream error, trying next...", selectedAccount.Email)
		case utils.IsNetworkError(lastError):
			h.accountManager.NotifyFailure(selectedAccount, model)
			utils.Warn("[CloudCode] Network error for %s (stream), trying next account... (%v)", selectedAccount.Email, lastError)
			utils.SleepMs(1000)
		default:
			return lastError
		}
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s (streaming)", model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.streamWithRetry(ctx, &fallbackRequest, false, events)
		}
	}

	return fmt.Errorf("max retries exceeded")
}

// waitOutOrFallback handles the "no accounts currently available" case:
// it either sleeps for the shortest known reset time, switches to a
// cheaper fallback model, or gives up with an error. retryNow tells the
// caller to re-enter the attempt loop without consuming a retry.
func (h *StreamingHandler) waitOutOrFallback(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, model string, events chan<- *SSEEvent) (retryNow bool, err error) {
	if !h.accountManager.IsAllRateLimited(model) {
		return false, nil
	}

	minWaitMs := h.accountManager.GetMinWaitTimeMs(ctx, model)
	resetTime := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)

	if minWaitMs > config.MaxWaitBeforeErrorMs {
		if fallbackEnabled {
			if fallbackModel, ok := config.GetFallbackModel(model); ok {
				utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s (streaming)",
					model, utils.FormatDuration(minWaitMs), fallbackModel)
				fallbackRequest := *anthropicRequest
				fallbackRequest.Model = fallbackModel
				return false, h.streamWithRetry(ctx, &fallbackRequest, false, events)
			}
		}
		return false, fmt.Errorf("RESOURCE_EXHAUSTED: Rate limited on %s. Quota will reset after %s. Next available: %s",
			model, utils.FormatDuration(minWaitMs), resetTime)
	}

	accountCount := h.accountManager.GetAccountCount()
	utils.Warn("[CloudCode] All %d account(s) rate-limited. Waiting %s...", accountCount, utils.FormatDuration(minWaitMs))
	utils.SleepMs(minWaitMs + 500)
	h.accountManager.ClearExpiredLimits(ctx)
	return true, nil
}

// streamAccount walks the endpoint fallback list for a single account,
// applying the retry.Decide policy on each non-2xx response. done is
// true once the response has been fully streamed to the caller (success
// or a terminal empty-response fallback).
func (h *StreamingHandler) streamAccount(ctx context.Context, selectedAccount *redis.Account, model, token string, payload interface{}, anthropicRequest *anthropic.MessagesRequest, events chan<- *SSEEvent) (lastError error, done bool) {
	budget := retry.NewCapacityBudget()

	for endpointIndex := 0; endpointIndex < len(config.AntigravityEndpointFallbacks); endpointIndex++ {
		endpoint := config.AntigravityEndpointFallbacks[endpointIndex]
		url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return err, false
		}

		headers := BuildHeaders(token, model, "text/event-stream")
		resp, err := h.doRequest(ctx, url, payloadBytes, headers)
		if err != nil {
			if utils.IsNetworkError(err) {
				utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
				lastError = err
				continue
			}
			return err, false
		}

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			errorText := string(bodyBytes)
			utils.Warn("[CloudCode] Stream error at %s: %d - %s", endpoint, resp.StatusCode, errorText)

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
				return decision.Err, false
			case retry.OutcomeFail:
				return decision.Err, false
			case retry.OutcomeRetrySameEndpoint:
				retry.Sleep(decision.WaitMs)
				endpointIndex--
				continue
			case retry.OutcomeAbortEndpoints:
				lastError = decision.Err
				return lastError, false
			default: // OutcomeRetryNextEndpoint
				lastError = decision.Err
				continue
			}
		}

		finished, err := h.relayStream(ctx, resp, url, payloadBytes, headers, selectedAccount, model, anthropicRequest.Model, userIDOf(anthropicRequest), events)
		if finished {
			return nil, true
		}
		lastError = err
		return lastError, false
	}

	return lastError, false
}

func (h *StreamingHandler) doRequest(ctx context.Context, url string, payloadBytes []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.httpClient.Do(req)
}

// relayStream forwards SSE events from resp to events, retrying the same
// request on an empty-response error and falling back to a synthetic
// message once the empty-response retry budget is spent.
func (h *StreamingHandler) relayStream(ctx context.Context, resp *http.Response, url string, payloadBytes []byte, headers map[string]string, selectedAccount *redis.Account, model, responseModel, userID string, events chan<- *SSEEvent) (finished bool, err error) {
	currentResp := resp
	emptyRetries := 0

	for emptyRetries <= config.MaxEmptyResponseRetries {
		sseEvents, sseErrs := StreamSSEResponse(currentResp.Body, responseModel, userID)

		for event := range sseEvents {
			events <- event
		}

		var streamErr error
		select {
		case streamErr = <-sseErrs:
		default:
		}

		if streamErr == nil {
			currentResp.Body.Close()
			utils.Debug("[CloudCode] Stream completed")
			retry.ClearState(selectedAccount.Email, model)
			h.accountManager.NotifySuccess(selectedAccount, model)
			return true, nil
		}

		if !IsEmptyResponseError(streamErr) {
			return false, streamErr
		}

		currentResp.Body.Close()

		if emptyRetries >= config.MaxEmptyResponseRetries {
			utils.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyResponseRetries)
			emitEmptyResponseFallback(events, responseModel)
			return true, nil
		}

		backoffMs := 500 * (1 << emptyRetries)
		utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms...", emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		utils.SleepMs(int64(backoffMs))

		currentResp, err = h.doRequest(ctx, url, payloadBytes, headers)
		if err != nil || currentResp.StatusCode != http.StatusOK {
			if currentResp != nil {
				currentResp.Body.Close()
			}
			return false, fmt.Errorf("retry failed: %w", err)
		}
		emptyRetries++
	}

	return false, fmt.Errorf("empty response retries exhausted")
}

// getTokenForAccount gets an access token for the account.
func (h *StreamingHandler) getTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return h.accountManager.GetTokenForAccount(ctx, acc)
}

// userIDOf extracts metadata.user_id from an Anthropic request, scoping the
// per-user signature caches. Requests without metadata share the "" (anonymous) scope.
func userIDOf(req *anthropic.MessagesRequest) string {
	if req == nil || req.Metadata == nil {
		return ""
	}
	return req.Metadata.UserID
}

// emitEmptyResponseFallback emits a synthetic assistant message when all
// retry attempts return an empty response.
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	messageID := "msg_" + generateHexID(16)

	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:           messageID,
			Type:         "message",
			Role:         "assistant",
			Content:      []anthropic.ContentBlock{},
			Model:        model,
			StopReason:   "",
			StopSequence: nil,
			Usage:        &anthropic.Usage{InputTokens: 0, OutputTokens: 0},
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_start",
		Index: 0,
		ContentBlock: &anthropic.ContentBlock{
			Type: "text",
			Text: "",
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": "[No response after retries - please try again]",
		},
	}

	events <- &SSEEvent{Type: "content_block_stop", Index: 0}

	events <- &SSEEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{OutputTokens: 0},
	}

	events <- &SSEEvent{Type: "message_stop"}
}
