package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
)

// OnboardUser provisions a Cloud Code project for an account that
// loadCodeAssist reported as projectless. tierID is the raw tier value
// (e.g. "free-tier", "standard-tier"); projectID is an optional GCP
// project required for non-free tiers. Onboarding is asynchronous on the
// vendor side, so this polls up to maxAttempts times, delayMs apart,
// across every configured onboarding endpoint.
func OnboardUser(ctx context.Context, token, tierID, projectID string, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if delayMs <= 0 {
		delayMs = 5000
	}

	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if projectID != "" {
		metadata["duetProject"] = projectID
	}

	// cloudaicompanionProject is deliberately left out of the body: the
	// vendor 400s auto-provisioned tiers (g1-pro, g1-ultra) if it's set.
	body := map[string]interface{}{"tierId": tierID, "metadata": metadata}

	utils.Debug("[Onboarding] Starting onboard with tierId: %s, projectID: %s", tierID, projectID)

	for _, endpoint := range config.OnboardUserEndpoints {
		if id, err := pollOnboard(ctx, endpoint, token, body, projectID, maxAttempts, delayMs); err == nil {
			return id, nil
		} else if err == ctx.Err() {
			return "", err
		}
	}

	utils.Warn("[Onboarding] All onboarding attempts failed for tierId: %s", tierID)
	return "", fmt.Errorf("all onboarding attempts failed")
}

// pollOnboard repeatedly calls onboardUser at a single endpoint until the
// vendor reports done, returning the provisioned project ID.
func pollOnboard(ctx context.Context, endpoint, token string, body map[string]interface{}, fallbackProjectID string, maxAttempts int, delayMs int64) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := onboardOnce(ctx, endpoint, token, body)
		if err != nil {
			utils.Warn("[Onboarding] onboardUser failed at %s: %v", endpoint, err)
			return "", err
		}

		utils.Debug("[Onboarding] onboardUser response (attempt %d): %v", attempt+1, result)

		if done, _ := result["done"].(bool); done {
			if id := extractManagedProjectID(result); id != "" {
				return id, nil
			}
			if fallbackProjectID != "" {
				return fallbackProjectID, nil
			}
		}

		if attempt == maxAttempts-1 {
			break
		}

		utils.Debug("[Onboarding] onboardUser not complete, waiting %dms...", delayMs)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	return "", fmt.Errorf("onboarding not complete at %s", endpoint)
}

// extractManagedProjectID digs the provisioned project id out of a
// completed onboardUser response.
func extractManagedProjectID(result map[string]interface{}) string {
	response, ok := result["response"].(map[string]interface{})
	if !ok {
		return ""
	}
	proj, ok := response["cloudaicompanionProject"].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := proj["id"].(string)
	return id
}

// onboardOnce sends a single onboardUser request and decodes its JSON body.
func onboardOnce(ctx context.Context, endpoint, token string, body map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:onboardUser", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
