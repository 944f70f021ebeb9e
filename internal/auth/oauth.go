// Package auth implements the Google OAuth PKCE flow used to onboard and
// refresh the accounts that back the proxy's account pool.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
)

// RefreshParts is the decomposed form of a composite refresh token:
// "refreshToken|projectId|managedProjectId".
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh token into its parts.
func ParseRefreshParts(refresh string) RefreshParts {
	segs := strings.Split(refresh, "|")
	var out RefreshParts
	if len(segs) > 0 {
		out.RefreshToken = segs[0]
	}
	if len(segs) > 1 && segs[1] != "" {
		out.ProjectID = segs[1]
	}
	if len(segs) > 2 && segs[2] != "" {
		out.ManagedProjectID = segs[2]
	}
	return out
}

// FormatRefreshParts rejoins parts into the composite refresh token form.
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// PKCE holds a PKCE code verifier and its derived challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a fresh PKCE verifier/challenge pair using the
// S256 method.
func GeneratePKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState produces a random CSRF state token for the authorize step.
func GenerateState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// AuthorizationURLResult is the authorize-step URL plus the PKCE/state
// values the caller must hold onto to complete the exchange.
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL builds the Google OAuth consent URL. redirectURI
// defaults to the local callback server's address when empty.
func GetAuthorizationURL(redirectURI string) (*AuthorizationURLResult, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	if redirectURI == "" {
		redirectURI = localCallbackURI(config.OAuthCallbackPort)
	}

	q := url.Values{
		"client_id":             {config.OAuthClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthScopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURLResult{
		URL:      fmt.Sprintf("%s?%s", config.OAuthAuthURL, q.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

func localCallbackURI(port int) string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", port)
}

// CodeExtractResult is an authorization code paired with the state value
// it arrived with, if any.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput pulls a code out of either a pasted callback URL
// or a bare code string typed directly.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	if input == "" {
		return nil, fmt.Errorf("no input provided")
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}

		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("OAuth error: %s", errParam)
		}

		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}

// CallbackServer is a short-lived local HTTP server that catches the
// browser redirect at the end of the OAuth consent screen.
type CallbackServer struct {
	srv      *http.Server
	mu       sync.Mutex
	port     int
	aborted  bool
	codeChan chan string
	errChan  chan error
}

const callbackPageTemplate = `<html>
	<head><meta charset="UTF-8"><title>%s</title></head>
	<body style="font-family: system-ui; padding: 40px; text-align: center;">
		<h1 style="color: %s;">%s</h1>
		<p>%s</p>
		<p>You can close this window.</p>
		%s
	</body>
</html>`

func renderCallbackPage(w http.ResponseWriter, status int, title, color, heading, body, script string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackPageTemplate, title, color, heading, body, script)
}

// NewCallbackServer builds a CallbackServer that only accepts a callback
// carrying expectedState, rejecting everything else as a CSRF attempt.
func NewCallbackServer(expectedState string, timeoutMs int) *CallbackServer {
	if timeoutMs <= 0 {
		timeoutMs = 120000
	}

	cs := &CallbackServer{
		port:     config.OAuthCallbackPort,
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if errParam := q.Get("error"); errParam != "" {
			renderCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "#dc3545",
				"❌ Authentication Failed", "Error: "+errParam, "")
			cs.errChan <- fmt.Errorf("OAuth error: %s", errParam)
			return
		}

		if q.Get("state") != expectedState {
			renderCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "#dc3545",
				"❌ Authentication Failed", "State mismatch - possible CSRF attack.", "")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}

		code := q.Get("code")
		if code == "" {
			renderCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "#dc3545",
				"❌ Authentication Failed", "No authorization code received.", "")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		renderCallbackPage(w, http.StatusOK, "Authentication Successful", "#28a745",
			"✅ Authentication Successful!", "You can close this window and return to the terminal.",
			"<script>setTimeout(() => window.close(), 2000);</script>")
		cs.codeChan <- code
	})

	cs.srv = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	return cs
}

// Start binds the callback server (trying the primary port, then each
// configured fallback) and blocks until a code arrives, an error is
// reported, or ctx is cancelled.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	ports := append([]int{config.OAuthCallbackPort}, config.OAuthCallbackFallbackPorts...)

	var lastErr error
	for _, port := range ports {
		cs.srv.Addr = fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", cs.srv.Addr)
		if err != nil {
			lastErr = err
			utils.Warn("[OAuth] Failed to bind port %d: %v", port, err)
			continue
		}

		cs.port = port
		if port != config.OAuthCallbackPort {
			utils.Warn("[OAuth] Primary port %d unavailable, using fallback port %d", config.OAuthCallbackPort, port)
		} else {
			utils.Info("[OAuth] Callback server listening on port %d", port)
		}

		go func() {
			if err := cs.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			cs.srv.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			cs.srv.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			cs.srv.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start OAuth callback server: %v", lastErr)
}

// GetPort returns the port the server ended up bound to.
func (cs *CallbackServer) GetPort() int {
	return cs.port
}

// Abort shuts the server down early, e.g. when the user completed the
// flow by pasting a code manually instead of via redirect.
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.aborted {
		return
	}
	cs.aborted = true

	if cs.srv != nil {
		cs.srv.Shutdown(context.Background())
		utils.Info("[OAuth] Callback server aborted (manual completion)")
	}
}

// OAuthTokens is the raw token response from Google's token endpoint.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// postForm issues a urlencoded POST to Google's token endpoint and
// decodes a JSON response into out, centralizing the error handling
// every OAuth token-endpoint call shares.
func postForm(ctx context.Context, endpoint string, data url.Values, out interface{}) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, fmt.Errorf("parse response: %w", err)
		}
	}
	return body, nil
}

// ExchangeCode trades an authorization code plus its PKCE verifier for a
// fresh access/refresh token pair.
func ExchangeCode(ctx context.Context, code, verifier string) (*OAuthTokens, error) {
	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {localCallbackURI(config.OAuthCallbackPort)},
	}

	var tokens OAuthTokens
	body, err := postForm(ctx, config.OAuthTokenURL, data, &tokens)
	if err != nil {
		utils.Error("[OAuth] Token exchange failed: %v", err)
		return nil, err
	}
	if tokens.AccessToken == "" {
		utils.Error("[OAuth] No access token in response: %s", string(body))
		return nil, fmt.Errorf("no access token received")
	}

	utils.Info("[OAuth] Token exchange successful, access_token length: %d", len(tokens.AccessToken))
	return &tokens, nil
}

// RefreshResult is the renewed access token from a refresh-token grant.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken trades a (possibly composite) refresh token for a
// new access token.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if _, err := postForm(ctx, config.OAuthTokenURL, data, &result); err != nil {
		return nil, err
	}

	return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

// GetUserEmail resolves the email address behind an access token.
func GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", config.OAuthUserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		utils.Error("[OAuth] getUserEmail failed: %d %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parse user info: %w", err)
	}
	return info.Email, nil
}

// DiscoverProjectID finds the Cloud Code project associated with the
// account behind accessToken, onboarding a new one if none exists yet.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	var lastLoadResponse map[string]interface{}

	for _, endpoint := range config.AntigravityEndpointFallbacks {
		projectID, data, err := discoverAt(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[OAuth] Project discovery failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID, nil
		}

		lastLoadResponse = data
		utils.Info("[OAuth] No project in loadCodeAssist response, attempting onboardUser...")
		break
	}

	if lastLoadResponse == nil {
		return "", nil
	}

	tier := defaultTierID(lastLoadResponse)
	if tier == "" {
		tier = "FREE"
	}
	utils.Info("[OAuth] Onboarding user with tier: %s", tier)

	onboarded, err := OnboardUser(ctx, accessToken, tier, "", 10, 5000)
	if err == nil && onboarded != "" {
		utils.Success("[OAuth] Successfully onboarded, project: %s", onboarded)
		return onboarded, nil
	}
	return "", nil
}

// discoverAt calls loadCodeAssist at a single endpoint, returning the
// project ID if one is already provisioned.
func discoverAt(ctx context.Context, accessToken, endpoint string) (string, map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(body)))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.LoadCodeAssistHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	if id, ok := data["cloudaicompanionProject"].(string); ok && id != "" {
		return id, data, nil
	}
	if proj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if id, ok := proj["id"].(string); ok && id != "" {
			return id, data, nil
		}
	}
	return "", data, nil
}

// defaultTierID picks the tier flagged as default in a loadCodeAssist
// response, falling back to the first tier listed.
func defaultTierID(data map[string]interface{}) string {
	tiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(tiers) == 0 {
		return ""
	}

	for _, raw := range tiers {
		tier, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := tier["isDefault"].(bool); isDefault {
			if id, ok := tier["id"].(string); ok {
				return id
			}
		}
	}

	if first, ok := tiers[0].(map[string]interface{}); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}

// OAuthFlowResult is the account information assembled after a complete
// authorize→exchange→onboard round trip.
type OAuthFlowResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
	ProjectID    string
}

// CompleteOAuthFlow exchanges code for tokens, resolves the account's
// email, and discovers (or provisions) its Cloud Code project.
func CompleteOAuthFlow(ctx context.Context, code, verifier string) (*OAuthFlowResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	email, err := GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("get user email: %w", err)
	}

	projectID, _ := DiscoverProjectID(ctx, tokens.AccessToken)

	return &OAuthFlowResult{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
		ProjectID:    projectID,
	}, nil
}
