// Package handlers provides HTTP request handlers for the server.
// This file handles the Gemini-native surface: /v1beta/models,
// /v1beta/models/{model}, and the {model}:generateContent,
// {model}:streamGenerateContent, {model}:countTokens actions.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/account"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/cloudcode"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/format"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/ratelimit"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/server/sse"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/gemini"
)

// GeminiHandler handles the Gemini-native protocol surface.
type GeminiHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
	limiter         *ratelimit.ModelLimiter
}

// NewGeminiHandler creates a new GeminiHandler.
func NewGeminiHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
	limiter *ratelimit.ModelLimiter,
) *GeminiHandler {
	return &GeminiHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
		limiter:         limiter,
	}
}

// ListModels handles GET /v1beta/models - the vendor's model list normalized
// to Gemini's `models/{id}` resource naming, filtered to the Gemini family.
func (h *GeminiHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.accountManager.SelectAccount(ctx, "", account.SelectOptions{})
	if err != nil || result.Account == nil {
		h.sendError(c, http.StatusServiceUnavailable, "api_error", "No accounts available")
		return
	}

	token, err := h.accountManager.GetTokenForAccount(ctx, result.Account)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	models, err := cloudcode.ListModels(ctx, token)
	if err != nil {
		h.sendError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	out := make([]gemini.Model, 0, len(models.Data))
	for _, m := range models.Data {
		if config.GetModelFamily(m.ID) != config.ModelFamilyGemini {
			continue
		}
		out = append(out, h.toGeminiModel(m.ID, m.Description))
	}

	c.JSON(http.StatusOK, gemini.ListModelsResponse{Models: out})
}

// GetModel handles GET /v1beta/models/{model} - detail for one Gemini model.
func (h *GeminiHandler) GetModel(c *gin.Context) {
	modelID := c.Param("action")
	c.JSON(http.StatusOK, h.toGeminiModel(modelID, modelID))
}

func (h *GeminiHandler) toGeminiModel(modelID, description string) gemini.Model {
	return gemini.Model{
		Name:                       "models/" + modelID,
		BaseModelID:                modelID,
		DisplayName:                description,
		Description:                description,
		InputTokenLimit:            1000000,
		OutputTokenLimit:           8192,
		SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
	}
}

// Dispatch handles POST /v1beta/models/{model}:{action}, routing to
// generateContent, streamGenerateContent, or countTokens by the action
// suffix after the colon (Gin cannot route on ":" within one path segment,
// so the whole "{model}:{action}" segment arrives as one param and is
// split here).
func (h *GeminiHandler) Dispatch(c *gin.Context) {
	model, action, ok := splitModelAction(c.Param("action"))
	if !ok {
		h.sendError(c, http.StatusNotFound, "invalid_request_error", "Malformed model:action path")
		return
	}

	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[model]; ok && mapping != "" {
			utils.Info("[Server] Mapping model %s -> %s", model, mapping)
			model = mapping
		}
	}

	switch action {
	case "generateContent":
		h.generateContent(c, model, false)
	case "streamGenerateContent":
		h.generateContent(c, model, true)
	case "countTokens":
		h.countTokens(c, model)
	default:
		h.sendError(c, http.StatusNotFound, "invalid_request_error", "Unknown action: "+action)
	}
}

func splitModelAction(param string) (model, action string, ok bool) {
	idx := strings.LastIndex(param, ":")
	if idx < 0 {
		return "", "", false
	}
	return param[:idx], param[idx+1:], true
}

func (h *GeminiHandler) generateContent(c *gin.Context, model string, stream bool) {
	ctx := c.Request.Context()

	var req gemini.GenerateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	if len(req.Contents) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "contents is required and must be an array")
		return
	}

	release, err := h.limiter.Acquire(model)
	if err != nil {
		h.sendError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error())
		return
	}
	defer release()

	result, _ := h.accountManager.SelectAccount(ctx, "", account.SelectOptions{})
	if result.Account != nil {
		token, err := h.accountManager.GetTokenForAccount(ctx, result.Account)
		if err == nil {
			projectID := ""
			if result.Account.Subscription != nil {
				projectID = result.Account.Subscription.ProjectID
			}
			if !cloudcode.IsValidModel(ctx, model, token, projectID) {
				h.sendError(c, http.StatusBadRequest, "invalid_request_error",
					"Invalid model: "+model+". Use /v1beta/models to see available models.")
				return
			}
		}
	}

	if h.accountManager.IsAllRateLimited(model) {
		utils.Warn("[Server] All accounts rate-limited for %s. Resetting state for optimistic retry.", model)
		h.accountManager.ResetAllRateLimits(ctx)
	}

	anthropicReq := format.ConvertGeminiToAnthropic(&req, model)
	anthropicReq.Stream = stream

	utils.Info("[API] Gemini-surface request for model: %s, stream: %t", model, stream)

	if stream {
		h.handleStreamingResponse(c, anthropicReq, model)
	} else {
		h.handleNonStreamingResponse(c, anthropicReq)
	}
}

func (h *GeminiHandler) handleStreamingResponse(c *gin.Context, anthropicReq *anthropic.MessagesRequest, model string) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, anthropicReq, h.fallbackEnabled)

	var firstEvent *cloudcode.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = cloudcode.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		errorType, statusCode, errorMessage := parseError(firstErr)
		c.JSON(statusCode, gemini.ErrorResponse{Error: gemini.ErrorDetail{Message: errorMessage, Type: errorType}})
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to create SSE writer: %v", err)
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	c.Writer.Flush()

	replay := make(chan *cloudcode.SSEEvent, 100)
	replay <- firstEvent
	go func() {
		defer close(replay)
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				replay <- event
			case err := <-errs:
				if err != nil {
					utils.Error("[API] Mid-stream error: %v", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	chunks := cloudcode.TranslateToGeminiStream(replay, model)
	for chunk := range chunks {
		if err := sseWriter.WriteData(chunk); err != nil {
			utils.Error("[API] Error writing SSE chunk: %v", err)
			return
		}
	}
}

func (h *GeminiHandler) handleNonStreamingResponse(c *gin.Context, anthropicReq *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	response, err := h.cloudCodeClient.SendMessage(ctx, anthropicReq, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := h.handleAPIError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	c.JSON(http.StatusOK, format.ConvertAnthropicToGemini(response))
}

func (h *GeminiHandler) handleAPIError(err error) (string, int, string) {
	errorType, statusCode, errorMessage := parseError(err)

	if errorType == "authentication_error" {
		utils.Warn("[API] Token might be expired, attempting refresh...")
		h.accountManager.ClearTokenCache()
		h.accountManager.ClearProjectCache()
		errorMessage = "Token was expired and has been refreshed. Please retry your request."
	}

	utils.Warn("[API] Returning error response: %d %s - %s", statusCode, errorType, errorMessage)
	return errorType, statusCode, errorMessage
}

// countTokens handles the {model}:countTokens action. The vendor has no
// dedicated token-counting endpoint wired into this proxy, so this reports
// a conservative estimate derived from serialized request size rather than
// an exact vendor-side count.
func (h *GeminiHandler) countTokens(c *gin.Context, model string) {
	var req gemini.CountTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	contents := req.Contents
	if req.Request != nil && len(req.Request.Contents) > 0 {
		contents = req.Request.Contents
	}

	total := 0
	for _, content := range contents {
		for _, part := range content.Parts {
			total += len(part.Text)/4 + 1
		}
	}

	c.JSON(http.StatusOK, gemini.CountTokensResponse{TotalTokens: total})
}

func (h *GeminiHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gemini.ErrorResponse{Error: gemini.ErrorDetail{Message: message, Type: errorType}})
}
