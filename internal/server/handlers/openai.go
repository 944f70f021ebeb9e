// Package handlers provides HTTP request handlers for the server.
// This file handles the /v1/chat/completions endpoint (OpenAI protocol),
// relaying through the Anthropic request/response translation so it shares
// the same vendor wire format and signature cache as MessagesHandler.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/account"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/cloudcode"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/format"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/ratelimit"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/server/sse"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/openai"
)

// OpenAIHandler handles the /v1/chat/completions endpoint.
type OpenAIHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
	limiter         *ratelimit.ModelLimiter
}

// NewOpenAIHandler creates a new OpenAIHandler.
func NewOpenAIHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
	limiter *ratelimit.ModelLimiter,
) *OpenAIHandler {
	return &OpenAIHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
		limiter:         limiter,
	}
}

// ChatCompletions handles POST /v1/chat/completions - OpenAI Chat Completions API compatible.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	ctx := c.Request.Context()

	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[req.Model]; ok && mapping != "" {
			utils.Info("[Server] Mapping model %s -> %s", req.Model, mapping)
			req.Model = mapping
		}
	}

	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be an array")
		return
	}

	release, err := h.limiter.Acquire(req.Model)
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
			if !cloudcode.IsValidModel(ctx, req.Model, token, projectID) {
				h.sendError(c, http.StatusBadRequest, "invalid_request_error",
					"Invalid model: "+req.Model+". Use /v1/models to see available models.")
				return
			}
		}
	}

	if h.accountManager.IsAllRateLimited(req.Model) {
		utils.Warn("[Server] All accounts rate-limited for %s. Resetting state for optimistic retry.", req.Model)
		h.accountManager.ResetAllRateLimits(ctx)
	}

	anthropicReq := format.ConvertOpenAIToAnthropic(&req)
	if anthropicReq.MaxTokens == 0 {
		anthropicReq.MaxTokens = 4096
	}

	utils.Info("[API] OpenAI-surface request for model: %s, stream: %t", req.Model, req.Stream)

	if req.Stream {
		h.handleStreamingResponse(c, anthropicReq, req.Model)
	} else {
		h.handleNonStreamingResponse(c, anthropicReq)
	}
}

func (h *OpenAIHandler) handleStreamingResponse(c *gin.Context, anthropicReq *anthropic.MessagesRequest, model string) {
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
		c.JSON(statusCode, openai.ErrorResponse{Error: openai.ErrorDetail{Message: errorMessage, Type: errorType}})
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

	chunks := cloudcode.TranslateToOpenAIStream(replay, model, h.cfg.ThinkingOutputStyle)
	for chunk := range chunks {
		if err := sseWriter.WriteData(chunk); err != nil {
			utils.Error("[API] Error writing SSE chunk: %v", err)
			return
		}
	}
	sseWriter.WriteDone()
}

func (h *OpenAIHandler) handleNonStreamingResponse(c *gin.Context, anthropicReq *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	response, err := h.cloudCodeClient.SendMessage(ctx, anthropicReq, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := h.handleAPIError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	c.JSON(http.StatusOK, format.ConvertAnthropicToOpenAI(response, h.cfg.ThinkingOutputStyle))
}

func (h *OpenAIHandler) handleAPIError(err error) (string, int, string) {
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

func (h *OpenAIHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, openai.ErrorResponse{Error: openai.ErrorDetail{Message: message, Type: errorType}})
}
