package format

import (
	"encoding/json"
	"strings"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/utils"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/openai"
)

// ConvertOpenAIToAnthropic rewrites an OpenAI chat completion request as an
// Anthropic messages request, so the OpenAI-compatible surface can ride the
// same request/response vendor translation and signature-cache machinery
// built for the Anthropic surface (§4.4.1). Tool-call ids double as the
// kind-4/kind-5 signature cache keys (§4.3), recovered here and re-cached on
// the response side by ConvertAnthropicToOpenAI.
func ConvertOpenAIToAnthropic(req *openai.ChatCompletionRequest) *anthropic.MessagesRequest {
	cache := GetGlobalSignatureCache()

	out := &anthropic.MessagesRequest{
		Model:     req.Model,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
		TopP:      req.TopP,
		Temperature: req.Temperature,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}

	switch stop := req.Stop.(type) {
	case string:
		if stop != "" {
			out.StopSequences = []string{stop}
		}
	case []interface{}:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				out.StopSequences = append(out.StopSequences, str)
			}
		}
	}

	if req.ReasoningEffort != "" {
		out.Thinking = &anthropic.ThinkingConfig{
			Type:         "enabled",
			BudgetTokens: reasoningEffortToBudget(req.ReasoningEffort),
		}
	}

	if req.User != "" {
		out.Metadata = &anthropic.Metadata{UserID: req.User}
	}

	var systemText strings.Builder
	for _, msg := range req.Messages {
		if msg.Role != "system" && msg.Role != "developer" {
			continue
		}
		if systemText.Len() > 0 {
			systemText.WriteString("\n\n")
		}
		systemText.WriteString(contentText(msg.Content))
	}
	if systemText.Len() > 0 {
		out.System = systemText.String()
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			continue

		case "tool":
			out.Messages = append(out.Messages, anthropic.Message{
				Role: "user",
				Content: []anthropic.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   contentText(msg.Content),
				}},
			})

		case "assistant":
			var blocks []anthropic.ContentBlock

			if len(msg.ToolCalls) > 0 {
				if thought, ok := cache.GetClaudeToolThinking(msg.ToolCalls[0].ID); ok {
					blocks = append(blocks, anthropic.ContentBlock{
						Type:      "thinking",
						Thinking:  thought.ThoughtText,
						Signature: thought.Signature,
					})
				}
			} else if msg.ReasoningContent != "" {
				if sig := cache.GetUserSignature(req.User); sig != "" {
					blocks = append(blocks, anthropic.ContentBlock{
						Type:      "thinking",
						Thinking:  msg.ReasoningContent,
						Signature: sig,
					})
				}
			}

			if text := contentText(msg.Content); text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}

			for _, tc := range msg.ToolCalls {
				inputJSON := tc.Function.Arguments
				if inputJSON == "" {
					inputJSON = "{}"
				}
				block := anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: json.RawMessage(inputJSON),
				}
				if sig := cache.GetOpenAIToolSignature(tc.ID); sig != "" {
					block.ThoughtSignature = sig
				}
				blocks = append(blocks, block)
			}

			out.Messages = append(out.Messages, anthropic.Message{Role: "assistant", Content: blocks})

		default: // "user"
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "user",
				Content: convertOpenAIContentParts(msg.Content),
			})
		}
	}

	for _, tool := range req.Tools {
		params := tool.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: params,
		})
	}

	out.ToolChoice = convertOpenAIToolChoice(req.ToolChoice)

	return out
}

func convertOpenAIToolChoice(choice interface{}) *anthropic.ToolChoice {
	switch c := choice.(type) {
	case string:
		switch c {
		case "none":
			return &anthropic.ToolChoice{Type: "none"}
		case "required":
			return &anthropic.ToolChoice{Type: "any"}
		case "auto":
			return &anthropic.ToolChoice{Type: "auto"}
		}
	case map[string]interface{}:
		if c["type"] == "function" {
			if fn, ok := c["function"].(map[string]interface{}); ok {
				if name, ok := fn["name"].(string); ok {
					return &anthropic.ToolChoice{Type: "tool", Name: name}
				}
			}
		}
	}
	return nil
}

// contentText flattens an OpenAI message's content (string or []ContentPart)
// down to its text, dropping image parts.
func contentText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var b strings.Builder
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if text, ok := m["text"].(string); ok {
					if b.Len() > 0 {
						b.WriteString("\n")
					}
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// convertOpenAIContentParts converts a user message's content into Anthropic
// content blocks, preserving image parts (base64 data URLs and remote URLs).
func convertOpenAIContentParts(content interface{}) []anthropic.ContentBlock {
	switch c := content.(type) {
	case string:
		return []anthropic.ContentBlock{{Type: "text", Text: c}}
	case []interface{}:
		var blocks []anthropic.ContentBlock
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok {
					blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
				}
			case "image_url":
				imageURL, _ := m["image_url"].(map[string]interface{})
				url, _ := imageURL["url"].(string)
				blocks = append(blocks, anthropic.ContentBlock{Type: "image", Source: parseImageURL(url)})
			}
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: ""})
		}
		return blocks
	default:
		return []anthropic.ContentBlock{{Type: "text", Text: ""}}
	}
}

// parseImageURL splits a data: URL into an Anthropic base64 image source, or
// treats any other URL as a remote reference.
func parseImageURL(url string) *anthropic.ImageSource {
	if strings.HasPrefix(url, "data:") {
		if idx := strings.Index(url, ";base64,"); idx > 0 {
			mediaType := strings.TrimPrefix(url[:idx], "data:")
			return &anthropic.ImageSource{
				Type:      "base64",
				MediaType: mediaType,
				Data:      url[idx+len(";base64,"):],
			}
		}
		utils.Warn("[OpenAIConverter] Unsupported data URL encoding, dropping image")
		return &anthropic.ImageSource{Type: "url", URL: url}
	}
	return &anthropic.ImageSource{Type: "url", URL: url}
}

// reasoningEffortToBudget maps OpenAI's reasoning_effort enum onto a thinking
// token budget; "medium" matches the translator's own default (§4.4.1).
func reasoningEffortToBudget(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "high":
		return 16000
	default: // "medium" or unrecognized
		return 4096
	}
}
