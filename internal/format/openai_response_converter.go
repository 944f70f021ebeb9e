package format

import (
	"encoding/json"
	"strings"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/openai"
)

// ConvertAnthropicToOpenAI materializes an Anthropic messages response (the
// common intermediate every vendor reply is translated into first, §4.4.3)
// as an OpenAI chat completion. style selects how thought content is
// surfaced: "reasoning_content", "tags" (wrapped in <think>...</think>
// inside content), or "both". Every tool_use block's signature is re-cached
// under its own id for kind-4/kind-5 recovery on the next turn.
func ConvertAnthropicToOpenAI(resp *anthropic.MessagesResponse, style string) *openai.ChatCompletionResponse {
	cache := GetGlobalSignatureCache()

	var textContent strings.Builder
	var reasoningContent strings.Builder
	var toolCalls []openai.ToolCall
	modelFamily := string(config.GetModelFamily(resp.Model))

	for _, block := range resp.Content {
		switch block.Type {
		case "thinking", "redacted_thinking":
			reasoningContent.WriteString(block.Thinking)
			if block.Signature != "" {
				cache.CacheThinkingSignature(block.Signature, modelFamily)
			}
		case "text":
			textContent.WriteString(block.Text)
		case "tool_use":
			argsJSON, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCallData{
					Name:      block.Name,
					Arguments: string(argsJSON),
				},
			})
			sig := block.ThoughtSignature
			if sig == "" {
				sig = block.Signature
			}
			if sig != "" {
				cache.CacheOpenAIToolSignature(block.ID, sig)
				cache.CacheClaudeToolThinking(block.ID, sig, reasoningContent.String())
			}
		}
	}

	content := composeOpenAIContent(textContent.String(), reasoningContent.String(), style)

	finishReason := mapAnthropicFinishReason(resp.StopReason, len(toolCalls) > 0)

	msg := &openai.ChatMessage{Role: "assistant", Content: content}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	if style == "reasoning_content" || style == "both" {
		msg.ReasoningContent = reasoningContent.String()
	}

	usage := openai.Usage{}
	if resp.Usage != nil {
		usage.PromptTokens = resp.Usage.InputTokens
		usage.CompletionTokens = resp.Usage.OutputTokens
		usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}

	return &openai.ChatCompletionResponse{
		ID:      strings.Replace(resp.ID, "msg_", "chatcmpl-", 1),
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: []openai.Choice{{Index: 0, Message: msg, FinishReason: &finishReason}},
		Usage:   usage,
	}
}

// composeOpenAIContent builds the visible `content` string for a style. The
// empty string is always returned rather than omitted, per §4.4.3 "Empty
// content stays as an empty string, never null".
func composeOpenAIContent(text, reasoning, style string) string {
	if reasoning == "" || style == "reasoning_content" {
		return text
	}
	if style == "tags" || style == "both" {
		return "<think>" + reasoning + "</think>" + text
	}
	return text
}

func mapAnthropicFinishReason(stopReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
