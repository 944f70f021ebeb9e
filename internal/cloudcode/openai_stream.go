// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/format"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/openai"
)

// TranslateToOpenAIStream re-shapes the Anthropic-format SSEEvent channel
// (already produced by StreamSSEResponse/streaming_handler for the Anthropic
// surface) into OpenAI chat-completion-chunk events, per §4.4.3 "OpenAI
// stream". Reusing the Anthropic event stream means the vendor translation
// and signature-cache writes (kinds 1-3) only need to exist once; this
// translator additionally re-caches kinds 4/5 (tool-call-keyed) for the
// OpenAI-compatible surface's own replay path.
func TranslateToOpenAIStream(events <-chan *SSEEvent, model, style string) <-chan *openai.ChatCompletionChunk {
	out := make(chan *openai.ChatCompletionChunk, 100)

	go func() {
		defer close(out)

		cache := format.GetGlobalSignatureCache()
		id := "chatcmpl-" + generateHexID(16)
		created := time.Now().Unix()
		toolCallIndex := -1
		var currentToolCallID string
		var reasoningBuffer string
		thinkTagOpen := false

		emit := func(delta openai.ChatMessage, finishReason *string) {
			out <- &openai.ChatCompletionChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []openai.Choice{{Index: 0, Delta: &delta, FinishReason: finishReason}},
			}
		}

		closeThinkTag := func() string {
			if thinkTagOpen {
				thinkTagOpen = false
				return "</think>"
			}
			return ""
		}

		for event := range events {
			switch event.Type {
			case "message_start":
				emit(openai.ChatMessage{Role: "assistant", Content: ""}, nil)

			case "content_block_start":
				if event.ContentBlock == nil {
					continue
				}
				switch event.ContentBlock.Type {
				case "tool_use":
					toolCallIndex++
					currentToolCallID = event.ContentBlock.ID
					prefix := closeThinkTag()
					if prefix != "" && (style == "tags" || style == "both") {
						emit(openai.ChatMessage{Content: prefix}, nil)
					}
					emit(openai.ChatMessage{
						ToolCalls: []openai.ToolCall{{
							Index: toolCallIndex,
							ID:    event.ContentBlock.ID,
							Type:  "function",
							Function: openai.FunctionCallData{
								Name:      event.ContentBlock.Name,
								Arguments: "",
							},
						}},
					}, nil)
					if sig := event.ContentBlock.ThoughtSignature; sig != "" {
						cache.CacheOpenAIToolSignature(currentToolCallID, sig)
						cache.CacheClaudeToolThinking(currentToolCallID, sig, reasoningBuffer)
					}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta["type"] {
				case "thinking_delta":
					text, _ := event.Delta["thinking"].(string)
					reasoningBuffer += text
					content := ""
					if !thinkTagOpen && (style == "tags" || style == "both") {
						thinkTagOpen = true
						content = "<think>"
					}
					msg := openai.ChatMessage{}
					if style == "reasoning_content" || style == "both" {
						msg.ReasoningContent = text
					}
					if style == "tags" || style == "both" {
						msg.Content = content + text
					}
					emit(msg, nil)

				case "text_delta":
					text, _ := event.Delta["text"].(string)
					prefix := closeThinkTag()
					if prefix != "" && (style == "tags" || style == "both") {
						text = prefix + text
					}
					emit(openai.ChatMessage{Content: text}, nil)

				case "input_json_delta":
					args, _ := event.Delta["partial_json"].(string)
					emit(openai.ChatMessage{
						ToolCalls: []openai.ToolCall{{
							Index:    toolCallIndex,
							Function: openai.FunctionCallData{Arguments: args},
						}},
					}, nil)
				}

			case "message_delta":
				finish := "stop"
				if event.Delta != nil {
					if sr, ok := event.Delta["stop_reason"].(string); ok {
						finish = mapAnthropicStopReasonToOpenAI(sr, toolCallIndex >= 0)
					}
				}
				if prefix := closeThinkTag(); prefix != "" && (style == "tags" || style == "both") {
					emit(openai.ChatMessage{Content: prefix}, nil)
				}
				emit(openai.ChatMessage{}, &finish)

				if event.Usage != nil {
					out <- &openai.ChatCompletionChunk{
						ID:      id,
						Object:  "chat.completion.chunk",
						Created: created,
						Model:   model,
						Choices: []openai.Choice{},
						Usage: &openai.Usage{
							CompletionTokens: event.Usage.OutputTokens,
						},
					}
				}

			case "message_stop":
				return
			}
		}
	}()

	return out
}

func mapAnthropicStopReasonToOpenAI(stopReason string, hasToolCalls bool) string {
	if stopReason == "tool_use" || hasToolCalls {
		return "tool_calls"
	}
	switch stopReason {
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
