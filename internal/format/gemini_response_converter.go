package format

import (
	"encoding/json"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/gemini"
)

// ConvertAnthropicToGemini materializes an Anthropic messages response as a
// Gemini generateContent response. The content-block-to-part mapping is the
// mirror image of ConvertGeminiToAnthropic: thinking/redacted_thinking
// blocks become thought parts, tool_use becomes functionCall, text passes
// straight through.
func ConvertAnthropicToGemini(resp *anthropic.MessagesResponse) *gemini.GenerateContentResponse {
	parts := make([]gemini.Part, 0, len(resp.Content))

	for _, block := range resp.Content {
		switch block.Type {
		case "thinking", "redacted_thinking":
			parts = append(parts, gemini.Part{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})

		case "text":
			parts = append(parts, gemini.Part{Text: block.Text})

		case "tool_use":
			var args map[string]interface{}
			_ = json.Unmarshal(block.Input, &args)
			sig := block.ThoughtSignature
			if sig == "" {
				sig = block.Signature
			}
			parts = append(parts, gemini.Part{
				FunctionCall: &gemini.FunctionCall{
					ID:   block.ID,
					Name: block.Name,
					Args: args,
				},
				ThoughtSignature: sig,
			})

		case "image":
			if block.Source != nil && block.Source.Type == "base64" {
				parts = append(parts, gemini.Part{
					InlineData: &gemini.Blob{MimeType: block.Source.MediaType, Data: block.Source.Data},
				})
			}
		}
	}

	finishReason := "STOP"
	if resp.StopReason == "max_tokens" {
		finishReason = "MAX_TOKENS"
	}

	var usage *gemini.UsageMetadata
	if resp.Usage != nil {
		usage = &gemini.UsageMetadata{
			PromptTokenCount:     resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens,
			CandidatesTokenCount: resp.Usage.OutputTokens,
			TotalTokenCount:      resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.OutputTokens,
		}
	}

	return &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content:      gemini.Content{Role: "model", Parts: parts},
			FinishReason: finishReason,
			Index:        0,
		}},
		UsageMetadata: usage,
		ModelVersion:  resp.Model,
	}
}
