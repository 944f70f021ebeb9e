// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"encoding/json"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/gemini"
)

// TranslateToGeminiStream re-shapes the Anthropic-format SSEEvent channel
// into Gemini generateContent response chunks, one per incoming delta, the
// way the vendor's own streamGenerateContent endpoint frames its output
// (§4.4.3 "Gemini pass-through" — each chunk is a full GenerateContentResponse
// carrying just the incremental parts for this step).
func TranslateToGeminiStream(events <-chan *SSEEvent, model string) <-chan *gemini.GenerateContentResponse {
	out := make(chan *gemini.GenerateContentResponse, 100)

	go func() {
		defer close(out)

		var pendingThinkingSignature string
		currentBlockType := ""

		emit := func(part gemini.Part, finishReason string, usage *gemini.UsageMetadata) {
			out <- &gemini.GenerateContentResponse{
				Candidates: []gemini.Candidate{{
					Content:      gemini.Content{Role: "model", Parts: []gemini.Part{part}},
					FinishReason: finishReason,
					Index:        0,
				}},
				UsageMetadata: usage,
				ModelVersion:  model,
			}
		}

		for event := range events {
			switch event.Type {
			case "content_block_start":
				if event.ContentBlock == nil {
					continue
				}
				currentBlockType = event.ContentBlock.Type
				if event.ContentBlock.Type == "image" && event.ContentBlock.Source != nil {
					emit(gemini.Part{InlineData: &gemini.Blob{
						MimeType: event.ContentBlock.Source.MediaType,
						Data:     event.ContentBlock.Source.Data,
					}}, "", nil)
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta["type"] {
				case "thinking_delta":
					text, _ := event.Delta["thinking"].(string)
					emit(gemini.Part{Text: text, Thought: true}, "", nil)

				case "signature_delta":
					sig, _ := event.Delta["signature"].(string)
					pendingThinkingSignature = sig

				case "text_delta":
					text, _ := event.Delta["text"].(string)
					emit(gemini.Part{Text: text}, "", nil)

				case "input_json_delta":
					args, _ := event.Delta["partial_json"].(string)
					var parsed map[string]interface{}
					_ = json.Unmarshal([]byte(args), &parsed)
					emit(gemini.Part{
						FunctionCall: &gemini.FunctionCall{Args: parsed},
					}, "", nil)
				}

			case "content_block_stop":
				if currentBlockType == "thinking" && pendingThinkingSignature != "" {
					emit(gemini.Part{Thought: true, ThoughtSignature: pendingThinkingSignature}, "", nil)
					pendingThinkingSignature = ""
				}
				currentBlockType = ""

			case "message_delta":
				finish := "STOP"
				var usage *gemini.UsageMetadata
				if event.Delta != nil {
					if sr, ok := event.Delta["stop_reason"].(string); ok && sr == "max_tokens" {
						finish = "MAX_TOKENS"
					}
				}
				if event.Usage != nil {
					usage = &gemini.UsageMetadata{
						CandidatesTokenCount: event.Usage.OutputTokens,
					}
				}
				out <- &gemini.GenerateContentResponse{
					Candidates: []gemini.Candidate{{
						Content:      gemini.Content{Role: "model"},
						FinishReason: finish,
						Index:        0,
					}},
					UsageMetadata: usage,
					ModelVersion:  model,
				}

			case "message_stop":
				return
			}
		}
	}()

	return out
}
