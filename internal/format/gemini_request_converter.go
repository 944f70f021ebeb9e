package format

import (
	"encoding/json"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/gemini"
)

// ConvertGeminiToAnthropic rewrites a Gemini generateContent request as an
// Anthropic messages request, so the Gemini-native surface rides the same
// vendor translation, retry engine and signature cache built for the
// Anthropic surface. The public Gemini content shape (role + parts of
// text/inlineData/functionCall/functionResponse) is already close to the
// vendor's own envelope, so this conversion stays close to field-for-field
// (§4.4 "Gemini pass-through") with only the Anthropic ContentBlock union
// as an intermediate.
func ConvertGeminiToAnthropic(req *gemini.GenerateContentRequest, model string) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 8192,
	}

	if req.SystemInstruction != nil {
		out.System = partsText(req.SystemInstruction.Parts)
	}

	if gc := req.GenerationConfig; gc != nil {
		if gc.MaxOutputTokens > 0 {
			out.MaxTokens = gc.MaxOutputTokens
		}
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		if gc.TopK != nil {
			out.TopK = gc.TopK
		}
		out.StopSequences = gc.StopSequences

		if tc := gc.ThinkingConfig; tc != nil {
			if tc.IncludeThoughts {
				budget := tc.ThinkingBudget
				if budget == 0 {
					budget = 4096
				}
				out.Thinking = &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: budget}
			} else {
				out.Thinking = &anthropic.ThinkingConfig{Type: "disabled"}
			}
		}
	}

	for _, content := range req.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}

		var blocks []anthropic.ContentBlock
		for _, part := range content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				id := part.FunctionCall.ID
				if id == "" {
					id = anthropic.GenerateToolUseID()
				}
				block := anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: json.RawMessage(args),
				}
				if part.ThoughtSignature != "" {
					block.ThoughtSignature = part.ThoughtSignature
				}
				blocks = append(blocks, block)

			case part.FunctionResponse != nil:
				resultJSON := "{}"
				if b, err := json.Marshal(part.FunctionResponse.Response); err == nil {
					resultJSON = string(b)
				}
				id := part.FunctionResponse.ID
				if id == "" {
					id = part.FunctionResponse.Name
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:      "tool_result",
					ToolUseID: id,
					Content:   resultJSON,
				})

			case part.InlineData != nil:
				blocks = append(blocks, anthropic.ContentBlock{
					Type: "image",
					Source: &anthropic.ImageSource{
						Type:      "base64",
						MediaType: part.InlineData.MimeType,
						Data:      part.InlineData.Data,
					},
				})

			case part.Thought:
				blocks = append(blocks, anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				})

			case part.Text != "":
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: part.Text})
			}
		}

		if len(blocks) == 0 {
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: ""})
		}

		out.Messages = append(out.Messages, anthropic.Message{Role: role, Content: blocks})
	}

	for _, tool := range req.Tools {
		for _, fn := range tool.FunctionDeclarations {
			params := fn.Parameters
			if params == nil {
				params = map[string]interface{}{"type": "object"}
			}
			schema, _ := json.Marshal(params)
			out.Tools = append(out.Tools, anthropic.Tool{
				Name:        fn.Name,
				Description: fn.Description,
				InputSchema: schema,
			})
		}
	}

	if tc := req.ToolConfig; tc != nil && tc.FunctionCallingConfig != nil {
		switch tc.FunctionCallingConfig.Mode {
		case "ANY":
			out.ToolChoice = &anthropic.ToolChoice{Type: "any"}
		case "NONE":
			out.ToolChoice = &anthropic.ToolChoice{Type: "none"}
		case "AUTO":
			out.ToolChoice = &anthropic.ToolChoice{Type: "auto"}
		}
	}

	return out
}

// partsText flattens a Content's parts down to their concatenated text,
// dropping non-text parts (a system instruction has no tool calls/media).
func partsText(parts []gemini.Part) string {
	var out string
	for _, p := range parts {
		if p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}
