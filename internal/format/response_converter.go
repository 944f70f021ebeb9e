// Package format provides conversion between Anthropic and Google Generative AI formats.
package format

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
)

// GoogleResponse is a non-streaming vendor response, which may arrive
// either wrapped in a "response" envelope or with candidates/usage at
// the top level depending on endpoint.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner is the payload under the "response" envelope.
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is a single response candidate.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent is the content of a candidate.
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart is a single part of a candidate's content.
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall is a function call emitted in a response part.
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// UsageMetadata is token accounting attached to a response.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// GoogleResponseFromMap decodes a loosely-typed JSON response body into
// a GoogleResponse, round-tripping through JSON so field tags still apply.
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	raw, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var resp GoogleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &GoogleResponse{}
	}
	return &resp
}

// ConvertGoogleToAnthropic converts a complete (non-streaming) vendor
// response into an Anthropic messages response. userID scopes the
// per-user last-thinking-signature and assistant-signature caches; pass
// "" when the originating request carried no metadata.user_id.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model, userID string) *anthropic.MessagesResponse {
	var candidates []Candidate
	var usage *UsageMetadata

	if googleResponse.Response != nil {
		candidates = googleResponse.Response.Candidates
		usage = googleResponse.Response.UsageMetadata
	} else {
		candidates = googleResponse.Candidates
		usage = googleResponse.UsageMetadata
	}

	var firstCandidate Candidate
	if len(candidates) > 0 {
		firstCandidate = candidates[0]
	}

	var parts []ResponsePart
	if firstCandidate.Content != nil {
		parts = firstCandidate.Content.Parts
	}

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false

	cache := GetGlobalSignatureCache()
	var lastSignature string
	var nonThinkingContent []string

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			signature := part.ThoughtSignature
			if signature != "" && len(signature) >= config.MinSignatureLength {
				modelFamily := config.GetModelFamily(model)
				cache.CacheThinkingSignature(signature, string(modelFamily))
				lastSignature = signature
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})

		case part.Text != "":
			nonThinkingContent = append(nonThinkingContent, part.Text)
			content = append(content, anthropic.ContentBlock{
				Type: "text",
				Text: part.Text,
			})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = "toolu_" + generateRandomHex(12)
			}

			var inputJSON json.RawMessage
			if part.FunctionCall.Args != nil {
				inputJSON, _ = json.Marshal(part.FunctionCall.Args)
			} else {
				inputJSON = json.RawMessage("{}")
			}
			nonThinkingContent = append(nonThinkingContent, part.FunctionCall.Name, string(inputJSON))

			toolUseBlock := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: inputJSON,
			}

			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				toolUseBlock.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
				lastSignature = part.ThoughtSignature
			}

			content = append(content, toolUseBlock)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	stopReason := "end_turn"
	switch {
	case firstCandidate.FinishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	case firstCandidate.FinishReason == "TOOL_USE" || hasToolCalls:
		stopReason = "tool_use"
	}

	// Antigravity's promptTokenCount is the TOTAL (includes cached), but
	// Anthropic's input_tokens excludes cached; subtract to match.
	var promptTokens, cachedTokens, outputTokens int
	if usage != nil {
		promptTokens = usage.PromptTokenCount
		cachedTokens = usage.CachedContentTokenCount
		outputTokens = usage.CandidatesTokenCount
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	if lastSignature != "" {
		cache.CacheUserSignature(userID, lastSignature)
		hash := HashContent(nonThinkingContent...)
		cache.CacheAssistantSignature(userID, hash, lastSignature)
	}

	return &anthropic.MessagesResponse{
		ID:           "msg_" + generateRandomHex(16),
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: &anthropic.Usage{
			InputTokens:              promptTokens - cachedTokens,
			OutputTokens:             outputTokens,
			CacheReadInputTokens:     cachedTokens,
			CacheCreationInputTokens: 0,
		},
	}
}

// generateRandomHex generates a random hex string of the given byte length.
func generateRandomHex(byteLength int) string {
	b := make([]byte, byteLength)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
