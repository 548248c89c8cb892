// Package api defines the OpenAI chat-completions wire types the router
// accepts and emits, plus the router extensions.
package api

import (
	"encoding/json"
	"strings"
)

// ChatRequest is an OpenAI-shaped chat completion request plus the router
// extensions (profile pinning and enable_thinking).
type ChatRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []ChatMessage   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`

	// Router extensions
	Profile        string `json:"profile,omitempty"`
	ProfileID      string `json:"profile_id,omitempty"`
	EnableThinking bool   `json:"enable_thinking,omitempty"`

	// Injected for OAuth credentials that carry a project id.
	Project string `json:"project,omitempty"`
}

// PinnedProfile returns the profile id the client pinned, if any.
func (r *ChatRequest) PinnedProfile() string {
	if r.Profile != "" {
		return r.Profile
	}
	return r.ProfileID
}

// LastUserContent returns the text of the last user message, for scoring.
func (r *ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// ChatMessage is one conversation message. Content is kept raw because
// clients may send either a string or a multimodal part array.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// Text extracts the textual content: a plain string, or the concatenated
// "text" fields of a part array.
func (m *ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

// Usage is the OpenAI token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is the assistant message inside a completed choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one completed choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response body.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// Routing is the router's decision summary, attached to non-stream
	// responses.
	Routing *RoutingInfo `json:"_routing,omitempty"`
}

// RoutingInfo summarizes the routing decision for the client.
type RoutingInfo struct {
	Tier      string  `json:"tier"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Score     float64 `json:"score"`
	ProfileID string  `json:"profileId,omitempty"`
}

// Delta is the incremental content of a streamed chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice of a streamed chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one streamed SSE event body.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ErrorBody is the generic OpenAI-style error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error fields clients switch on.
type ErrorDetail struct {
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	Code       any    `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
