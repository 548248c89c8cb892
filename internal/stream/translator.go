// Package stream converts upstream SSE dialects into OpenAI
// chat.completion.chunk events.
//
// Two upstream dialects are transformed: Gemini-style generateContent
// events (google, antigravity) and Responses-API events (codex).
// OpenAI-compatible upstreams bypass this package entirely; the dispatcher
// forwards their bytes verbatim.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smartrouter/smartrouter/internal/api"
)

var finishStop = "stop"

// Translator incrementally parses one upstream SSE stream and emits OpenAI
// chunks. Events are never reordered; one upstream event may become several
// downstream chunks but never the reverse.
type Translator struct {
	id       string
	model    string
	created  int64
	buf      []byte
	usage    api.Usage
	finished bool
}

// NewTranslator creates a translator for one upstream stream.
func NewTranslator(model string) *Translator {
	return &Translator{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Feed appends upstream bytes and returns the chunks completed by them.
func (t *Translator) Feed(p []byte) []api.ChatCompletionChunk {
	t.buf = append(t.buf, p...)
	// Normalize CRLF framing before slicing events.
	t.buf = bytes.ReplaceAll(t.buf, []byte("\r\n"), []byte("\n"))

	var out []api.ChatCompletionChunk
	for {
		idx := bytes.Index(t.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := t.buf[:idx]
		t.buf = t.buf[idx+2:]
		out = append(out, t.handleEvent(event)...)
	}
	return out
}

// Flush processes any trailing unterminated event at EOF.
func (t *Translator) Flush() []api.ChatCompletionChunk {
	if len(bytes.TrimSpace(t.buf)) == 0 {
		t.buf = nil
		return nil
	}
	event := t.buf
	t.buf = nil
	return t.handleEvent(event)
}

// Finished reports whether a terminating event was seen; the caller should
// emit [DONE] and stop reading.
func (t *Translator) Finished() bool {
	return t.finished
}

// Usage returns the token accounting accumulated so far.
func (t *Translator) Usage() api.Usage {
	return t.usage
}

// upstreamEvent is the union of the event shapes the router understands.
type upstreamEvent struct {
	// Responses API
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta"`

	// Gemini
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`

	// Shared envelope: Responses API and Antigravity both nest under
	// "response".
	Response *struct {
		Candidates    []geminiCandidate `json:"candidates"`
		UsageMetadata *geminiUsage      `json:"usageMetadata"`
		Usage         *responsesUsage   `json:"usage"`
		Error         *upstreamError    `json:"error"`
	} `json:"response"`

	Error *upstreamError `json:"error"`
}

type geminiCandidate struct {
	Content struct {
		Parts []geminiPart `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiPart struct {
	Text             string          `json:"text"`
	ThoughtSignature json.RawMessage `json:"thoughtSignature"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type upstreamError struct {
	Message string `json:"message"`
}

// handleEvent parses one complete SSE event and dispatches on its shape.
// Unknown event types are silently discarded.
func (t *Translator) handleEvent(event []byte) []api.ChatCompletionChunk {
	data := extractData(event)
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return nil
	}

	var ev upstreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}

	// Error events terminate the stream with a visible marker.
	if ev.Type == "error" || ev.Type == "response.failed" || ev.Error != nil {
		msg := "unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		} else if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
			msg = ev.Response.Error.Message
		}
		t.finished = true
		return []api.ChatCompletionChunk{t.chunk(fmt.Sprintf("\n\n[Error: %s]", msg), &finishStop, nil)}
	}

	// Responses API (codex).
	switch ev.Type {
	case "response.output_text.delta":
		var delta string
		if err := json.Unmarshal(ev.Delta, &delta); err != nil || delta == "" {
			return nil
		}
		return []api.ChatCompletionChunk{t.chunk(delta, nil, nil)}
	case "response.completed", "response.done":
		t.finished = true
		var usage *api.Usage
		if ev.Response != nil && ev.Response.Usage != nil {
			t.usage.PromptTokens = ev.Response.Usage.InputTokens
			t.usage.CompletionTokens = ev.Response.Usage.OutputTokens
			t.usage.TotalTokens = ev.Response.Usage.TotalTokens
			u := t.usage
			usage = &u
		}
		return []api.ChatCompletionChunk{t.chunk("", &finishStop, usage)}
	}
	if ev.Type != "" {
		return nil // unknown Responses-API event
	}

	// Gemini / Antigravity.
	candidates := ev.Candidates
	usageMeta := ev.UsageMetadata
	if ev.Response != nil {
		if len(candidates) == 0 {
			candidates = ev.Response.Candidates
		}
		if usageMeta == nil {
			usageMeta = ev.Response.UsageMetadata
		}
	}
	if usageMeta != nil {
		t.usage.PromptTokens = usageMeta.PromptTokenCount
		t.usage.CompletionTokens = usageMeta.CandidatesTokenCount
		t.usage.TotalTokens = usageMeta.TotalTokenCount
		if t.usage.TotalTokens == 0 {
			t.usage.TotalTokens = t.usage.PromptTokens + t.usage.CompletionTokens
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var text strings.Builder
	stop := false
	for _, cand := range candidates {
		for _, part := range cand.Content.Parts {
			// Thought parts carry a signature and are not user-visible.
			if len(part.ThoughtSignature) == 0 {
				text.WriteString(part.Text)
			}
		}
		if cand.FinishReason == "STOP" {
			stop = true
		}
	}

	var finish *string
	if stop {
		finish = &finishStop
		t.finished = true
	}
	return []api.ChatCompletionChunk{t.chunk(text.String(), finish, nil)}
}

// chunk builds one OpenAI chunk in this stream's envelope.
func (t *Translator) chunk(content string, finish *string, usage *api.Usage) api.ChatCompletionChunk {
	return api.ChatCompletionChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []api.ChunkChoice{{
			Index:        0,
			Delta:        api.Delta{Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// extractData joins the payloads of every "data:" line in an event.
func extractData(event []byte) []byte {
	var data []byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		rest = bytes.TrimPrefix(rest, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, rest...)
	}
	return data
}

// EncodeChunk renders a chunk as one SSE event.
func EncodeChunk(c *api.ChatCompletionChunk) []byte {
	payload, _ := json.Marshal(c)
	out := make([]byte, 0, len(payload)+16)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out
}

// DoneEvent is the terminating SSE event.
func DoneEvent() []byte {
	return []byte("data: [DONE]\n\n")
}

// PassthroughUsage opportunistically pulls token usage out of an
// OpenAI-shaped SSE fragment on the pass-through path.
type PassthroughUsage struct {
	buf   []byte
	usage api.Usage
}

// Feed scans forwarded bytes for usage blocks without altering them.
func (p *PassthroughUsage) Feed(data []byte) {
	p.buf = append(p.buf, data...)
	p.buf = bytes.ReplaceAll(p.buf, []byte("\r\n"), []byte("\n"))

	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		var ev struct {
			Usage *api.Usage `json:"usage"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(payload), &ev); err == nil && ev.Usage != nil {
			p.usage = *ev.Usage
		}
	}
}

// Usage returns the last usage block seen.
func (p *PassthroughUsage) Usage() api.Usage {
	return p.usage
}
