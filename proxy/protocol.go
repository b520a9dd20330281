package proxy

import "encoding/json"

// doneMarker is the literal SSE stream terminator payload.
const doneMarker = "[DONE]"

// chatCompletionChunk is one streamed delta frame in the OpenAI-compatible
// chat-completion schema. It is used both to decode upstream frames and to
// encode reframed redacted ones.
type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// chunkDelta keeps the raw field set around so the transformer can tell a
// plain text delta apart from tool-call or other non-text payloads.
type chunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`

	raw map[string]json.RawMessage
}

func (d *chunkDelta) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &d.raw); err != nil {
		return err
	}
	if roleRaw, ok := d.raw["role"]; ok {
		if err := json.Unmarshal(roleRaw, &d.Role); err != nil {
			return err
		}
	}
	if contentRaw, ok := d.raw["content"]; ok {
		var content string
		if err := json.Unmarshal(contentRaw, &content); err == nil {
			d.Content = &content
		}
	}
	return nil
}

// textContent returns the frame's delta text. ok is false for frames the
// transformer must pass through untouched: no choices, finish-reason frames,
// tool-call deltas, or deltas whose content is missing or not a string.
func (c *chatCompletionChunk) textContent() (string, bool) {
	if len(c.Choices) == 0 {
		return "", false
	}
	choice := c.Choices[0]
	if choice.FinishReason != nil {
		return "", false
	}
	for key := range choice.Delta.raw {
		if key != "role" && key != "content" {
			return "", false
		}
	}
	if choice.Delta.Content == nil {
		return "", false
	}
	return *choice.Delta.Content, true
}

// roleOnly reports a frame that carries nothing but the assistant role. It
// is absorbed into the captured metadata rather than forwarded, since the
// transformer re-injects the role on its own first frame.
func (c *chatCompletionChunk) roleOnly() bool {
	if len(c.Choices) == 0 {
		return false
	}
	choice := c.Choices[0]
	if choice.FinishReason != nil || choice.Delta.Role == "" {
		return false
	}
	for key := range choice.Delta.raw {
		if key != "role" {
			return false
		}
	}
	return true
}
