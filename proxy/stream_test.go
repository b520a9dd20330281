package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keelproxy/keel/pii"
)

// stubRedactor substitutes configured literals and reports one entity per
// substitution.
type stubRedactor struct {
	replace map[string]string
	err     error
	calls   int
}

func (s *stubRedactor) Redact(ctx context.Context, text string) (pii.Result, error) {
	s.calls++
	if s.err != nil {
		return pii.Result{}, s.err
	}
	out := text
	var entities []pii.Entity
	for needle, replacement := range s.replace {
		if strings.Contains(out, needle) {
			out = strings.ReplaceAll(out, needle, replacement)
			entities = append(entities, pii.Entity{Text: needle, Type: pii.TypeSSN})
		}
	}
	return pii.Result{Text: out, Entities: entities}, nil
}

// chunkedReader returns one piece per Read call, simulating network chunks
// that do not align with SSE line boundaries.
type chunkedReader struct {
	pieces []string
	pos    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.pieces) {
		return 0, io.EOF
	}
	n := copy(p, r.pieces[r.pos])
	r.pos++
	return n, nil
}

func sseFrame(id, content string) string {
	return `data: {"id":"` + id + `","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":` + mustJSON(content) + `},"finish_reason":null}]}` + "\n\n"
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// emittedFrame mirrors the wire shape of a transformed chunk for assertions.
type emittedFrame struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// parseFrames decodes every data line in the transformer output, returning
// decoded frames, raw passthrough data lines that failed to decode, and
// whether [DONE] was seen.
func parseFrames(t *testing.T, output string) ([]emittedFrame, []string, bool) {
	t.Helper()
	var frames []emittedFrame
	var raw []string
	done := false
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			done = true
			continue
		}
		var frame emittedFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			raw = append(raw, line)
			continue
		}
		frames = append(frames, frame)
	}
	return frames, raw, done
}

func concatContent(frames []emittedFrame) string {
	var b strings.Builder
	for _, f := range frames {
		if len(f.Choices) > 0 && f.Choices[0].Delta.Content != nil {
			b.WriteString(*f.Choices[0].Delta.Content)
		}
	}
	return b.String()
}

func runTransformer(t *testing.T, redactor Redactor, cfg StreamConfig, input io.Reader) (string, error) {
	t.Helper()
	var out bytes.Buffer
	tr := NewStreamTransformer(redactor, cfg, &out, nil)
	err := tr.Run(context.Background(), input)
	return out.String(), err
}

func TestStreamRedactsEntitySplitAcrossFrames(t *testing.T) {
	redactor := &stubRedactor{replace: map[string]string{"123-45-6789": "987-65-4321"}}

	input := `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}` + "\n\n" +
		sseFrame("chatcmpl-1", "My SSN is 123-45-") +
		sseFrame("chatcmpl-1", "6789. Thanks!") +
		"data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames, _, done := parseFrames(t, output)
	if !done {
		t.Error("[DONE] terminator was not forwarded")
	}
	full := concatContent(frames)
	if strings.Contains(full, "123-45-6789") {
		t.Errorf("SSN split across frames survived redaction: %q", full)
	}
	if full != "My SSN is 987-65-4321. Thanks!" {
		t.Errorf("unexpected redacted stream text: %q", full)
	}
}

func TestStreamCompleteness(t *testing.T) {
	// Every character of content must come out exactly once regardless of
	// how deltas were segmented.
	redactor := &stubRedactor{}
	pieces := []string{
		"First sentence here. ",
		"Second one! ",
		"And a third? ",
		"Trailing fragment with no terminator",
	}

	var input strings.Builder
	for _, p := range pieces {
		input.WriteString(sseFrame("chatcmpl-2", p))
	}
	input.WriteString("data: [DONE]\n\n")

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames, _, _ := parseFrames(t, output)
	if got := concatContent(frames); got != strings.Join(pieces, "") {
		t.Errorf("stream content mangled:\n got %q\nwant %q", got, strings.Join(pieces, ""))
	}
}

func TestStreamReassemblesLinesAcrossReads(t *testing.T) {
	redactor := &stubRedactor{}
	frame := sseFrame("chatcmpl-3", "Hello world. ")

	// Split the frame bytes at awkward places.
	reader := &chunkedReader{pieces: []string{
		frame[:10], frame[10:25], frame[25:],
		"data: [DO", "NE]\n\n",
	}}

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames, _, done := parseFrames(t, output)
	if !done {
		t.Error("[DONE] split across reads was not recognized")
	}
	if got := concatContent(frames); got != "Hello world. " {
		t.Errorf("expected %q, got %q", "Hello world. ", got)
	}
}

func TestStreamRoleEmittedOnceAndMetaReused(t *testing.T) {
	redactor := &stubRedactor{}
	input := sseFrame("chatcmpl-4", "One. ") +
		sseFrame("chatcmpl-4", "Two. ") +
		"data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames, _, _ := parseFrames(t, output)
	if len(frames) < 2 {
		t.Fatalf("expected at least 2 emitted frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.ID != "chatcmpl-4" || f.Model != "gpt-4o" || f.Object != "chat.completion.chunk" {
			t.Errorf("frame %d dropped upstream envelope: %+v", i, f)
		}
		role := f.Choices[0].Delta.Role
		if i == 0 && role != "assistant" {
			t.Errorf("first frame is missing the assistant role: %+v", f)
		}
		if i > 0 && role != "" {
			t.Errorf("frame %d repeats the role", i)
		}
		if f.Choices[0].FinishReason != nil {
			t.Errorf("frame %d carries a finish reason", i)
		}
	}
}

func TestStreamPassesThroughNonDataLines(t *testing.T) {
	redactor := &stubRedactor{}
	input := ": keep-alive comment\n" +
		"event: ping\n" +
		sseFrame("chatcmpl-5", "Hi. ") +
		"data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, ": keep-alive comment\n") {
		t.Error("SSE comment line was dropped")
	}
	if !strings.Contains(output, "event: ping\n") {
		t.Error("SSE event line was dropped")
	}
}

func TestStreamPassesThroughMalformedPayloads(t *testing.T) {
	redactor := &stubRedactor{}
	input := "data: {this is not json\n\n" +
		"data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "data: {this is not json\n") {
		t.Error("malformed payload was not passed through verbatim")
	}
}

func TestStreamPassesThroughToolCallFrames(t *testing.T) {
	redactor := &stubRedactor{}
	toolFrame := `data: {"id":"chatcmpl-6","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"name":"lookup","arguments":"{}"}}]},"finish_reason":null}]}`
	input := toolFrame + "\n\n" + "data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, toolFrame+"\n") {
		t.Error("tool-call frame was not passed through verbatim")
	}
	if redactor.calls > 1 {
		// Only the [DONE] drain may have run, and it had nothing to do.
		t.Errorf("tool-call frame was redacted (%d calls)", redactor.calls)
	}
}

func TestStreamPassesThroughFinishReasonFrames(t *testing.T) {
	redactor := &stubRedactor{}
	finishFrame := `data: {"id":"chatcmpl-7","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	input := sseFrame("chatcmpl-7", "Done now. ") + finishFrame + "\n\n" + "data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, finishFrame+"\n") {
		t.Error("finish-reason frame was not passed through verbatim")
	}
}

func TestStreamDrainsBufferOnEOF(t *testing.T) {
	redactor := &stubRedactor{}
	// No sentence terminator and no [DONE]: transport EOF must still
	// flush what is buffered.
	input := sseFrame("chatcmpl-8", "unterminated fragment")

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	frames, _, _ := parseFrames(t, output)
	if got := concatContent(frames); got != "unterminated fragment" {
		t.Errorf("buffered text lost at EOF: %q", got)
	}
}

func TestStreamTokenCapForcesFlush(t *testing.T) {
	redactor := &stubRedactor{}
	// Two deltas, no sentence boundary anywhere; a cap of 2 estimated
	// tokens (8 chars) forces a flush per delta.
	input := sseFrame("chatcmpl-9", "aaaaaaaaaa") + sseFrame("chatcmpl-9", "bbbbbbbbbb") + "data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 2}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	frames, _, _ := parseFrames(t, output)
	if len(frames) < 2 {
		t.Errorf("expected the token cap to force separate flushes, got %d frames", len(frames))
	}
	if got := concatContent(frames); got != "aaaaaaaaaabbbbbbbbbb" {
		t.Errorf("content mangled: %q", got)
	}
}

// syncBuffer makes output observable while Run is still writing it.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStreamMaxDelayForcesFlush(t *testing.T) {
	redactor := &stubRedactor{}
	pr, pw := io.Pipe()

	out := &syncBuffer{}
	tr := NewStreamTransformer(redactor, StreamConfig{MaxDelay: 50 * time.Millisecond, MaxTokens: 1000}, out, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(context.Background(), pr) }()

	// A fragment with no sentence boundary, then silence longer than the
	// max delay.
	if _, err := io.WriteString(pw, sseFrame("chatcmpl-10", "slow fragment")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if !strings.Contains(out.String(), "slow fragment") {
		t.Error("max delay did not force a flush")
	}

	if _, err := io.WriteString(pw, "data: [DONE]\n\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = pw.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStreamEntityCallback(t *testing.T) {
	redactor := &stubRedactor{replace: map[string]string{"123-45-6789": "X"}}
	var seen []pii.Entity

	var out bytes.Buffer
	tr := NewStreamTransformer(redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, &out,
		func(entities []pii.Entity) { seen = append(seen, entities...) })

	input := sseFrame("chatcmpl-11", "SSN 123-45-6789. ") + "data: [DONE]\n\n"
	if err := tr.Run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0].Type != pii.TypeSSN {
		t.Errorf("entity callback not invoked correctly: %v", seen)
	}
}

func TestStreamRedactionErrorAborts(t *testing.T) {
	redactor := &stubRedactor{err: errors.New("classifier down")}
	input := sseFrame("chatcmpl-12", "Some text. ") + "data: [DONE]\n\n"

	_, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err == nil {
		t.Fatal("redaction failure must abort the stream, not leak text")
	}
}

func TestStreamRoleOnlyFrameIsAbsorbed(t *testing.T) {
	redactor := &stubRedactor{}
	roleFrame := `data: {"id":"chatcmpl-13","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`
	input := roleFrame + "\n\n" + sseFrame("chatcmpl-13", "Hi. ") + "data: [DONE]\n\n"

	output, err := runTransformer(t, redactor, StreamConfig{MaxDelay: 5 * time.Second, MaxTokens: 1000}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Exactly one frame announces the role: the transformer's own first
	// emitted chunk, not the upstream role frame plus a duplicate.
	if got := strings.Count(output, `"role":"assistant"`); got != 1 {
		t.Errorf("expected exactly one role announcement, got %d\noutput: %s", got, output)
	}
}
