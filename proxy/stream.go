package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/keelproxy/keel/pii"
)

// Redactor is the slice of the redaction orchestrator the proxy needs.
type Redactor interface {
	Redact(ctx context.Context, text string) (pii.Result, error)
}

// StreamConfig bounds the transformer's buffering behavior.
type StreamConfig struct {
	// MaxDelay is the worst-case latency added by buffering: a flush is
	// forced this long after the previous one even if no sentence
	// boundary ever appears.
	MaxDelay time.Duration
	// MaxTokens caps the estimated token count of the buffer.
	MaxTokens int
}

// streamMeta is the protocol envelope captured from upstream frames and
// reused when reframing flushed chunks.
type streamMeta struct {
	id          string
	model       string
	created     int64
	choiceIndex int
	role        string
	seen        bool
}

// StreamTransformer sits between an upstream SSE stream and the client. It
// re-segments streamed deltas into sentence-complete chunks, redacts each
// chunk, and re-emits protocol-shaped frames. One transformer owns one
// stream's buffer state; instances are not reused.
type StreamTransformer struct {
	redactor Redactor
	cfg      StreamConfig
	dst      io.Writer
	// onEntities receives the entities found in each flushed chunk.
	onEntities func([]pii.Entity)

	carry         string
	buf           strings.Builder
	tokenEstimate int
	lastFlush     time.Time
	meta          streamMeta
	roleEmitted   bool
}

// NewStreamTransformer creates a transformer writing redacted frames to dst.
// onEntities may be nil.
func NewStreamTransformer(redactor Redactor, cfg StreamConfig, dst io.Writer, onEntities func([]pii.Entity)) *StreamTransformer {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 500 * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 48
	}
	return &StreamTransformer{
		redactor:   redactor,
		cfg:        cfg,
		dst:        dst,
		onEntities: onEntities,
		lastFlush:  time.Now(),
	}
}

// Run pumps the upstream stream through the transformer until EOF, [DONE],
// stream error, or context cancellation. On any exit path the reader and the
// flush timer are torn down; a stalled consumer never buffers unboundedly.
func (t *StreamTransformer) Run(ctx context.Context, src io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type readChunk struct {
		data string
		err  error
	}
	chunkCh := make(chan readChunk)

	go func() {
		defer close(chunkCh)
		buf := make([]byte, 4096)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				select {
				case chunkCh <- readChunk{data: string(buf[:n])}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case chunkCh <- readChunk{err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	timer := time.NewTimer(t.cfg.MaxDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			if err := t.flush(ctx); err != nil {
				return err
			}
			t.rearm(timer)

		case chunk, ok := <-chunkCh:
			if !ok {
				// Transport EOF: drain whatever is buffered so no
				// trailing text is dropped.
				return t.flush(ctx)
			}
			if chunk.err != nil {
				if flushErr := t.flush(ctx); flushErr != nil {
					return flushErr
				}
				return fmt.Errorf("upstream stream error: %w", chunk.err)
			}
			if err := t.processChunk(ctx, chunk.data); err != nil {
				return err
			}
			t.rearm(timer)
		}
	}
}

// rearm cancels the pending timer and arms a fresh one for the time left
// until lastFlush + MaxDelay. At most one timer is ever pending per stream.
func (t *StreamTransformer) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	remaining := time.Until(t.lastFlush.Add(t.cfg.MaxDelay))
	if remaining < 0 {
		remaining = 0
	}
	timer.Reset(remaining)
}

// processChunk appends raw bytes to the line-reassembly buffer and handles
// every complete line; the trailing partial line carries over. Network
// chunks need not align to line boundaries.
func (t *StreamTransformer) processChunk(ctx context.Context, data string) error {
	t.carry += data
	lines := strings.Split(t.carry, "\n")
	t.carry = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		if err := t.processLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// processLine routes one complete SSE line. Non-data lines (blank
// separators, comments, other SSE fields) pass through unchanged. Data lines
// with text content are absorbed into the accumulation buffer; everything
// else (tool-call deltas, finish-reason-only frames, unparsable payloads)
// passes through verbatim — breaking the stream is worse than skipping one
// frame.
func (t *StreamTransformer) processLine(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "data:") {
		return t.write(line + "\n")
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == doneMarker {
		if err := t.flush(ctx); err != nil {
			return err
		}
		return t.write("data: " + doneMarker + "\n\n")
	}

	var frame chatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return t.write(line + "\n")
	}

	if frame.roleOnly() {
		t.captureMeta(&frame)
		return nil
	}

	content, ok := frame.textContent()
	if !ok {
		return t.write(line + "\n")
	}

	t.captureMeta(&frame)
	t.buf.WriteString(content)
	// Cheap proxy for token count, not real tokenization.
	t.tokenEstimate = t.buf.Len() / 4

	if endsAtSentenceBoundary(t.buf.String()) || t.tokenEstimate >= t.cfg.MaxTokens {
		return t.flush(ctx)
	}
	return nil
}

// captureMeta remembers the envelope fields from the first content frames.
func (t *StreamTransformer) captureMeta(frame *chatCompletionChunk) {
	if !t.meta.seen {
		t.meta.id = frame.ID
		t.meta.model = frame.Model
		t.meta.created = frame.Created
		t.meta.seen = true
	}
	if len(frame.Choices) > 0 {
		t.meta.choiceIndex = frame.Choices[0].Index
		if frame.Choices[0].Delta.Role != "" {
			t.meta.role = frame.Choices[0].Delta.Role
		}
	}
}

// flush redacts the accumulated buffer and emits it as one fresh delta
// frame. The buffer, token estimate, and flush clock reset.
func (t *StreamTransformer) flush(ctx context.Context) error {
	t.lastFlush = time.Now()
	if t.buf.Len() == 0 {
		return nil
	}
	text := t.buf.String()
	t.buf.Reset()
	t.tokenEstimate = 0

	result, err := t.redactor.Redact(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to redact stream chunk: %w", err)
	}
	if len(result.Entities) > 0 {
		log.Printf("[Stream] ⚠️  Redacted %d entities in flushed chunk", len(result.Entities))
		if t.onEntities != nil {
			t.onEntities(result.Entities)
		}
	}

	return t.emit(result.Text)
}

// emit wraps redacted text in a protocol-compliant delta frame reusing the
// captured envelope. The assistant role appears only on the stream's first
// emitted frame; finish_reason is always null (non-terminal).
func (t *StreamTransformer) emit(text string) error {
	delta := chunkDelta{Content: &text}
	if !t.roleEmitted {
		role := t.meta.role
		if role == "" {
			role = "assistant"
		}
		delta.Role = role
		t.roleEmitted = true
	}

	frame := chatCompletionChunk{
		ID:      t.meta.id,
		Object:  "chat.completion.chunk",
		Created: t.meta.created,
		Model:   t.meta.model,
		Choices: []chunkChoice{{
			Index:        t.meta.choiceIndex,
			Delta:        delta,
			FinishReason: nil,
		}},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal stream frame: %w", err)
	}
	return t.write("data: " + string(data) + "\n\n")
}

func (t *StreamTransformer) write(s string) error {
	if _, err := io.WriteString(t.dst, s); err != nil {
		return fmt.Errorf("failed to write to client: %w", err)
	}
	if flusher, ok := t.dst.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// endsAtSentenceBoundary reports whether the buffer ends at or has crossed a
// sentence boundary: a terminal '.', '!', or '?' followed by whitespace or
// end of buffer. Flushing on sentence boundaries keeps multi-token entities
// inside one redaction unit.
func endsAtSentenceBoundary(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 {
				return true
			}
			next := s[i+1]
			if next == ' ' || next == '\t' || next == '\n' || next == '\r' {
				return true
			}
		}
	}
	return false
}
