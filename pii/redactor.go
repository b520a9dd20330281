package pii

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// ErrInferenceTimeout is returned when the classifier misses its deadline
// under the fail-closed strategy.
var ErrInferenceTimeout = errors.New("pii: inference timed out")

// FailStrategy controls what happens when the classifier times out.
type FailStrategy string

const (
	// FailClosed propagates the timeout as an error: when in doubt, block
	// rather than leak. This is the default.
	FailClosed FailStrategy = "closed"
	// FailOpen swallows the timeout and passes the text through
	// unredacted. Callers opt into this explicitly.
	FailOpen FailStrategy = "open"
)

// Classifier is the token-classification collaborator. It may be slow or
// fail; offsets in the returned tokens are optional.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) ([]RawToken, error)
	Close() error
}

// RedactorConfig configures a Redactor.
type RedactorConfig struct {
	Salt          string
	Deterministic bool
	Timeout       time.Duration
	FailStrategy  FailStrategy
}

// Result is the outcome of one redaction pass.
type Result struct {
	Text           string
	Entities       []Entity
	ProcessingTime time.Duration
}

// Redactor runs the detection pipeline over one text: classify, locate,
// replace. The classifier call is bounded by a timeout with configurable
// fail-open/fail-closed behavior.
type Redactor struct {
	classifier Classifier
	replacer   *Replacer
	cfg        RedactorConfig
}

// NewRedactor wires a redactor from its collaborators.
func NewRedactor(classifier Classifier, cfg RedactorConfig) *Redactor {
	var replacer *Replacer
	if cfg.Deterministic {
		replacer = NewReplacer(cfg.Salt)
	} else {
		replacer = NewSimpleReplacer()
	}
	if cfg.FailStrategy == "" {
		cfg.FailStrategy = FailClosed
	}
	return &Redactor{
		classifier: classifier,
		replacer:   replacer,
		cfg:        cfg,
	}
}

// Redact detects PII in text and returns the text with every entity span
// replaced by a generated fake value.
func (r *Redactor) Redact(ctx context.Context, text string) (Result, error) {
	started := time.Now()

	if strings.TrimSpace(text) == "" {
		return Result{Text: text, ProcessingTime: time.Since(started)}, nil
	}

	entities, err := r.Detect(ctx, text)
	if err != nil {
		if errors.Is(err, ErrInferenceTimeout) && r.cfg.FailStrategy == FailOpen {
			log.Printf("[Redactor] ⚠️  Inference timeout, failing open")
			return Result{Text: text, ProcessingTime: time.Since(started)}, nil
		}
		return Result{}, err
	}

	redacted := r.apply(text, entities)
	return Result{
		Text:           redacted,
		Entities:       entities,
		ProcessingTime: time.Since(started),
	}, nil
}

// Detect runs the classifier and locator without mutating the text. The
// classifier races a timer of the configured timeout; the loser never leaks
// past this call.
func (r *Redactor) Detect(ctx context.Context, text string) ([]Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type classifyResult struct {
		tokens []RawToken
		err    error
	}
	resultCh := make(chan classifyResult, 1)

	go func() {
		tokens, err := r.classifier.Classify(ctx, text)
		resultCh <- classifyResult{tokens: tokens, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, ErrInferenceTimeout
			}
			return nil, fmt.Errorf("classify: %w", res.err)
		}
		return Locate(res.tokens, text), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrInferenceTimeout
		}
		return nil, ctx.Err()
	}
}

// apply replaces entity spans in descending start order so earlier spans'
// offsets stay valid while later ones are rewritten.
func (r *Redactor) apply(text string, entities []Entity) string {
	ordered := make([]Entity, len(entities))
	copy(ordered, entities)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartPos > ordered[j].StartPos
	})

	for _, e := range ordered {
		if e.StartPos < 0 || e.EndPos > len(text) || e.StartPos >= e.EndPos {
			continue
		}
		replacement := r.replacer.Generate(e.Text, e.Type)
		text = text[:e.StartPos] + replacement + text[e.EndPos:]
	}
	return text
}
