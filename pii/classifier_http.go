package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPClassifier talks to a hosted token-classification service. The service
// returns per-token label/score/text tuples with no character offsets; span
// recovery is the locator's job.
type HTTPClassifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClassifier creates a classifier backed by the model service at
// baseURL.
func NewHTTPClassifier(baseURL string) *HTTPClassifier {
	return &HTTPClassifier{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// Name returns the backend name.
func (c *HTTPClassifier) Name() string {
	return ClassifierNameHTTP
}

// Classify sends text to the model service and decodes the raw token stream.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) ([]RawToken, error) {
	requestBody := map[string]interface{}{
		"text": text,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model service returned status %d", resp.StatusCode)
	}

	var body struct {
		Tokens []struct {
			Label string  `json:"label"`
			Text  string  `json:"text"`
			Score float64 `json:"score"`
			Index int     `json:"index"`
		} `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode classify response: %w", err)
	}

	tokens := make([]RawToken, 0, len(body.Tokens))
	for _, t := range body.Tokens {
		tokens = append(tokens, RawToken{
			Label: t.Label,
			Text:  t.Text,
			Score: t.Score,
			Index: t.Index,
		})
	}
	return tokens, nil
}

// Close implements Classifier.
func (c *HTTPClassifier) Close() error {
	return nil
}
