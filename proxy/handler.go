package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/keelproxy/keel/audit"
	"github.com/keelproxy/keel/config"
	"github.com/keelproxy/keel/pii"
	"github.com/keelproxy/keel/risk"
)

// Handler proxies chat-completion requests to the upstream API with PII
// redaction in both directions and a per-session risk gate in front.
type Handler struct {
	client   *http.Client
	cfg      *config.Config
	redactor Redactor
	engine   *risk.Engine
	auditLog audit.Log
}

// NewHandler wires the proxy handler from its collaborators.
func NewHandler(cfg *config.Config, redactor Redactor, engine *risk.Engine, auditLog audit.Log) *Handler {
	return &Handler{
		client:   &http.Client{},
		cfg:      cfg,
		redactor: redactor,
		engine:   engine,
		auditLog: auditLog,
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Printf("[Proxy] Received %s request to %s", r.Method, r.URL.Path)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := risk.SessionID(r)

	banned, err := h.engine.IsBanned(r.Context(), sessionID)
	if err != nil {
		log.Printf("[Proxy] ⚠️  Ban check failed for %s: %v", sessionID, err)
		// A broken risk store must not take the proxy down; redaction
		// still runs, so the gate degrades to open here.
	}
	if banned {
		log.Printf("[Proxy] ⛔ Rejected banned session %s", sessionID)
		h.recordAudit(r.Context(), sessionID, audit.DirectionIn, "", 0, true)
		h.writeError(w, http.StatusForbidden, "session blocked: cumulative PII exposure exceeded the allowed threshold")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Proxy] ❌ Failed to read request body: %v", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.Body.Close() }()

	var requestData map[string]interface{}
	if err := json.Unmarshal(body, &requestData); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if _, ok := requestData["messages"].([]interface{}); !ok {
		h.writeError(w, http.StatusBadRequest, "messages field is required")
		return
	}

	redactedRequest, requestEntities, err := h.redactMessages(r.Context(), requestData)
	if err != nil {
		log.Printf("[Proxy] ❌ Request redaction failed: %v", err)
		h.writeError(w, http.StatusServiceUnavailable, "PII detection unavailable")
		return
	}
	if len(requestEntities) > 0 && h.cfg.Logging.LogPIIChanges {
		log.Printf("[Proxy] ⚠️  PII redacted in request: %d entities", len(requestEntities))
		if h.cfg.Logging.LogVerbose {
			log.Printf("[Proxy] Original request: %s", string(body))
		}
	}

	assessment, err := h.engine.AssessRisk(r.Context(), sessionID, requestEntities)
	if err != nil {
		log.Printf("[Proxy] ⚠️  Risk assessment failed for %s: %v", sessionID, err)
	} else if assessment.PointsAdded > 0 {
		log.Printf("[Proxy] Session %s risk score %d (+%d)", sessionID, assessment.Score, assessment.PointsAdded)
	}

	redactedBody, err := json.Marshal(redactedRequest)
	if err != nil {
		log.Printf("[Proxy] ❌ Failed to marshal redacted request: %v", err)
		http.Error(w, "Failed to process request", http.StatusInternalServerError)
		return
	}

	h.recordAudit(r.Context(), sessionID, audit.DirectionIn, string(redactedBody), len(requestEntities), false)

	resp, err := h.forwardUpstream(r, redactedBody)
	if err != nil {
		log.Printf("[Proxy] ❌ Upstream request failed: %v", err)
		sentry.CaptureException(err)
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Surface non-2xx upstream responses with their status and body; the
	// proxy never retries.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.passThrough(w, resp)
		return
	}

	if isEventStream(resp) {
		h.serveStream(w, r, resp, sessionID)
		return
	}
	h.serveWhole(w, r, resp, sessionID)
}

// serveStream pipes the upstream SSE stream through the redaction
// transformer. Errors after the first byte cannot become a clean HTTP error;
// the transport is torn down and the failure logged.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, resp *http.Response, sessionID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	var streamedEntities int
	onEntities := func(entities []pii.Entity) {
		streamedEntities += len(entities)
		if _, err := h.engine.AssessRisk(r.Context(), sessionID, entities); err != nil {
			log.Printf("[Proxy] ⚠️  Stream risk assessment failed: %v", err)
		}
	}

	transformer := NewStreamTransformer(h.redactor, StreamConfig{
		MaxDelay:  h.cfg.StreamMaxDelay(),
		MaxTokens: h.cfg.Stream.MaxTokens,
	}, w, onEntities)

	if err := transformer.Run(r.Context(), resp.Body); err != nil {
		log.Printf("[Proxy] ❌ Stream aborted: %v", err)
		sentry.CaptureException(err)
		return
	}

	h.recordAudit(r.Context(), sessionID, audit.DirectionOut, "[stream]", streamedEntities, false)
	log.Printf("[Proxy] Stream completed for session %s (%d entities redacted)", sessionID, streamedEntities)
}

// serveWhole redacts a non-streamed response body before returning it.
func (h *Handler) serveWhole(w http.ResponseWriter, r *http.Request, resp *http.Response, sessionID string) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Proxy] ❌ Failed to read response body: %v", err)
		http.Error(w, "Failed to read upstream response", http.StatusBadGateway)
		return
	}

	modifiedBody, responseEntities := h.redactResponse(r.Context(), respBody)
	if len(responseEntities) > 0 {
		if _, err := h.engine.AssessRisk(r.Context(), sessionID, responseEntities); err != nil {
			log.Printf("[Proxy] ⚠️  Response risk assessment failed: %v", err)
		}
	}

	h.recordAudit(r.Context(), sessionID, audit.DirectionOut, string(modifiedBody), len(responseEntities), false)

	copyHeaders(resp.Header, w.Header())
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(modifiedBody)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(modifiedBody); err != nil {
		log.Printf("[Proxy] Failed to write response: %v", err)
	}
	log.Printf("[Proxy] Proxied %s %s - Status: %d", r.Method, r.URL.Path, resp.StatusCode)
}

// redactMessages deep-copies the request and redacts every message's string
// content, leaving all other fields (model, temperature, tools) untouched.
func (h *Handler) redactMessages(ctx context.Context, requestData map[string]interface{}) (map[string]interface{}, []pii.Entity, error) {
	requestBytes, err := json.Marshal(requestData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	var redacted map[string]interface{}
	if err := json.Unmarshal(requestBytes, &redacted); err != nil {
		return nil, nil, fmt.Errorf("failed to copy request: %w", err)
	}

	var entities []pii.Entity
	messages, _ := redacted["messages"].([]interface{})
	for _, msg := range messages {
		message, ok := msg.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := message["content"].(string)
		if !ok {
			continue
		}
		result, err := h.redactor.Redact(ctx, content)
		if err != nil {
			return nil, nil, err
		}
		message["content"] = result.Text
		entities = append(entities, result.Entities...)
	}
	return redacted, entities, nil
}

// redactResponse redacts choices[*].message.content in a whole-body
// completion response. Anything unparsable passes through untouched.
func (h *Handler) redactResponse(ctx context.Context, body []byte) ([]byte, []pii.Entity) {
	var responseData map[string]interface{}
	if err := json.Unmarshal(body, &responseData); err != nil {
		return body, nil
	}

	choices, ok := responseData["choices"].([]interface{})
	if !ok {
		return body, nil
	}

	var entities []pii.Entity
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := message["content"].(string)
		if !ok {
			continue
		}
		result, err := h.redactor.Redact(ctx, content)
		if err != nil {
			log.Printf("[Proxy] ⚠️  Response redaction failed: %v", err)
			continue
		}
		message["content"] = result.Text
		entities = append(entities, result.Entities...)
		changed = true
	}

	if !changed {
		return body, entities
	}
	modified, err := json.Marshal(responseData)
	if err != nil {
		log.Printf("[Proxy] ⚠️  Failed to marshal redacted response: %v", err)
		return body, entities
	}
	return modified, entities
}

// forwardUpstream sends the redacted body to the upstream chat API.
func (h *Handler) forwardUpstream(r *http.Request, body []byte) (*http.Response, error) {
	targetURL := h.buildTargetURL(r)

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy request: %w", err)
	}

	copyHeaders(r.Header, proxyReq.Header)

	// Client credentials win over the configured key.
	if r.Header.Get("Authorization") == "" && h.cfg.UpstreamAPIKey != "" {
		proxyReq.Header.Set("Authorization", "Bearer "+h.cfg.UpstreamAPIKey)
	}
	proxyReq.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	// Request uncompressed responses so bodies can be rewritten.
	proxyReq.Header.Set("Accept-Encoding", "identity")

	resp, err := h.client.Do(proxyReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request upstream: %w", err)
	}
	return resp, nil
}

// buildTargetURL joins the configured upstream base with the request path.
func (h *Handler) buildTargetURL(r *http.Request) string {
	base := strings.TrimSuffix(h.cfg.UpstreamBaseURL, "/")
	path := r.URL.Path
	if strings.HasSuffix(base, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}
	targetURL := base + path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}
	return targetURL
}

// passThrough relays an upstream error response untouched.
func (h *Handler) passThrough(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "Failed to read upstream response", http.StatusBadGateway)
		return
	}
	copyHeaders(resp.Header, w.Header())
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Printf("[Proxy] Failed to write upstream error response: %v", err)
	}
	log.Printf("[Proxy] Upstream returned status %d, passed through", resp.StatusCode)
}

func (h *Handler) recordAudit(ctx context.Context, sessionID string, direction audit.Direction, message string, entityCount int, blocked bool) {
	if h.auditLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := h.auditLog.Record(ctx, audit.Entry{
		SessionID:   sessionID,
		Direction:   direction,
		Message:     message,
		EntityCount: entityCount,
		Blocked:     blocked,
	})
	if err != nil {
		log.Printf("[Proxy] ⚠️  Failed to record audit entry: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "proxy_error",
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Proxy] Failed to write error response: %v", err)
	}
}

// copyHeaders copies headers from source to destination, dropping
// Accept-Encoding and length headers that no longer apply.
func copyHeaders(source, destination http.Header) {
	for key, values := range source {
		switch strings.ToLower(key) {
		case "accept-encoding", "content-length":
			continue
		}
		for _, value := range values {
			destination.Add(key, value)
		}
	}
}

// isEventStream reports whether the upstream answered with SSE framing.
func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}
