package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/keelproxy/keel/audit"
	"github.com/keelproxy/keel/config"
	"github.com/keelproxy/keel/pii"
	"github.com/keelproxy/keel/proxy"
	"github.com/keelproxy/keel/risk"
)

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	handler  *proxy.Handler
	auditLog audit.Log
	limiter  *rate.Limiter
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, redactor *pii.Redactor, engine *risk.Engine, auditLog audit.Log) *Server {
	return &Server{
		config:   cfg,
		handler:  proxy.NewHandler(cfg, redactor, engine, auditLog),
		auditLog: auditLog,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting PII redaction proxy on port %s", s.config.ProxyPort)
	log.Printf("Forwarding requests to: %s", s.config.UpstreamBaseURL)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthCheck)
	mux.HandleFunc("/logs", s.recentLogs)
	mux.Handle("/v1/chat/completions", s.rateLimited(s.handler))

	server := &http.Server{
		Addr:        s.config.ProxyPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE responses stay open for the lifetime of
		// the upstream generation.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// rateLimited rejects requests over the configured rate with 429.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthCheck provides a simple health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy","service":"Keel Proxy"}`)); err != nil {
		log.Printf("Failed to write health check response: %v", err)
	}
}

// recentLogs pages through the audit log, newest entries first.
func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		http.Error(w, "Audit log disabled", http.StatusNotFound)
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := s.auditLog.Recent(r.Context(), limit, offset)
	if err != nil {
		log.Printf("[Server] Failed to read audit log: %v", err)
		http.Error(w, "Failed to read audit log", http.StatusInternalServerError)
		return
	}
	total, err := s.auditLog.Count(r.Context())
	if err != nil {
		log.Printf("[Server] Failed to count audit log: %v", err)
		http.Error(w, "Failed to read audit log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[Server] Failed to write logs response: %v", err)
	}
}

// StartWithErrorHandling starts the server with proper error handling
func (s *Server) StartWithErrorHandling() {
	if err := s.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
