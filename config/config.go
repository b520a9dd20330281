package config

import "time"

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	LogRequests   bool // Log request content
	LogResponses  bool // Log response content
	LogPIIChanges bool // Log PII detection and replacement
	LogVerbose    bool // Log detailed PII changes (original vs redacted)
}

// RedactionConfig holds redaction pipeline configuration
type RedactionConfig struct {
	Salt          string // HMAC key for deterministic replacement
	Deterministic bool   // Referentially consistent fakes vs bare [TYPE] markers
	TimeoutMs     int    // Classifier deadline in milliseconds
	FailStrategy  string // "closed" (block on timeout) or "open" (pass through)
}

// RiskConfig holds session risk engine configuration
type RiskConfig struct {
	Threshold     int64 // Score at which a session is banned
	WindowSeconds int   // Rolling window length in seconds
}

// StreamConfig holds streaming transformer configuration
type StreamConfig struct {
	MaxDelayMs int // Upper bound on buffering latency before a forced flush
	MaxTokens  int // Estimated token cap per buffered chunk
}

// StoreConfig selects the risk store backend
type StoreConfig struct {
	RedisAddr     string // Empty means in-memory store
	RedisPassword string
	RedisDB       int
}

// DatabaseConfig holds audit database configuration
type DatabaseConfig struct {
	Enabled      bool   // Whether to use Postgres for the audit log
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
}

// RateLimitConfig bounds request throughput on the completions endpoint
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Config holds all configuration for the PII proxy service
type Config struct {
	UpstreamBaseURL string
	UpstreamAPIKey  string
	ProxyPort       string
	ClassifierName  string
	ModelBaseURL    string
	ONNXModelPath   string
	TokenizerPath   string
	Redaction       RedactionConfig
	Risk            RiskConfig
	Stream          StreamConfig
	Store           StoreConfig
	Database        DatabaseConfig
	Logging         LoggingConfig
	RateLimit       RateLimitConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		UpstreamBaseURL: "https://api.openai.com/v1",
		ProxyPort:       ":8080",
		ClassifierName:  "http_classifier",
		ModelBaseURL:    "http://localhost:8000",
		ONNXModelPath:   "model/quantized/model_quantized.onnx",
		TokenizerPath:   "model/quantized/tokenizer.json",
		Redaction: RedactionConfig{
			Salt:          "keel-default-salt",
			Deterministic: true,
			TimeoutMs:     5000,
			FailStrategy:  "closed",
		},
		Risk: RiskConfig{
			Threshold:     100,
			WindowSeconds: 3600,
		},
		Stream: StreamConfig{
			MaxDelayMs: 500,
			MaxTokens:  48,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "keel",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
		},
		Logging: LoggingConfig{
			LogRequests:   true,
			LogResponses:  true,
			LogPIIChanges: true,
			LogVerbose:    false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// RedactionTimeout returns the classifier deadline as a duration.
func (c *Config) RedactionTimeout() time.Duration {
	return time.Duration(c.Redaction.TimeoutMs) * time.Millisecond
}

// RiskWindow returns the risk window as a duration.
func (c *Config) RiskWindow() time.Duration {
	return time.Duration(c.Risk.WindowSeconds) * time.Second
}

// StreamMaxDelay returns the flush-latency bound as a duration.
func (c *Config) StreamMaxDelay() time.Duration {
	return time.Duration(c.Stream.MaxDelayMs) * time.Millisecond
}
