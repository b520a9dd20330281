package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/keelproxy/keel/audit"
	"github.com/keelproxy/keel/config"
	"github.com/keelproxy/keel/pii"
	"github.com/keelproxy/keel/risk"
	"github.com/keelproxy/keel/server"
	"github.com/keelproxy/keel/store"
)

func main() {
	// Load .env if present; environment variables win either way.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.DefaultConfig()
	loadConfigFromEnv(cfg)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			log.Printf("Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	classifier, err := buildClassifier(cfg)
	if err != nil {
		log.Fatalf("Failed to create classifier: %v", err)
	}
	defer func() { _ = classifier.Close() }()
	log.Printf("PII detection enabled with classifier: %s", classifier.Name())

	redactor := pii.NewRedactor(classifier, pii.RedactorConfig{
		Salt:          cfg.Redaction.Salt,
		Deterministic: cfg.Redaction.Deterministic,
		Timeout:       cfg.RedactionTimeout(),
		FailStrategy:  pii.FailStrategy(cfg.Redaction.FailStrategy),
	})

	riskStore := buildStore(ctx, cfg)
	defer func() { _ = riskStore.Close() }()
	engine := risk.NewEngine(riskStore, cfg.Risk.Threshold, cfg.RiskWindow())

	auditLog := buildAuditLog(ctx, cfg)
	defer func() { _ = auditLog.Close() }()

	srv := server.NewServer(cfg, redactor, engine, auditLog)
	srv.StartWithErrorHandling()
}

// buildClassifier constructs the configured classifier backend.
func buildClassifier(cfg *config.Config) (pii.Classifier, error) {
	switch cfg.ClassifierName {
	case pii.ClassifierNameONNX:
		return pii.NewClassifier(pii.ClassifierNameONNX, map[string]interface{}{
			"model_path":     cfg.ONNXModelPath,
			"tokenizer_path": cfg.TokenizerPath,
		})
	default:
		return pii.NewClassifier(pii.ClassifierNameHTTP, map[string]interface{}{
			"base_url": cfg.ModelBaseURL,
		})
	}
}

// buildStore selects Redis when an address is configured, otherwise the
// in-memory store.
func buildStore(ctx context.Context, cfg *config.Config) store.Store {
	if cfg.Store.RedisAddr == "" {
		log.Println("Using in-memory risk store")
		return store.NewMemoryStore()
	}
	s, err := store.NewRedisStore(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
	if err != nil {
		log.Printf("⚠️  Redis unavailable (%v), falling back to in-memory risk store", err)
		return store.NewMemoryStore()
	}
	log.Printf("Using Redis risk store at %s", cfg.Store.RedisAddr)
	return s
}

// buildAuditLog selects Postgres when the database is enabled, falling back
// to the bounded in-memory log on connection failure.
func buildAuditLog(ctx context.Context, cfg *config.Config) audit.Log {
	if !cfg.Database.Enabled {
		log.Println("Using in-memory audit log")
		return audit.NewMemoryLog()
	}
	pg, err := audit.NewPostgresLog(ctx, audit.PostgresConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		Username:     cfg.Database.Username,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
	})
	if err != nil {
		log.Printf("⚠️  Audit database unavailable (%v), falling back to in-memory log", err)
		return audit.NewMemoryLog()
	}
	log.Println("Audit database storage enabled")
	return pg
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(cfg *config.Config) {
	// Upstream configuration
	if baseURL := os.Getenv("UPSTREAM_BASE_URL"); baseURL != "" {
		cfg.UpstreamBaseURL = baseURL
	}

	if apiKey := os.Getenv("UPSTREAM_API_KEY"); apiKey != "" {
		cfg.UpstreamAPIKey = apiKey
	}

	if proxyPort := os.Getenv("PROXY_PORT"); proxyPort != "" {
		cfg.ProxyPort = proxyPort
	}

	// Classifier configuration
	if classifierName := os.Getenv("CLASSIFIER_NAME"); classifierName != "" {
		cfg.ClassifierName = classifierName
	}

	if modelBaseURL := os.Getenv("MODEL_BASE_URL"); modelBaseURL != "" {
		cfg.ModelBaseURL = modelBaseURL
	}

	if modelPath := os.Getenv("ONNX_MODEL_PATH"); modelPath != "" {
		cfg.ONNXModelPath = modelPath
	}

	if tokenizerPath := os.Getenv("ONNX_TOKENIZER_PATH"); tokenizerPath != "" {
		cfg.TokenizerPath = tokenizerPath
	}

	// Redaction configuration
	if salt := os.Getenv("REDACTION_SALT"); salt != "" {
		cfg.Redaction.Salt = salt
	}

	if deterministic := os.Getenv("REDACTION_DETERMINISTIC"); deterministic != "" {
		cfg.Redaction.Deterministic = deterministic == "true"
	}

	if timeoutMs := os.Getenv("REDACTION_TIMEOUT_MS"); timeoutMs != "" {
		if ms, err := strconv.Atoi(timeoutMs); err == nil {
			cfg.Redaction.TimeoutMs = ms
		}
	}

	if strategy := os.Getenv("REDACTION_FAIL_STRATEGY"); strategy != "" {
		cfg.Redaction.FailStrategy = strategy
	}

	// Risk engine configuration
	if threshold := os.Getenv("RISK_THRESHOLD"); threshold != "" {
		if t, err := strconv.ParseInt(threshold, 10, 64); err == nil {
			cfg.Risk.Threshold = t
		}
	}

	if window := os.Getenv("RISK_WINDOW_SECONDS"); window != "" {
		if s, err := strconv.Atoi(window); err == nil {
			cfg.Risk.WindowSeconds = s
		}
	}

	// Stream configuration
	if maxDelay := os.Getenv("STREAM_MAX_DELAY_MS"); maxDelay != "" {
		if ms, err := strconv.Atoi(maxDelay); err == nil {
			cfg.Stream.MaxDelayMs = ms
		}
	}

	if maxTokens := os.Getenv("STREAM_MAX_TOKENS"); maxTokens != "" {
		if n, err := strconv.Atoi(maxTokens); err == nil {
			cfg.Stream.MaxTokens = n
		}
	}

	// Risk store configuration
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Store.RedisAddr = redisAddr
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Store.RedisPassword = redisPassword
	}

	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			cfg.Store.RedisDB = db
		}
	}

	// Audit database configuration
	if dbEnabled := os.Getenv("DB_ENABLED"); dbEnabled != "" {
		cfg.Database.Enabled = dbEnabled == "true"
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}

	// Rate limit configuration
	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = v
		}
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if b, err := strconv.Atoi(burst); err == nil {
			cfg.RateLimit.Burst = b
		}
	}

	// Logging configuration
	if logPIIChanges := os.Getenv("LOG_PII_CHANGES"); logPIIChanges != "" {
		cfg.Logging.LogPIIChanges = logPIIChanges == "true"
	}

	if logVerbose := os.Getenv("LOG_VERBOSE"); logVerbose != "" {
		cfg.Logging.LogVerbose = logVerbose == "true"
	}

	if logRequests := os.Getenv("LOG_REQUESTS"); logRequests != "" {
		cfg.Logging.LogRequests = logRequests == "true"
	}

	if logResponses := os.Getenv("LOG_RESPONSES"); logResponses != "" {
		cfg.Logging.LogResponses = logResponses == "true"
	}
}
