package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresConfig holds connection settings for the audit database.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresLog persists audit entries in Postgres.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog opens the connection pool, verifies it, and creates the
// audit table if needed.
func NewPostgresLog(ctx context.Context, cfg PostgresConfig) (*PostgresLog, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createAuditTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresLog{db: db}, nil
}

func createAuditTable(ctx context.Context, db *sql.DB) error {
	query := `CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		message TEXT NOT NULL,
		entity_count INTEGER NOT NULL DEFAULT 0,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// Record implements Log.
func (l *PostgresLog) Record(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if len(entry.Message) > MaxMessageSize {
		entry.Message = entry.Message[:MaxMessageSize]
	}

	query := `INSERT INTO audit_log (id, session_id, direction, message, entity_count, blocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := l.db.ExecContext(ctx, query,
		uuid.NewString(), entry.SessionID, string(entry.Direction),
		entry.Message, entry.EntityCount, entry.Blocked, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent implements Log.
func (l *PostgresLog) Recent(ctx context.Context, limit, offset int) ([]Entry, error) {
	query := `SELECT id, session_id, direction, message, entity_count, blocked, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := l.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var direction string
		if err := rows.Scan(&e.ID, &e.SessionID, &direction, &e.Message, &e.EntityCount, &e.Blocked, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Direction = Direction(direction)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count implements Log.
func (l *PostgresLog) Count(ctx context.Context) (int, error) {
	var count int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

// Close implements Log.
func (l *PostgresLog) Close() error {
	return l.db.Close()
}
