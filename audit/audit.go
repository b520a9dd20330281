// Package audit records proxied traffic for the /logs endpoint. Entries are
// stored post-redaction only; original PII never reaches the audit trail.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction tags which side of the proxy an entry came from.
type Direction string

const (
	DirectionIn  Direction = "In"
	DirectionOut Direction = "Out"
)

// MaxMessageSize bounds a stored message body.
const MaxMessageSize = 50 * 1024

// DefaultMaxEntries is the in-memory log's retention cap.
const DefaultMaxEntries = 5000

// Entry is one audited request or response.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Direction   Direction `json:"direction"`
	Message     string    `json:"message"`
	EntityCount int       `json:"entity_count"`
	Blocked     bool      `json:"blocked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Log is the audit trail interface with interchangeable backends.
type Log interface {
	// Record persists one entry; the ID is assigned by the backend.
	Record(ctx context.Context, entry Entry) error

	// Recent returns entries newest-first with limit/offset paging.
	Recent(ctx context.Context, limit, offset int) ([]Entry, error)

	// Count returns the total number of retained entries.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// MemoryLog is a bounded in-memory Log used when no database is configured.
type MemoryLog struct {
	mu         sync.Mutex
	entries    []Entry
	maxEntries int
}

// NewMemoryLog creates a memory log retaining at most DefaultMaxEntries.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{maxEntries: DefaultMaxEntries}
}

// Record implements Log. The oldest entry is evicted once the cap is hit.
func (l *MemoryLog) Record(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if len(entry.Message) > MaxMessageSize {
		entry.Message = entry.Message[:MaxMessageSize]
	}

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	return nil
}

// Recent implements Log.
func (l *MemoryLog) Recent(ctx context.Context, limit, offset int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]Entry, 0, limit)
	// Newest first.
	for i := len(l.entries) - 1 - offset; i >= 0 && len(results) < limit; i-- {
		results = append(results, l.entries[i])
	}
	return results, nil
}

// Count implements Log.
func (l *MemoryLog) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	return nil
}
