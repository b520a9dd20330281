// Package risk accumulates per-session PII-exposure scores over a rolling
// time window and bans sessions that cross a threshold.
package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/keelproxy/keel/pii"
	"github.com/keelproxy/keel/store"
)

const keyPrefix = "risk:"

// Assessment is the outcome of scoring one detection pass.
type Assessment struct {
	SessionID   string `json:"session_id"`
	Score       int64  `json:"score"`
	PointsAdded int64  `json:"points_added"`
	Banned      bool   `json:"banned"`
}

// Engine maps detected entities to risk points, accumulates them per session
// in the backing store, and decides ban status. Score mutation is a single
// atomic increment; the first increment of a window also arms the window TTL
// so the score decays to zero once the session goes quiet.
type Engine struct {
	store     store.Store
	threshold int64
	window    time.Duration
}

// NewEngine wires an engine onto a store.
func NewEngine(s store.Store, threshold int64, window time.Duration) *Engine {
	return &Engine{store: s, threshold: threshold, window: window}
}

// AssessRisk adds the entities' weighted points to the session's score and
// returns the updated state. An empty entity list is a read-only assessment.
func (e *Engine) AssessRisk(ctx context.Context, sessionID string, entities []pii.Entity) (Assessment, error) {
	key := keyPrefix + sessionID

	if len(entities) == 0 {
		score, err := e.currentScore(ctx, key)
		if err != nil {
			return Assessment{}, err
		}
		return Assessment{
			SessionID: sessionID,
			Score:     score,
			Banned:    score >= e.threshold,
		}, nil
	}

	var points int64
	for _, entity := range entities {
		points += int64(pii.RiskWeight(entity.Type))
	}

	score, err := e.store.IncrBy(ctx, key, points)
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to increment risk score: %w", err)
	}
	// score == points means this increment opened a fresh window.
	if score == points {
		if err := e.store.Expire(ctx, key, e.window); err != nil {
			return Assessment{}, fmt.Errorf("failed to arm risk window: %w", err)
		}
	}

	banned := score >= e.threshold
	if banned {
		log.Printf("[Risk] ⛔ Session %s banned: score %d >= threshold %d", sessionID, score, e.threshold)
	}

	return Assessment{
		SessionID:   sessionID,
		Score:       score,
		PointsAdded: points,
		Banned:      banned,
	}, nil
}

// IsBanned reports whether the session's current score meets the threshold.
func (e *Engine) IsBanned(ctx context.Context, sessionID string) (bool, error) {
	score, err := e.currentScore(ctx, keyPrefix+sessionID)
	if err != nil {
		return false, err
	}
	return score >= e.threshold, nil
}

// ClearRisk removes the session's score outright.
func (e *Engine) ClearRisk(ctx context.Context, sessionID string) error {
	return e.store.Del(ctx, keyPrefix+sessionID)
}

func (e *Engine) currentScore(ctx context.Context, key string) (int64, error) {
	value, found, err := e.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read risk score: %w", err)
	}
	if !found {
		return 0, nil
	}
	score, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed risk score for %s: %w", key, err)
	}
	return score, nil
}

// SessionID derives a stable session bucket for a request: an API-key
// header wins, then a digest of the Authorization header (summarized, never
// stored verbatim), then the caller's network address. Every request maps to
// exactly one bucket even with no credentials.
func SessionID(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return "key:" + digest(apiKey)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "auth:" + digest(auth)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
