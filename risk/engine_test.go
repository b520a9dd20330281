package risk

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/keelproxy/keel/pii"
	"github.com/keelproxy/keel/store"
)

func testEngine(threshold int64) (*Engine, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewEngine(s, threshold, time.Hour), s
}

func ssnEntity() pii.Entity {
	return pii.Entity{Text: "123-45-6789", Type: pii.TypeSSN, StartPos: 0, EndPos: 11, Confidence: 0.95}
}

func TestAssessRiskAccumulatesUntilBan(t *testing.T) {
	engine, _ := testEngine(40)
	ctx := context.Background()

	// One SSN is worth 25 points: under a threshold of 40 the first
	// request passes and the second crosses the line.
	first, err := engine.AssessRisk(ctx, "session-1", []pii.Entity{ssnEntity()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Score != 25 || first.Banned {
		t.Errorf("first assessment: score=%d banned=%v, expected 25/false", first.Score, first.Banned)
	}

	second, err := engine.AssessRisk(ctx, "session-1", []pii.Entity{ssnEntity()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Score != 50 || !second.Banned {
		t.Errorf("second assessment: score=%d banned=%v, expected 50/true", second.Score, second.Banned)
	}

	banned, err := engine.IsBanned(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !banned {
		t.Error("IsBanned should report the banned session")
	}
}

func TestAssessRiskSessionsAreIndependent(t *testing.T) {
	engine, _ := testEngine(40)
	ctx := context.Background()

	if _, err := engine.AssessRisk(ctx, "session-a", []pii.Entity{ssnEntity(), ssnEntity()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	banned, err := engine.IsBanned(ctx, "session-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Error("a clean session must not inherit another session's ban")
	}
}

func TestAssessRiskEmptyEntitiesIsReadOnly(t *testing.T) {
	engine, _ := testEngine(100)
	ctx := context.Background()

	if _, err := engine.AssessRisk(ctx, "session-1", []pii.Entity{ssnEntity()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := engine.AssessRisk(ctx, "session-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score != 25 || a.PointsAdded != 0 {
		t.Errorf("read-only assessment changed state: score=%d added=%d", a.Score, a.PointsAdded)
	}
}

func TestAssessRiskUsesTypeWeights(t *testing.T) {
	engine, _ := testEngine(1000)
	ctx := context.Background()

	entities := []pii.Entity{
		{Text: "hunter2", Type: pii.TypePassword},      // 30
		{Text: "a@b.com", Type: pii.TypeEmail},         // 5
		{Text: "http://x", Type: pii.TypeURL},          // 2
		{Text: "odd", Type: pii.Type("UNKNOWN_THING")}, // default 5
	}
	a, err := engine.AssessRisk(ctx, "session-1", entities)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.PointsAdded != 42 {
		t.Errorf("expected 42 points, got %d", a.PointsAdded)
	}
}

func TestWindowExpiryResetsScore(t *testing.T) {
	s := store.NewMemoryStore()
	engine := NewEngine(s, 40, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := engine.AssessRisk(ctx, "session-1", []pii.Entity{ssnEntity(), ssnEntity()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	banned, _ := engine.IsBanned(ctx, "session-1")
	if !banned {
		t.Fatal("expected ban at 50 points")
	}

	time.Sleep(80 * time.Millisecond)

	banned, err := engine.IsBanned(ctx, "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Error("score must decay to zero after the window elapses")
	}

	// A fresh increment opens a new window from zero.
	a, err := engine.AssessRisk(ctx, "session-1", []pii.Entity{ssnEntity()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score != 25 {
		t.Errorf("expected fresh window score 25, got %d", a.Score)
	}
}

func TestClearRisk(t *testing.T) {
	engine, _ := testEngine(40)
	ctx := context.Background()

	if _, err := engine.AssessRisk(ctx, "session-1", []pii.Entity{ssnEntity(), ssnEntity()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := engine.ClearRisk(ctx, "session-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	banned, _ := engine.IsBanned(ctx, "session-1")
	if banned {
		t.Error("cleared session is still banned")
	}
}

func TestSessionIDPrecedence(t *testing.T) {
	newRequest := func() *http.Request {
		r, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		r.RemoteAddr = "10.1.2.3:52114"
		return r
	}

	r := newRequest()
	r.Header.Set("X-API-Key", "sk-secret-key")
	r.Header.Set("Authorization", "Bearer tok")
	apiKeyID := SessionID(r)
	if !strings.HasPrefix(apiKeyID, "key:") {
		t.Errorf("X-API-Key should win, got %q", apiKeyID)
	}
	if strings.Contains(apiKeyID, "sk-secret-key") {
		t.Error("session id leaks the raw API key")
	}

	r = newRequest()
	r.Header.Set("Authorization", "Bearer tok")
	authID := SessionID(r)
	if !strings.HasPrefix(authID, "auth:") {
		t.Errorf("Authorization should be second, got %q", authID)
	}
	if strings.Contains(authID, "Bearer tok") {
		t.Error("session id leaks the raw Authorization header")
	}

	r = newRequest()
	addrID := SessionID(r)
	if addrID != "addr:10.1.2.3" {
		t.Errorf("expected addr:10.1.2.3, got %q", addrID)
	}
}

func TestSessionIDStable(t *testing.T) {
	a, _ := http.NewRequest(http.MethodPost, "/", nil)
	a.Header.Set("X-API-Key", "same-key")
	b, _ := http.NewRequest(http.MethodPost, "/", nil)
	b.Header.Set("X-API-Key", "same-key")

	if SessionID(a) != SessionID(b) {
		t.Error("same credentials must map to the same session")
	}
}
