package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestMemoryLogRecordAssignsID(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	if err := l.Record(ctx, Entry{SessionID: "s1", Direction: DirectionIn, Message: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := l.Recent(ctx, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == "" {
		t.Error("entry has no assigned id")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("entry has no timestamp")
	}
}

func TestMemoryLogRecentNewestFirst(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, Entry{Message: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries, err := l.Recent(ctx, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "msg-4" || entries[1].Message != "msg-3" {
		t.Errorf("expected newest first, got %q then %q", entries[0].Message, entries[1].Message)
	}

	// Offset pages deeper into history.
	entries, err = l.Recent(ctx, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries[0].Message != "msg-2" || entries[1].Message != "msg-1" {
		t.Errorf("paging broken, got %q then %q", entries[0].Message, entries[1].Message)
	}
}

func TestMemoryLogEvictsOldest(t *testing.T) {
	l := &MemoryLog{maxEntries: 3}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, Entry{Message: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	count, err := l.Count(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected retention cap of 3, got %d", count)
	}

	entries, _ := l.Recent(ctx, 10, 0)
	for _, e := range entries {
		if e.Message == "msg-0" || e.Message == "msg-1" {
			t.Errorf("evicted entry %q still present", e.Message)
		}
	}
}

func TestMemoryLogTruncatesOversizedMessages(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	big := strings.Repeat("x", MaxMessageSize+100)
	if err := l.Record(ctx, Entry{Message: big}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, _ := l.Recent(ctx, 1, 0)
	if len(entries[0].Message) != MaxMessageSize {
		t.Errorf("expected truncation to %d bytes, got %d", MaxMessageSize, len(entries[0].Message))
	}
}
