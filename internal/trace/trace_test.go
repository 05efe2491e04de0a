package trace

import (
	"strings"
	"testing"
)

func TestNewRecord(t *testing.T) {
	r := NewRecord("twitch", "m-1", "user", "hello there")
	if r.TraceID == "" || len(r.TraceID) != 16 {
		t.Fatalf("trace id: %q", r.TraceID)
	}
	if r.Inc(StageReceived) != 2 {
		t.Fatal("received counter not seeded at 1")
	}

	same := NewRecord("twitch", "m-1", "user", "hello there")
	if same.TraceID != r.TraceID {
		t.Fatal("trace id must be deterministic")
	}
	other := NewRecord("twitch", "m-2", "user", "hello there")
	if other.TraceID == r.TraceID {
		t.Fatal("different messages must not collide")
	}
}

func TestSnippetCap(t *testing.T) {
	long := strings.Repeat("x", 200)
	r := NewRecord("kick", "m-1", "user", long)
	if len(r.Snippet) != 48 {
		t.Fatalf("snippet length: %d", len(r.Snippet))
	}
}

func TestIncStages(t *testing.T) {
	r := NewRecord("twitch", "m-1", "user", "hi")
	if r.Inc(StageRendered) != 1 {
		t.Fatal("first increment should be 1")
	}
	if r.Inc(StageRendered) != 2 {
		t.Fatal("second increment should be 2")
	}
	if got := r.Inc(StageDropped("queue_full")); got != 1 {
		t.Fatalf("drop stage counter: %d", got)
	}
}

func TestStageDroppedNaming(t *testing.T) {
	s := StageDropped("insert_failed")
	if s != Stage("dropped_insert_failed") {
		t.Fatalf("stage: %q", s)
	}
}
