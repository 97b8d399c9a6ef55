package loopdetect

import (
	"context"
	"testing"

	"firewalld/internal/kvstore"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("api_call", "do the thing", "agent-2")
	b := Fingerprint("api_call", "do the thing", "agent-2")
	if a != b {
		t.Fatalf("expected identical fingerprints for identical inputs, got %q vs %q", a, b)
	}
}

func TestFingerprint_DistinctForDifferentContent(t *testing.T) {
	a := Fingerprint("api_call", "do the thing", "agent-2")
	b := Fingerprint("api_call", "do another thing", "agent-2")
	if a == b {
		t.Fatalf("expected distinct fingerprints for distinct content")
	}
}

func TestIsLoop_BelowThresholdNotALoop(t *testing.T) {
	d := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < loopThreshold; i++ {
		loop, err := d.IsLoop(ctx, "agent-1", "api_call", "repeat me", "agent-2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loop {
			t.Fatalf("expected no loop before threshold is reached, iteration %d", i)
		}
	}
}

func TestIsLoop_AtThresholdDetected(t *testing.T) {
	d := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	var loop bool
	var err error
	for i := 0; i < loopThreshold+1; i++ {
		loop, err = d.IsLoop(ctx, "agent-1", "api_call", "repeat me", "agent-2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !loop {
		t.Fatalf("expected loop detected once the same message repeats past the threshold")
	}
}

func TestIsLoop_DifferentMessagesDoNotAccumulate(t *testing.T) {
	d := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < loopThreshold+5; i++ {
		loop, err := d.IsLoop(ctx, "agent-1", "api_call", string(rune('a'+i)), "agent-2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loop {
			t.Fatalf("expected no loop when every message is distinct")
		}
	}
}

func TestIsLoop_IsolatedPerAgent(t *testing.T) {
	d := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < loopThreshold+1; i++ {
		if _, err := d.IsLoop(ctx, "agent-1", "api_call", "repeat me", "agent-2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	loop, err := d.IsLoop(ctx, "agent-other", "api_call", "repeat me", "agent-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loop {
		t.Fatalf("expected a different agent's identical message to not inherit the first agent's loop count")
	}
}

func TestIsLoop_WindowBoundedByMaxWindowLen(t *testing.T) {
	d := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < maxWindowLen+5; i++ {
		if _, err := d.IsLoop(ctx, "agent-1", "api_call", string(rune('a'+i)), "agent-2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	window, err := d.kv.PushFront(ctx, windowKeyPrefix+"agent-1", "probe", maxWindowLen, windowTTL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) > maxWindowLen {
		t.Fatalf("expected window trimmed to at most %d entries, got %d", maxWindowLen, len(window))
	}
}
