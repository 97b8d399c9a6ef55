package firewall

import (
	"path/filepath"
	"testing"

	"firewalld/internal/skill"
	"firewalld/internal/store"
)

func openTestAdapter(t *testing.T) *StoreAdapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter-test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStoreAdapter(db)
}

func TestStoreAdapter_GetAgentNotFound(t *testing.T) {
	a := openTestAdapter(t)
	_, _, _, found, err := a.GetAgent("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for an unregistered agent")
	}
}

func TestStoreAdapter_RecordThreat(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.RecordThreat("agent-1", "prompt_injection", LevelCritical, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStoreAdapter_CommunicationAllowedDefaultsDenied(t *testing.T) {
	a := openTestAdapter(t)
	allowed, err := a.CommunicationAllowed("agent-1", "agent-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected no configured rule to mean denied")
	}
}

func TestStoreAdapter_SkillCacheRoundTrip(t *testing.T) {
	a := openTestAdapter(t)
	result := skill.Result{
		Safe: false, RiskScore: 0.95, Reason: "malware signature match",
		Vulnerabilities: []skill.Vulnerability{{Type: "dangerous_function", Severity: skill.SeverityCritical, Message: "eval"}},
		Patterns:        []string{"eval(...)"},
		AnalysisTimeMs:  1.25,
	}

	if err := a.Put("abc123", "javascript", result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := a.Get("abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit after Put")
	}
	if got.Safe != false || got.RiskScore != 0.95 || got.Reason != "malware signature match" {
		t.Fatalf("unexpected round-tripped result: %+v", got)
	}
	if len(got.Vulnerabilities) != 1 || got.Vulnerabilities[0].Type != "dangerous_function" {
		t.Fatalf("expected vulnerabilities round-tripped, got %+v", got.Vulnerabilities)
	}
	if len(got.Patterns) != 1 || got.Patterns[0] != "eval(...)" {
		t.Fatalf("expected patterns round-tripped, got %v", got.Patterns)
	}
}

func TestStoreAdapter_SkillCacheMiss(t *testing.T) {
	a := openTestAdapter(t)
	_, ok, err := a.Get("never-cached")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected cache miss for an unseen hash")
	}
}

func TestStoreAdapter_ListEnabledMalwareSignatures(t *testing.T) {
	a := openTestAdapter(t)

	if err := a.db.UpsertMalwareSignature(store.MalwareSignatureRow{
		ID: "sig-1", Name: "known-bad-pattern", Pattern: "rm -rf", Severity: "high",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := a.ListEnabledMalwareSignatures()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "known-bad-pattern" || rows[0].Pattern != "rm -rf" {
		t.Fatalf("unexpected translated rows: %+v", rows)
	}
}
