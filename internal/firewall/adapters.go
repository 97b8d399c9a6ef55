package firewall

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"firewalld/internal/skill"
	"firewalld/internal/store"
)

// StoreAdapter narrows *store.Store to the Hydrator and Threats surfaces
// the orchestrator and the agent context registry need, translating
// between the relational row shapes and the firewall package's own types.
type StoreAdapter struct {
	db *store.Store
}

// NewStoreAdapter wraps db for use as both an agentctx.Hydrator and a
// firewall.Threats sink.
func NewStoreAdapter(db *store.Store) *StoreAdapter {
	return &StoreAdapter{db: db}
}

// GetAgent satisfies agentctx.Hydrator.
func (a *StoreAdapter) GetAgent(id string) (name string, maxRequestsPerMinute int, trustedDomains []string, found bool, err error) {
	row, err := a.db.GetAgent(id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil, false, nil
	}
	if err != nil {
		return "", 0, nil, false, fmt.Errorf("hydrating agent %s: %w", id, err)
	}
	return row.Name, row.MaxRequestsPerMinute, row.TrustedDomains, true, nil
}

// RecordThreat satisfies firewall.Threats.
func (a *StoreAdapter) RecordThreat(agentID, threatType string, severity Level, details json.RawMessage) error {
	if details == nil {
		details = json.RawMessage("{}")
	}
	err := a.db.RecordThreat(store.Threat{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		ThreatType: threatType,
		Severity:   string(severity),
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("recording threat event: %w", err)
	}
	return nil
}

// CommunicationAllowed satisfies firewall.Authorizer by delegating
// directly to the relational store's own matching method.
func (a *StoreAdapter) CommunicationAllowed(sourceAgentID, targetAgentID string) (bool, error) {
	return a.db.CommunicationAllowed(sourceAgentID, targetAgentID)
}

// Get satisfies firewall.SkillCache, translating the analyzed_skills row
// shape into a skill.Result.
func (a *StoreAdapter) Get(codeHash string) (skill.Result, bool, error) {
	row, err := a.db.GetAnalyzedSkill(codeHash)
	if errors.Is(err, sql.ErrNoRows) {
		return skill.Result{}, false, nil
	}
	if err != nil {
		return skill.Result{}, false, fmt.Errorf("loading cached skill verdict %s: %w", codeHash, err)
	}

	var vulns []skill.Vulnerability
	if len(row.Vulnerabilities) > 0 {
		if err := json.Unmarshal(row.Vulnerabilities, &vulns); err != nil {
			return skill.Result{}, false, fmt.Errorf("decoding cached vulnerabilities %s: %w", codeHash, err)
		}
	}
	var patterns []string
	if len(row.Patterns) > 0 {
		if err := json.Unmarshal(row.Patterns, &patterns); err != nil {
			return skill.Result{}, false, fmt.Errorf("decoding cached patterns %s: %w", codeHash, err)
		}
	}

	return skill.Result{
		Safe: row.Safe, RiskScore: row.RiskScore, Reason: row.Reason,
		Vulnerabilities: vulns, Patterns: patterns, AnalysisTimeMs: row.AnalysisTimeMs,
	}, true, nil
}

// ListEnabledMalwareSignatures satisfies skill.SignatureSource, translating
// the malware_signatures row shape into skill.SignatureRow for compilation.
func (a *StoreAdapter) ListEnabledMalwareSignatures() ([]skill.SignatureRow, error) {
	rows, err := a.db.ListEnabledMalwareSignatures()
	if err != nil {
		return nil, err
	}
	out := make([]skill.SignatureRow, len(rows))
	for i, r := range rows {
		out[i] = skill.SignatureRow{
			ID: r.ID, Name: r.Name, ContentHash: r.ContentHash,
			Pattern: r.Pattern, Severity: r.Severity, Description: r.Description,
		}
	}
	return out, nil
}

// Put satisfies firewall.SkillCache.
func (a *StoreAdapter) Put(codeHash, language string, result skill.Result) error {
	vulns, err := json.Marshal(result.Vulnerabilities)
	if err != nil {
		return fmt.Errorf("encoding vulnerabilities: %w", err)
	}
	patterns, err := json.Marshal(result.Patterns)
	if err != nil {
		return fmt.Errorf("encoding patterns: %w", err)
	}

	if err := a.db.UpsertAnalyzedSkill(store.AnalyzedSkill{
		CodeHash: codeHash, Language: language, Safe: result.Safe, RiskScore: result.RiskScore,
		Reason: result.Reason, Vulnerabilities: vulns, Patterns: patterns, AnalysisTimeMs: result.AnalysisTimeMs,
	}); err != nil {
		return fmt.Errorf("caching skill verdict %s: %w", codeHash, err)
	}
	return nil
}
