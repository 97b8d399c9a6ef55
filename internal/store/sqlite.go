// Package store is the relational persistence layer backing the agent
// registry, the firewall rule table, the append-only threat log, the
// malware signature table, and the analyzed-skill verdict cache.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Agent is a row of the agents table: the durable identity record the
// firewall hydrates an in-memory Agent Context from on first reference.
type Agent struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Endpoint             string         `json:"endpoint"`
	APIKeyHash           string         `json:"api_key_hash"`
	Permissions          []string       `json:"permissions"`
	Status               string         `json:"status"`
	MaxRequestsPerMinute int            `json:"max_requests_per_minute"`
	TrustedDomains       []string       `json:"trusted_domains"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// CommunicationRule is a row of agent_communication_rules: an authorization
// grant for one agent to address another.
type CommunicationRule struct {
	ID                   string `json:"id"`
	SourceAgentID        string `json:"source_agent_id"`
	TargetAgentID        string `json:"target_agent_id"`
	Enabled              bool   `json:"enabled"`
	MaxMessagesPerMinute int    `json:"max_messages_per_minute"`
}

// FirewallRuleRow is a row of firewall_rules as persisted; Conditions and
// Action are opaque JSON blobs the rule engine decodes.
type FirewallRuleRow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Type        string          `json:"type"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"enabled"`
	Conditions  json.RawMessage `json:"conditions"`
	Action      json.RawMessage `json:"action"`
}

// Threat is a row of the append-only threats table.
type Threat struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	ThreatType string          `json:"threat_type"`
	Severity   string          `json:"severity"`
	Details    json.RawMessage `json:"details"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AnalyzedSkill is a row of the analyzed_skills verdict cache, keyed by
// code hash so repeated analysis of identical code is a cache hit.
type AnalyzedSkill struct {
	CodeHash        string          `json:"code_hash"`
	Language        string          `json:"language"`
	Safe            bool            `json:"safe"`
	RiskScore       float64         `json:"risk_score"`
	Reason          string          `json:"reason"`
	Vulnerabilities json.RawMessage `json:"vulnerabilities"`
	Patterns        json.RawMessage `json:"patterns"`
	AnalysisTimeMs  float64         `json:"analysis_time_ms"`
}

// MalwareSignatureRow is a row of malware_signatures: an exact
// content-hash match, a regex pattern match, or both, checked against
// every candidate skill submitted to the analyzer.
type MalwareSignatureRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Store is the SQLite-backed relational persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("relational store initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		endpoint TEXT,
		api_key_hash TEXT,
		permissions TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		max_requests_per_minute INTEGER NOT NULL DEFAULT 100,
		trusted_domains TEXT,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_communication_rules (
		id TEXT PRIMARY KEY,
		source_agent_id TEXT NOT NULL,
		target_agent_id TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		max_messages_per_minute INTEGER NOT NULL DEFAULT 60,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_comm_rules_pair ON agent_communication_rules(source_agent_id, target_agent_id);

	CREATE TABLE IF NOT EXISTS firewall_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 100,
		enabled INTEGER NOT NULL DEFAULT 1,
		conditions TEXT NOT NULL,
		action TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_firewall_rules_priority ON firewall_rules(priority);
	CREATE INDEX IF NOT EXISTS idx_firewall_rules_enabled ON firewall_rules(enabled);

	CREATE TABLE IF NOT EXISTS threats (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		threat_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		details TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at DATETIME,
		resolved_by TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_threats_agent ON threats(agent_id);
	CREATE INDEX IF NOT EXISTS idx_threats_created_at ON threats(created_at);
	CREATE INDEX IF NOT EXISTS idx_threats_severity ON threats(severity);

	CREATE TABLE IF NOT EXISTS malware_signatures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		content_hash TEXT,
		pattern TEXT,
		severity TEXT NOT NULL DEFAULT 'high',
		description TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS analyzed_skills (
		code_hash TEXT PRIMARY KEY,
		language TEXT NOT NULL DEFAULT 'javascript',
		safe INTEGER NOT NULL,
		risk_score REAL NOT NULL,
		reason TEXT,
		vulnerabilities TEXT,
		patterns TEXT,
		analysis_time_ms REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAgent looks up an agent row by id. It returns sql.ErrNoRows when the
// agent is not registered.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT id, name, endpoint, api_key_hash, permissions, status,
		max_requests_per_minute, trusted_domains, metadata FROM agents WHERE id = ?`, id)

	var a Agent
	var permissions, trustedDomains, metadata sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.Endpoint, &a.APIKeyHash, &permissions, &a.Status,
		&a.MaxRequestsPerMinute, &trustedDomains, &metadata); err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", id, err)
	}
	if permissions.Valid {
		_ = json.Unmarshal([]byte(permissions.String), &a.Permissions)
	}
	if trustedDomains.Valid {
		_ = json.Unmarshal([]byte(trustedDomains.String), &a.TrustedDomains)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &a.Metadata)
	}
	return &a, nil
}

// UpsertAgent inserts or replaces an agent row.
func (s *Store) UpsertAgent(a Agent) error {
	permissions, _ := json.Marshal(a.Permissions)
	trustedDomains, _ := json.Marshal(a.TrustedDomains)
	metadata, _ := json.Marshal(a.Metadata)

	_, err := s.db.Exec(`INSERT INTO agents (id, name, endpoint, api_key_hash, permissions, status,
		max_requests_per_minute, trusted_domains, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, endpoint=excluded.endpoint,
		api_key_hash=excluded.api_key_hash, permissions=excluded.permissions, status=excluded.status,
		max_requests_per_minute=excluded.max_requests_per_minute, trusted_domains=excluded.trusted_domains,
		metadata=excluded.metadata`,
		a.ID, a.Name, a.Endpoint, a.APIKeyHash, string(permissions), a.Status,
		a.MaxRequestsPerMinute, string(trustedDomains), string(metadata))
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", a.ID, err)
	}
	return nil
}

// CommunicationAllowed reports whether an enabled communication rule
// authorizes source to address target.
func (s *Store) CommunicationAllowed(sourceAgentID, targetAgentID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRow(`SELECT enabled FROM agent_communication_rules
		WHERE source_agent_id = ? AND target_agent_id = ? AND enabled = 1`,
		sourceAgentID, targetAgentID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking communication rule: %w", err)
	}
	return enabled, nil
}

// ListEnabledFirewallRules returns every enabled rule, ascending by
// priority, for the rule engine's cache refresh.
func (s *Store) ListEnabledFirewallRules() ([]FirewallRuleRow, error) {
	rows, err := s.db.Query(`SELECT id, name, description, type, priority, enabled, conditions, action
		FROM firewall_rules WHERE enabled = 1 ORDER BY priority ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing firewall rules: %w", err)
	}
	defer rows.Close()

	var out []FirewallRuleRow
	for rows.Next() {
		var r FirewallRuleRow
		var conditions, action string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Type, &r.Priority, &r.Enabled, &conditions, &action); err != nil {
			return nil, fmt.Errorf("scanning firewall rule: %w", err)
		}
		r.Conditions = json.RawMessage(conditions)
		r.Action = json.RawMessage(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordThreat appends an immutable threat event.
func (s *Store) RecordThreat(t Threat) error {
	if t.ID == "" {
		return fmt.Errorf("recording threat: id required")
	}
	_, err := s.db.Exec(`INSERT INTO threats (id, agent_id, threat_type, severity, details, resolved)
		VALUES (?, ?, ?, ?, ?, 0)`, t.ID, t.AgentID, t.ThreatType, t.Severity, string(t.Details))
	if err != nil {
		return fmt.Errorf("recording threat: %w", err)
	}
	return nil
}

// ListThreatsOptions filters ListThreats.
type ListThreatsOptions struct {
	AgentID  string
	Severity string
	Since    *time.Time
	Limit    int
}

// ListThreats retrieves recorded threats with filtering and pagination.
func (s *Store) ListThreats(opts ListThreatsOptions) ([]Threat, error) {
	query := `SELECT id, agent_id, threat_type, severity, details, resolved, resolved_at, resolved_by, created_at
		FROM threats WHERE 1=1`
	var args []interface{}

	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}
	if opts.Severity != "" {
		query += " AND severity = ?"
		args = append(args, opts.Severity)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing threats: %w", err)
	}
	defer rows.Close()

	var out []Threat
	for rows.Next() {
		var t Threat
		var details sql.NullString
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &t.ThreatType, &t.Severity, &details, &t.Resolved,
			&resolvedAt, &resolvedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning threat: %w", err)
		}
		if details.Valid {
			t.Details = json.RawMessage(details.String)
		}
		if resolvedAt.Valid {
			t.ResolvedAt = &resolvedAt.Time
		}
		t.ResolvedBy = resolvedBy.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEnabledMalwareSignatures returns every enabled malware signature for
// the skill analyzer's startup load.
func (s *Store) ListEnabledMalwareSignatures() ([]MalwareSignatureRow, error) {
	rows, err := s.db.Query(`SELECT id, name, content_hash, pattern, severity, description
		FROM malware_signatures WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("listing malware signatures: %w", err)
	}
	defer rows.Close()

	var out []MalwareSignatureRow
	for rows.Next() {
		var r MalwareSignatureRow
		var contentHash, pattern, description sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &contentHash, &pattern, &r.Severity, &description); err != nil {
			return nil, fmt.Errorf("scanning malware signature: %w", err)
		}
		r.ContentHash = contentHash.String
		r.Pattern = pattern.String
		r.Description = description.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertMalwareSignature inserts or replaces a malware signature row.
func (s *Store) UpsertMalwareSignature(r MalwareSignatureRow) error {
	_, err := s.db.Exec(`INSERT INTO malware_signatures (id, name, content_hash, pattern, severity, description)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, content_hash=excluded.content_hash,
		pattern=excluded.pattern, severity=excluded.severity, description=excluded.description`,
		r.ID, r.Name, r.ContentHash, r.Pattern, r.Severity, r.Description)
	if err != nil {
		return fmt.Errorf("upserting malware signature %s: %w", r.ID, err)
	}
	return nil
}

// UpsertAnalyzedSkill caches a skill analysis verdict keyed by code hash.
func (s *Store) UpsertAnalyzedSkill(a AnalyzedSkill) error {
	_, err := s.db.Exec(`INSERT INTO analyzed_skills (code_hash, language, safe, risk_score, reason,
		vulnerabilities, patterns, analysis_time_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code_hash) DO UPDATE SET safe=excluded.safe, risk_score=excluded.risk_score,
		reason=excluded.reason, vulnerabilities=excluded.vulnerabilities, patterns=excluded.patterns,
		analysis_time_ms=excluded.analysis_time_ms`,
		a.CodeHash, a.Language, a.Safe, a.RiskScore, a.Reason, string(a.Vulnerabilities),
		string(a.Patterns), a.AnalysisTimeMs)
	if err != nil {
		return fmt.Errorf("upserting analyzed skill %s: %w", a.CodeHash, err)
	}
	return nil
}

// GetAnalyzedSkill retrieves a cached verdict by code hash, or sql.ErrNoRows.
func (s *Store) GetAnalyzedSkill(codeHash string) (*AnalyzedSkill, error) {
	row := s.db.QueryRow(`SELECT code_hash, language, safe, risk_score, reason, vulnerabilities,
		patterns, analysis_time_ms FROM analyzed_skills WHERE code_hash = ?`, codeHash)

	var a AnalyzedSkill
	var reason sql.NullString
	var vulnerabilities, patterns sql.NullString
	if err := row.Scan(&a.CodeHash, &a.Language, &a.Safe, &a.RiskScore, &reason, &vulnerabilities,
		&patterns, &a.AnalysisTimeMs); err != nil {
		return nil, fmt.Errorf("getting analyzed skill %s: %w", codeHash, err)
	}
	a.Reason = reason.String
	if vulnerabilities.Valid {
		a.Vulnerabilities = json.RawMessage(vulnerabilities.String)
	}
	if patterns.Valid {
		a.Patterns = json.RawMessage(patterns.String)
	}
	return &a, nil
}

// CleanupThreats removes threat records older than retentionDays.
func (s *Store) CleanupThreats(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM threats WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up threats: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
