// Package firewall implements the Agent Firewall orchestrator: the
// fail-closed pipeline that drives every other inspection component and
// is the only writer of the Agent Context registry and the Threat Event
// log. A request or message clears a single ordered gate stage by stage;
// any stage's denial short-circuits the rest.
package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firewalld/internal/agentctx"
	"firewalld/internal/exfil"
	"firewalld/internal/injection"
	"firewalld/internal/loopdetect"
	"firewalld/internal/rules"
	"firewalld/internal/skill"
	"firewalld/internal/threat"
)

// Threats is the persistence surface the orchestrator appends to.
type Threats interface {
	RecordThreat(agentID, threatType string, severity Level, details json.RawMessage) error
}

// Authorizer answers the agent-to-agent communication check.
type Authorizer interface {
	CommunicationAllowed(sourceAgentID, targetAgentID string) (bool, error)
}

// Alerter is invoked asynchronously for critical-severity denies.
type Alerter interface {
	Alert(ctx context.Context, threatType, agentID string, details json.RawMessage)
}

// Config holds the orchestrator's tunable thresholds.
type Config struct {
	ThreatScoreThreshold float64
	RateLimitPerMinute   int
	RateLimitWindow      time.Duration
	BlacklistTTL         time.Duration
	SkillAnalysisTimeout time.Duration
	SkillMemoryCapMiB    int
}

// SkillAnalyzer is the narrow skill.Analyzer surface the orchestrator
// depends on, so a skill_execute message can be routed through the same
// static/injection/dynamic pipeline the rest of the gateway uses.
type SkillAnalyzer interface {
	Analyze(ctx context.Context, code string, opts skill.Options) skill.Result
}

// SkillCache memoizes skill analysis verdicts by content hash, backed by
// the analyzed_skills table, so repeated execution of identical skill
// code is a cache hit rather than a re-run of the dynamic sandbox.
type SkillCache interface {
	Get(codeHash string) (skill.Result, bool, error)
	Put(codeHash, language string, result skill.Result) error
}

// RateLimiter is the narrow kv-store surface the orchestrator needs for
// rate-limit and blacklist checks, kept separate from loopdetect.Detector
// since it addresses different keys.
type RateLimiter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Orchestrator drives inspectRequest and inspectMessage. It holds every
// detector as a one-way capability; no detector ever reaches back into
// the orchestrator.
type Orchestrator struct {
	agents        *agentctx.Registry
	rateLimiter   RateLimiter
	rulesEngine   *rules.Engine
	authorizer    Authorizer
	loopDetect    *loopdetect.Detector
	threats       Threats
	alerter       Alerter
	skillAnalyzer SkillAnalyzer
	skillCache    SkillCache
	cfg           Config
}

// New constructs an Orchestrator. alerter, skillAnalyzer, and skillCache
// may all be nil; a nil skillAnalyzer makes skill_execute messages pass
// through unanalyzed rather than fail closed, since skill analysis is an
// additional check layered on top of the other message-path checks, not
// one of them.
func New(agents *agentctx.Registry, rl RateLimiter, re *rules.Engine, auth Authorizer,
	ld *loopdetect.Detector, threats Threats, alerter Alerter,
	skillAnalyzer SkillAnalyzer, skillCache SkillCache, cfg Config) *Orchestrator {
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = 60 * time.Second
	}
	if cfg.ThreatScoreThreshold == 0 {
		cfg.ThreatScoreThreshold = 0.8
	}
	if cfg.SkillAnalysisTimeout == 0 {
		cfg.SkillAnalysisTimeout = 5 * time.Second
	}
	return &Orchestrator{
		agents: agents, rateLimiter: rl, rulesEngine: re, authorizer: auth,
		loopDetect: ld, threats: threats, alerter: alerter,
		skillAnalyzer: skillAnalyzer, skillCache: skillCache, cfg: cfg,
	}
}

// RequestInput is the HTTP-surface inspection input.
type RequestInput struct {
	AgentID string
	Method  string
	Path    string
	Body    string
	Headers map[string]string
	IP      string
}

// InspectRequest is the fail-closed HTTP-surface entry point. Any panic
// raised by a dependency is recovered and mapped to the "Inspection
// error" result rather than propagating.
func (o *Orchestrator) InspectRequest(ctx context.Context, in RequestInput) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during request inspection", "panic", r)
			result = Result{Allowed: false, Reason: "Inspection error", ThreatLevel: LevelUnknown}
		}
	}()

	res, err := o.inspectRequest(ctx, in)
	if err != nil {
		slog.Error("request inspection failed", "error", err)
		return Result{Allowed: false, Reason: "Inspection error", ThreatLevel: LevelUnknown}
	}
	return res
}

func (o *Orchestrator) inspectRequest(ctx context.Context, in RequestInput) (Result, error) {
	var agentCtx *agentctx.Context
	if in.AgentID != "" {
		var err error
		agentCtx, err = o.agents.GetOrCreate(in.AgentID)
		if err != nil {
			return Result{}, fmt.Errorf("loading agent context: %w", err)
		}

		// 1. Rate limit.
		limit := agentCtx.MaxRequestsPerMinute
		if limit <= 0 {
			limit = o.cfg.RateLimitPerMinute
		}
		count, err := o.rateLimiter.Incr(ctx, "agent:ratelimit:"+in.AgentID, o.cfg.RateLimitWindow)
		if err != nil {
			return Result{}, fmt.Errorf("checking rate limit: %w", err)
		}
		if int(count) > limit {
			o.deny(in.AgentID, "rate_limit_exceeded", nil)
			return Result{Allowed: false, Reason: "Rate limit exceeded", ThreatLevel: LevelMedium}, nil
		}

		// 2. Blacklist.
		blacklisted, err := o.rateLimiter.Exists(ctx, "agent:blacklist:"+in.AgentID)
		if err != nil {
			return Result{}, fmt.Errorf("checking blacklist: %w", err)
		}
		if blacklisted {
			o.deny(in.AgentID, "blacklisted", nil)
			return Result{Allowed: false, Reason: "Agent is blacklisted", ThreatLevel: LevelCritical}, nil
		}
	}

	// 3. Rule evaluation.
	evalCtx := rules.Context{
		"method":  in.Method,
		"path":    in.Path,
		"body":    in.Body,
		"content": in.Body,
		"ip":      in.IP,
		"agentId": in.AgentID,
	}
	if in.Headers != nil {
		evalCtx["headers"] = in.Headers
	}

	ruleResult, err := o.rulesEngine.Evaluate(evalCtx)
	if err != nil {
		return Result{}, fmt.Errorf("evaluating rules: %w", err)
	}
	if !ruleResult.Allowed {
		details, _ := json.Marshal(map[string]string{"method": in.Method, "path": in.Path})
		o.deny(in.AgentID, "rule_violation", details)
		level := Level(ruleResult.Level)
		if level == "" {
			level = LevelMedium
		}
		return Result{Allowed: false, Reason: ruleResult.Reason, ThreatLevel: level}, nil
	}

	// 4. Threat scoring.
	requestCount := 0
	var timeSince int64
	if agentCtx != nil {
		requestCount = agentCtx.RequestCount
		if !agentCtx.LastSeen.IsZero() {
			timeSince = time.Since(agentCtx.LastSeen).Milliseconds()
		}
	}
	score, factors := threat.Score(threat.Input{
		Body: in.Body, Path: in.Path, Headers: in.Headers,
		RequestCount: requestCount, TimeSinceLastRequest: timeSince,
	})
	if score > o.cfg.ThreatScoreThreshold {
		details, _ := json.Marshal(map[string]any{"score": score, "factors": factors})
		o.deny(in.AgentID, "high_threat_score", details)
		return Result{Allowed: false, Reason: "High threat score detected", ThreatLevel: LevelHigh, ThreatScore: score}, nil
	}

	// 5. Update Agent Context.
	if in.AgentID != "" {
		o.agents.Touch(in.AgentID)
	}

	return Result{Allowed: true, ThreatScore: score}, nil
}

// InspectMessage is the fail-closed WebSocket-surface entry point.
func (o *Orchestrator) InspectMessage(ctx context.Context, agentID string, raw []byte) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during message inspection", "panic", r)
			result = Result{Allowed: false, Reason: "Inspection error", ThreatLevel: LevelUnknown}
		}
	}()

	res, err := o.inspectMessage(ctx, agentID, raw)
	if err != nil {
		slog.Error("message inspection failed", "error", err)
		return Result{Allowed: false, Reason: "Inspection error", ThreatLevel: LevelUnknown}
	}
	return res
}

func (o *Orchestrator) inspectMessage(ctx context.Context, agentID string, raw []byte) (Result, error) {
	// 1. Structural validation.
	msg, err := ParseMessage(raw)
	if err != nil {
		return Result{Allowed: false, Reason: "Invalid message format", ThreatLevel: LevelLow}, nil
	}

	// 2. Agent-to-agent authorization.
	if (msg.Type == MsgSessionsSend || msg.Type == MsgSessionsSpawn) && msg.HasTarget {
		allowed, err := o.authorizer.CommunicationAllowed(agentID, msg.TargetAgentID)
		if err != nil {
			return Result{}, fmt.Errorf("checking communication authorization: %w", err)
		}
		if !allowed {
			o.deny(agentID, "unauthorized_agent_communication", nil)
			return Result{Allowed: false, Reason: "Unauthorized agent communication", ThreatLevel: LevelHigh}, nil
		}
	}

	// 3. Loop detection.
	isLoop, err := o.loopDetect.IsLoop(ctx, agentID, string(msg.Type), msg.Content, msg.TargetAgentID)
	if err != nil {
		return Result{}, fmt.Errorf("checking for message loop: %w", err)
	}
	if isLoop {
		o.deny(agentID, "infinite_loop", nil)
		return Result{Allowed: false, Reason: "Infinite loop detected", ThreatLevel: LevelMedium}, nil
	}

	// 4. Prompt-injection detection.
	if msg.HasContent {
		inj := injection.Detect(msg.Content)
		if inj.Detected {
			triage := msg.Content
			if len(triage) > 200 {
				triage = triage[:200]
			}
			details, _ := json.Marshal(map[string]any{"content": triage, "patterns": inj.Patterns, "confidence": inj.Confidence})
			o.deny(agentID, "prompt_injection", details)
			return Result{Allowed: false, Reason: "Prompt injection detected", ThreatLevel: LevelCritical}, nil
		}
	}

	// 5. Exfiltration detection.
	if msg.Type == MsgAPICall && msg.URL != "" {
		var trusted []string
		if ac := o.agents.Get(agentID); ac != nil {
			trusted = ac.TrustedDomains
		}
		if exfil.IsExfiltration(exfil.Input{URL: msg.URL, Body: msg.Body, TrustedDomains: trusted}) {
			o.deny(agentID, "data_exfiltration", nil)
			return Result{Allowed: false, Reason: "Data exfiltration detected", ThreatLevel: LevelCritical}, nil
		}
	}

	// 6. Skill analysis.
	if msg.Type == MsgSkillExecute && msg.HasContent && o.skillAnalyzer != nil {
		verdict, err := o.analyzeSkill(ctx, msg.Content)
		if err != nil {
			return Result{}, fmt.Errorf("analyzing skill: %w", err)
		}
		if !verdict.Safe {
			details, _ := json.Marshal(map[string]any{
				"reason": verdict.Reason, "risk_score": verdict.RiskScore, "signature": verdict.Signature,
			})
			o.deny(agentID, "malware_detected", details)
			return Result{Allowed: false, Reason: verdict.Reason, ThreatLevel: LevelCritical, ThreatScore: verdict.RiskScore}, nil
		}
	}

	return Result{Allowed: true}, nil
}

// analyzeSkill runs the Skill Analyzer over code, consulting and then
// populating the content-hash cache so repeated execution of identical
// skill code skips the dynamic sandbox stage.
func (o *Orchestrator) analyzeSkill(ctx context.Context, code string) (skill.Result, error) {
	hash := skill.GetCodeHash(code)
	if o.skillCache != nil {
		if cached, ok, err := o.skillCache.Get(hash); err != nil {
			return skill.Result{}, err
		} else if ok {
			return cached, nil
		}
	}

	verdict := o.skillAnalyzer.Analyze(ctx, code, skill.Options{
		Timeout: o.cfg.SkillAnalysisTimeout, MemoryCapMiB: o.cfg.SkillMemoryCapMiB,
	})

	if o.skillCache != nil {
		if err := o.skillCache.Put(hash, "javascript", verdict); err != nil {
			slog.Error("failed to cache skill analysis verdict", "error", err, "code_hash", hash)
		}
	}
	return verdict, nil
}

func (o *Orchestrator) deny(agentID, threatType string, details json.RawMessage) {
	severity := threatSeverity[threatType]
	if severity == "" {
		severity = LevelMedium
	}
	if o.threats != nil {
		if err := o.threats.RecordThreat(agentID, threatType, severity, details); err != nil {
			slog.Error("failed to record threat event", "error", err, "threat_type", threatType)
		}
	}
	if severity == LevelCritical && o.alerter != nil {
		go o.alerter.Alert(context.Background(), threatType, agentID, details)
	}
}
