package skill

import (
	"context"
	"fmt"
	"time"

	"firewalld/internal/injection"
)

// Options configures one Analyze call.
type Options struct {
	Timeout      time.Duration
	MemoryCapMiB int
}

// Analyzer coordinates the static, prompt-injection, dynamic, and
// signature stages into one fused verdict, per the fixed short-circuit
// order: a critical static finding or a confident injection match or an
// unsafe dynamic run or a signature match each terminate early with their
// own reason and score; otherwise every contributing factor is fused into
// a single weighted risk score.
type Analyzer struct{}

// NewAnalyzer constructs a Skill Analyzer. It holds no state of its own;
// the malware signature table is package-level configuration shared by
// every call.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze runs the full pipeline over code.
func (a *Analyzer) Analyze(ctx context.Context, code string, opts Options) Result {
	start := time.Now()

	static := AnalyzeStatic(code)
	if static.Severity == SeverityCritical {
		return finish(Result{
			Safe: false, RiskScore: 1.0, Reason: "Critical vulnerabilities found",
			Vulnerabilities: static.Vulnerabilities, Patterns: static.Patterns,
		}, start)
	}

	inj := injection.Detect(code)
	if inj.Detected && inj.Confidence > 0.7 {
		return finish(Result{
			Safe: false, RiskScore: 0.9, Reason: "Prompt injection patterns",
			Vulnerabilities: static.Vulnerabilities, Patterns: static.Patterns,
		}, start)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dyn := AnalyzeDynamic(ctx, code, timeout)
	if !dyn.Safe {
		behavior := annotateBehavior(dyn)
		return finish(Result{
			Safe: false, RiskScore: 0.8, Reason: "Unsafe behavior detected",
			Vulnerabilities: static.Vulnerabilities, Patterns: static.Patterns, Behavior: behavior,
		}, start)
	}

	if sig, ok := MatchSignature(code); ok {
		return finish(Result{
			Safe: false, RiskScore: 1.0, Signature: sig.Name,
			Reason:          fmt.Sprintf("Matched malware signature: %s", sig.Name),
			Vulnerabilities: static.Vulnerabilities, Patterns: static.Patterns,
		}, start)
	}

	score := fuseScore(static, inj, dyn)
	behavior := annotateBehavior(dyn)
	return finish(Result{
		Safe: score < 0.5, RiskScore: score,
		Vulnerabilities: static.Vulnerabilities, Patterns: static.Patterns, Behavior: behavior,
	}, start)
}

func fuseScore(static StaticResult, inj injection.Result, dyn DynamicResult) float64 {
	score := 0.0
	for _, v := range static.Vulnerabilities {
		score += severityWeight[v.Severity]
	}
	score += float64(len(dyn.NetworkAttempts)) * 0.1
	score += float64(len(dyn.FSAttempts)) * 0.1
	score += float64(len(dyn.SuspiciousBehavior)) * 0.15
	score += inj.Confidence * 0.3

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func annotateBehavior(dyn DynamicResult) []string {
	var out []string
	for _, n := range dyn.NetworkAttempts {
		out = append(out, "Network: "+n)
	}
	for _, f := range dyn.FSAttempts {
		out = append(out, "FS: "+f)
	}
	out = append(out, dyn.SuspiciousBehavior...)
	return out
}

func finish(r Result, start time.Time) Result {
	r.AnalysisTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return r
}
