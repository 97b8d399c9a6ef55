// Package skill implements the Skill Analyzer: the static -> injection ->
// sandboxed-dynamic pipeline that scores a candidate skill's source code
// before it is allowed to run against the backend agent-hosting service.
// Each stage can short-circuit the rest on a terminal verdict. The static
// and dynamic stages both run on github.com/dop251/goja: its parser/ast
// packages drive the static analyzer, and its goja.Runtime hosts the
// sandboxed dynamic analyzer.
package skill

// Severity is a vulnerability's risk class.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityWeight = map[Severity]float64{
	SeverityCritical: 0.5,
	SeverityHigh:     0.3,
	SeverityMedium:   0.15,
	SeverityLow:      0.05,
	SeverityInfo:     0,
}

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Vulnerability is one finding from the static analyzer's AST walk.
type Vulnerability struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
}

// StaticResult is the static analyzer's verdict.
type StaticResult struct {
	Severity        Severity
	Vulnerabilities []Vulnerability
	Patterns        []string
}

// DynamicResult is the sandboxed dynamic analyzer's verdict.
type DynamicResult struct {
	Safe               bool
	SuspiciousBehavior []string
	NetworkAttempts    []string
	FSAttempts         []string
	ExecutionTimeMs    float64
	MemoryUsed         int
}

// Result is the Skill Analyzer's fused verdict over a candidate.
type Result struct {
	Safe            bool            `json:"safe"`
	RiskScore       float64         `json:"riskScore"`
	Reason          string          `json:"reason,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	Patterns        []string        `json:"patterns,omitempty"`
	Behavior        []string        `json:"behavior,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	AnalysisTimeMs  float64         `json:"analysisTimeMs"`
}
