// Package threat implements the stateless composite-risk scorer the
// firewall orchestrator consults after rule evaluation. Each weighted
// signal folds into the running score with diminishing returns rather
// than a simple severity sum, so no single category can saturate the
// result on its own.
package threat

import (
	"regexp"
	"strings"
)

type patternFactor struct {
	name   string
	weight float64
	regex  *regexp.Regexp
}

var bodyPatterns = []patternFactor{
	{"path_traversal", 0.3, regexp.MustCompile(`\.\./`)},
	{"xss_attempt", 0.4, regexp.MustCompile(`(?i)<script[^>]*>`)},
	{"sql_injection", 0.5, regexp.MustCompile(`(?i)union\s+select`)},
	{"sql_drop", 0.9, regexp.MustCompile(`(?i);\s*drop\s+table`)},
	{"template_injection", 0.3, regexp.MustCompile(`\$\{.*\}`)},
	{"env_access", 0.4, regexp.MustCompile(`(?i)process\.env`)},
	{"command_exec", 0.6, regexp.MustCompile(`(?i)child_process`)},
	{"require_child_process", 0.8, regexp.MustCompile(`(?i)require\s*\(\s*['"]child_process['"]\s*\)`)},
	{"exec_call", 0.5, regexp.MustCompile(`(?i)exec\s*\(`)},
}

var suspiciousHeaders = map[string]bool{
	"x-forwarded-host": true,
	"x-original-url":   true,
	"x-rewrite-url":    true,
}

const (
	suspiciousHeaderWeight = 0.2
	rateAnomalyWeight      = 0.3
	largePayloadWeight     = 0.2
	largePayloadThreshold  = 500_000
	rateAnomalyCountFloor  = 50
)

// Input is the context the scorer needs, mirroring the orchestrator's
// evaluation context plus rate-anomaly bookkeeping.
type Input struct {
	Body                 string
	Path                 string
	Headers              map[string]string
	RequestCount         int
	TimeSinceLastRequest int64 // milliseconds
}

// Factor is one triggered weighted pattern, reported for observability.
type Factor struct {
	Name   string
	Weight float64
}

// Score computes the bounded [0,1] composite threat score for in, along
// with the list of factors that fired.
//
// Composition rule: starting from 0, each triggered factor with weight w
// updates score <- score + w*(1-score). This is monotone in the number of
// hits, bounded in [0,1], and order-independent (verified by
// scorer_test.go's permutation property test).
func Score(in Input) (float64, []Factor) {
	var factors []Factor
	score := 0.0

	apply := func(name string, w float64) {
		factors = append(factors, Factor{Name: name, Weight: w})
		score = score + w*(1-score)
	}

	for _, p := range bodyPatterns {
		if in.Body != "" && p.regex.MatchString(in.Body) {
			apply(p.name, p.weight)
		}
	}
	for _, p := range bodyPatterns {
		if in.Path != "" && p.regex.MatchString(in.Path) {
			apply("path_"+p.name, p.weight)
		}
	}

	for name := range in.Headers {
		if suspiciousHeaders[strings.ToLower(name)] {
			apply("suspicious_header", suspiciousHeaderWeight)
			break
		}
	}

	if in.RequestCount > rateAnomalyCountFloor && in.TimeSinceLastRequest > 0 && in.TimeSinceLastRequest < 1000 {
		apply("rate_anomaly", rateAnomalyWeight)
	}

	if len(in.Body) > largePayloadThreshold {
		apply("large_payload", largePayloadWeight)
	}

	return score, factors
}
