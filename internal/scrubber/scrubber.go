// Package scrubber implements the post-proxy response scrubber: a
// credential-pattern / header-policy / stack-trace-fingerprint scan over
// the downstream response before it reaches the caller.
package scrubber

import (
	"regexp"
	"strings"
)

// Issue is one finding the scrubber reports; callers decide whether to
// surface or block on it.
type Issue struct {
	Kind        string
	Description string
}

var credentialPatterns = []struct {
	kind  string
	regex *regexp.Regexp
}{
	{"credential_leak", regexp.MustCompile(`(?i)api[_-]?key\s*[=:]\s*['"]?[A-Za-z0-9_\-]{8,}`)},
	{"credential_leak", regexp.MustCompile(`(?i)password\s*[=:]\s*['"]?\S{4,}`)},
	{"credential_leak", regexp.MustCompile(`(?i)secret\s*[=:]\s*['"]?[A-Za-z0-9_\-]{8,}`)},
	{"credential_leak", regexp.MustCompile(`(?i)token\s*[=:]\s*['"]?[A-Za-z0-9_\-\.]{8,}`)},
	{"aws_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret", regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*['"]?[A-Za-z0-9/+=]{30,}`)},
	{"stripe_key", regexp.MustCompile(`\b(sk-|pk_live_|pk_test_|rk_live_|rk_test_)[A-Za-z0-9]{16,}`)},
	{"github_token", regexp.MustCompile(`\b(ghp_|gho_|ghu_|ghs_|ghr_)[A-Za-z0-9]{20,}`)},
	{"pem_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
}

var knownServerProducts = []string{"nginx", "apache", "iis", "express"}

var stackTraceFrame = regexp.MustCompile(`\bat\s+\S+\s+\(.*:\d+:\d+\)`)
var infraErrorNames = regexp.MustCompile(`ECONNREFUSED|ENOTFOUND|ETIMEDOUT`)

// Response is the minimal shape the scrubber needs from a downstream
// HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// Scan inspects resp and returns every issue found. An empty slice means
// no issues were detected.
func Scan(resp Response) []Issue {
	var issues []Issue

	issues = append(issues, scanCredentials(resp.Body)...)
	issues = append(issues, scanHeaders(resp.Headers)...)
	if resp.StatusCode >= 500 {
		issues = append(issues, scanServerError(resp.Body)...)
	}

	return issues
}

func scanCredentials(body string) []Issue {
	var issues []Issue
	for _, p := range credentialPatterns {
		if p.regex.MatchString(body) {
			issues = append(issues, Issue{Kind: p.kind, Description: "response body matches a credential pattern"})
		}
	}
	return issues
}

func scanHeaders(headers map[string]string) []Issue {
	var issues []Issue
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	if lower["access-control-allow-origin"] == "*" {
		issues = append(issues, Issue{Kind: "insecure_cors", Description: "Access-Control-Allow-Origin is wildcard"})
	}
	if _, ok := lower["x-content-type-options"]; !ok {
		issues = append(issues, Issue{Kind: "missing_header", Description: "missing X-Content-Type-Options"})
	}
	_, hasFrameOptions := lower["x-frame-options"]
	_, hasCSP := lower["content-security-policy"]
	if !hasFrameOptions && !hasCSP {
		issues = append(issues, Issue{Kind: "missing_header", Description: "missing both X-Frame-Options and Content-Security-Policy"})
	}
	if server, ok := lower["server"]; ok {
		serverLower := strings.ToLower(server)
		for _, product := range knownServerProducts {
			if strings.Contains(serverLower, product) {
				issues = append(issues, Issue{Kind: "infra_leak", Description: "Server header names " + product})
				break
			}
		}
	}
	return issues
}

func scanServerError(body string) []Issue {
	var issues []Issue
	if stackTraceFrame.MatchString(body) || (strings.Contains(body, "stack") && strings.Contains(body, "at ")) {
		issues = append(issues, Issue{Kind: "stack_trace", Description: "response body looks like a stack trace"})
	}
	if infraErrorNames.MatchString(body) {
		issues = append(issues, Issue{Kind: "infra_leak", Description: "response body names an infrastructure error"})
	}
	return issues
}
