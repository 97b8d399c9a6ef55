// Package exfil implements the data-exfiltration detector: trusted-domain
// suffix matching plus large-upload and sensitive-pattern checks against
// outbound api_call messages.
package exfil

import (
	"net/url"
	"regexp"
	"strings"
)

const largeUploadThreshold = 100_000

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]`),
	regexp.MustCompile(`(?i)password\s*[=:]`),
	regexp.MustCompile(`(?i)secret\s*[=:]`),
	regexp.MustCompile(`(?i)token\s*[=:]`),
	regexp.MustCompile(`(?i)private_key`),
}

// Input describes the one outbound api_call message the detector
// considers; messages of any other shape are benign by construction.
type Input struct {
	URL            string
	Body           string
	TrustedDomains []string
}

// IsExfiltration reports whether in represents a likely data-exfiltration
// attempt: either a large upload or a sensitive-pattern upload bound for a
// host outside the agent's trusted-domain list. A URL that fails to parse,
// or a host on the trusted list, is always benign.
func IsExfiltration(in Input) bool {
	u, err := url.Parse(in.URL)
	if err != nil || u.Host == "" {
		return false
	}

	if isTrusted(u.Hostname(), in.TrustedDomains) {
		return false
	}

	if len(in.Body) > largeUploadThreshold {
		return true
	}

	for _, p := range sensitivePatterns {
		if p.MatchString(in.Body) {
			return true
		}
	}

	return false
}

func isTrusted(host string, trusted []string) bool {
	host = strings.ToLower(host)
	for _, t := range trusted {
		t = strings.ToLower(t)
		if host == t || strings.HasSuffix(host, "."+t) {
			return true
		}
	}
	return false
}
