// Package proxy implements the inline HTTP reverse proxy: it terminates
// the inbound request, runs it through the firewall orchestrator, and
// only then forwards to the single backend agent-hosting service,
// scrubbing the response before it reaches the caller.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"firewalld/internal/firewall"
	"firewalld/internal/scrubber"
	"firewalld/internal/telemetry"
)

const maxInspectedBodyBytes = 10 << 20 // 10 MiB; larger bodies are forwarded uninspected by content

// fallbackAgentIDHdr is consulted when the primary agent-id header is
// absent, so a caller that only sets the firewall's own echoed header
// still gets rate-limited, blacklist-checked, and context-tracked.
const fallbackAgentIDHdr = "X-Firewall-Agent-Id"

// Orchestrator is the narrow firewall surface the proxy depends on.
type Orchestrator interface {
	InspectRequest(ctx context.Context, in firewall.RequestInput) firewall.Result
}

// Proxy is the inline HTTP gateway.
type Proxy struct {
	backend    *url.URL
	transport  http.RoundTripper
	firewall   Orchestrator
	telemetry  *telemetry.Provider
	agentIDHdr string
}

// New constructs a Proxy forwarding to backendURL.
func New(backendURL string, fw Orchestrator, tp *telemetry.Provider) (*Proxy, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Proxy{
		backend:    u,
		transport:  http.DefaultTransport,
		firewall:   fw,
		telemetry:  tp,
		agentIDHdr: "X-Agent-Id",
	}, nil
}

// ServeHTTP inspects, forwards, scrubs, and writes the response.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, maxInspectedBodyBytes))
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	agentID := r.Header.Get(p.agentIDHdr)
	if agentID == "" {
		agentID = r.Header.Get(fallbackAgentIDHdr)
	}
	headers := flattenHeaders(r.Header)

	ctx, span := p.telemetry.StartRequestSpan(r.Context(), agentID, r.Method, r.URL.Path)
	defer span.End()

	result := p.firewall.InspectRequest(ctx, firewall.RequestInput{
		AgentID: agentID, Method: r.Method, Path: r.URL.Path, Body: string(body),
		Headers: headers, IP: clientIP(r),
	})

	w.Header().Set("X-Firewall-Request-Id", requestID)
	w.Header().Set("X-Firewall-Inspected", "true")

	if !result.Allowed {
		p.telemetry.EndRequestSpan(span, false, string(result.ThreatLevel), result.Reason, result.ThreatScore, http.StatusForbidden, int64(len(body)), 0, nil)
		writeDenied(w, result)
		slog.Warn("request blocked", "agent_id", agentID, "path", r.URL.Path, "reason", result.Reason, "level", result.ThreatLevel)
		return
	}

	w.Header().Set("X-Firewall-Threat-Score", formatScore(result.ThreatScore))
	if agentID != "" {
		w.Header().Set("X-Firewall-Agent-Id", agentID)
	}

	statusCode, bytesOut, err := p.forward(w, r, body)
	p.telemetry.EndRequestSpan(span, true, string(result.ThreatLevel), "", result.ThreatScore, statusCode, int64(len(body)), bytesOut, err)

	slog.Info("request completed", "agent_id", agentID, "path", r.URL.Path, "status", statusCode, "duration", time.Since(start))
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte) (int, int64, error) {
	target := *p.backend
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to construct backend request", http.StatusInternalServerError)
		return http.StatusInternalServerError, 0, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Host = p.backend.Host

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		slog.Error("backend request failed", "error", err)
		http.Error(w, "Backend unavailable", http.StatusBadGateway)
		return http.StatusBadGateway, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "Failed to read backend response", http.StatusBadGateway)
		return http.StatusBadGateway, 0, err
	}

	issues := scrubber.Scan(scrubber.Response{
		StatusCode: resp.StatusCode, Headers: flattenHeaders(resp.Header), Body: string(respBody),
	})
	for _, issue := range issues {
		slog.Warn("response scrubber finding", "kind", issue.Kind, "description", issue.Description)
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(respBody)
	return resp.StatusCode, int64(n), nil
}

func writeDenied(w http.ResponseWriter, result firewall.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	body, _ := json.Marshal(struct {
		Error       string `json:"error"`
		Reason      string `json:"reason"`
		ThreatLevel string `json:"threatLevel"`
	}{"Request blocked by firewall", result.Reason, string(result.ThreatLevel)})
	_, _ = w.Write(body)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 4, 64)
}
