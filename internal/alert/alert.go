// Package alert implements the firewall orchestrator's out-of-band notice
// for critical-severity threats: a structured log line always, and an
// optional webhook POST when one is configured.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Sink receives a fired alert. Alerter.Alert wraps one or more sinks and
// is only ever called for critical-severity threats.
type Sink interface {
	Send(ctx context.Context, event Event)
}

// Event is the payload delivered to every sink.
type Event struct {
	ThreatType string          `json:"threat_type"`
	AgentID    string          `json:"agent_id"`
	Details    json.RawMessage `json:"details"`
	FiredAt    time.Time       `json:"fired_at"`
}

// Notifier fans an alert out to every configured sink. It satisfies the
// firewall package's narrow Alerter interface.
type Notifier struct {
	sinks []Sink
}

// NewNotifier constructs a Notifier over sinks. A LogSink is always
// appended even if sinks is empty, so a critical threat is never silently
// dropped for want of configuration.
func NewNotifier(sinks ...Sink) *Notifier {
	return &Notifier{sinks: append([]Sink{LogSink{}}, sinks...)}
}

// Alert fires event to every sink, logging (not propagating) any sink
// error; a failing notification must never affect the inspection result
// that already shipped to the caller.
func (n *Notifier) Alert(ctx context.Context, threatType, agentID string, details json.RawMessage) {
	event := Event{ThreatType: threatType, AgentID: agentID, Details: details, FiredAt: time.Now()}
	for _, s := range n.sinks {
		s.Send(ctx, event)
	}
}

// LogSink emits the alert as a structured warning log line.
type LogSink struct{}

func (LogSink) Send(_ context.Context, event Event) {
	slog.Warn("critical threat alert", "threat_type", event.ThreatType, "agent_id", event.AgentID, "details", string(event.Details))
}

// WebhookSink POSTs the alert as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink constructs a WebhookSink posting to url with a bounded
// client timeout.
func NewWebhookSink(url string) WebhookSink {
	return WebhookSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w WebhookSink) Send(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal alert event", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		slog.Error("failed to build alert webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		slog.Error("alert webhook delivery failed", "error", err, "url", w.URL)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Error("alert webhook returned non-2xx", "status", resp.StatusCode, "url", w.URL)
	}
}
