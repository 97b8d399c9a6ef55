package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Send(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewNotifier_AlwaysIncludesLogSink(t *testing.T) {
	n := NewNotifier()
	if len(n.sinks) != 1 {
		t.Fatalf("expected a LogSink appended even with no configured sinks, got %d", len(n.sinks))
	}
	if _, ok := n.sinks[0].(LogSink); !ok {
		t.Fatalf("expected the default sink to be a LogSink, got %T", n.sinks[0])
	}
}

func TestNotifier_Alert_FansOutToAllSinks(t *testing.T) {
	rec := &recordingSink{}
	n := NewNotifier(rec)

	n.Alert(context.Background(), "prompt_injection", "agent-1", json.RawMessage(`{"foo":"bar"}`))

	if rec.count() != 1 {
		t.Fatalf("expected the custom sink to receive the alert, got %d events", rec.count())
	}
}

func TestNotifier_Alert_PopulatesEventFields(t *testing.T) {
	rec := &recordingSink{}
	n := NewNotifier(rec)

	n.Alert(context.Background(), "data_exfiltration", "agent-9", json.RawMessage(`{"url":"http://evil.example"}`))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one event recorded")
	}
	got := rec.events[0]
	if got.ThreatType != "data_exfiltration" || got.AgentID != "agent-9" {
		t.Fatalf("unexpected event fields: %+v", got)
	}
	if string(got.Details) != `{"url":"http://evil.example"}` {
		t.Fatalf("expected details passed through verbatim, got %s", got.Details)
	}
	if got.FiredAt.IsZero() {
		t.Fatalf("expected FiredAt to be populated")
	}
}

func TestWebhookSink_Send_PostsJSONEventBody(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json content type, got %q", ct)
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("failed to decode webhook body: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	sink.Send(context.Background(), Event{ThreatType: "malware_detected", AgentID: "agent-2", Details: json.RawMessage(`{}`)})

	select {
	case event := <-received:
		if event.ThreatType != "malware_detected" || event.AgentID != "agent-2" {
			t.Fatalf("unexpected event delivered to webhook: %+v", event)
		}
	default:
		t.Fatalf("expected the webhook to have received a request synchronously")
	}
}

func TestWebhookSink_Send_NonOKStatusDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	sink.Send(context.Background(), Event{ThreatType: "credential_leak", AgentID: "agent-3"})
}

func TestWebhookSink_Send_UnreachableURLDoesNotPanic(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:1")
	sink.Send(context.Background(), Event{ThreatType: "credential_leak", AgentID: "agent-4"})
}

func TestLogSink_Send_DoesNotPanic(t *testing.T) {
	LogSink{}.Send(context.Background(), Event{ThreatType: "infinite_loop", AgentID: "agent-5"})
}
