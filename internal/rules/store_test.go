package rules

import (
	"encoding/json"
	"testing"

	"firewalld/internal/store"
)

type fakeRowSource struct {
	rows []store.FirewallRuleRow
	err  error
}

func (f *fakeRowSource) ListEnabledFirewallRules() ([]store.FirewallRuleRow, error) {
	return f.rows, f.err
}

func TestRelationalStore_LoadDecodesConditionsAndAction(t *testing.T) {
	conditions, _ := json.Marshal([]Condition{{Field: "path", Operator: OpEq, Value: "/admin"}})
	action, _ := json.Marshal(Action{Message: "blocked"})

	src := &fakeRowSource{rows: []store.FirewallRuleRow{
		{ID: "r1", Name: "block-admin", Type: "deny", Priority: 10, Enabled: true, Conditions: conditions, Action: action},
	}}
	rs := NewRelationalStore(src)

	loaded, err := rs.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(loaded))
	}
	r := loaded[0]
	if r.Kind != KindDeny || r.Priority != 10 || !r.Enabled {
		t.Fatalf("unexpected rule shape: %+v", r)
	}
	if len(r.Conditions) != 1 || r.Conditions[0].Field != "path" {
		t.Fatalf("expected decoded conditions, got %+v", r.Conditions)
	}
	if r.Action.Message != "blocked" {
		t.Fatalf("expected decoded action, got %+v", r.Action)
	}
}

func TestRelationalStore_LoadPropagatesSourceError(t *testing.T) {
	wantErr := &rowSourceError{"boom"}
	src := &fakeRowSource{err: wantErr}
	rs := NewRelationalStore(src)

	if _, err := rs.Load(); err != wantErr {
		t.Fatalf("expected source error propagated, got %v", err)
	}
}

type rowSourceError struct{ msg string }

func (e *rowSourceError) Error() string { return e.msg }

func TestRelationalStore_LoadInvalidConditionsJSONErrors(t *testing.T) {
	action, _ := json.Marshal(Action{Message: "blocked"})
	src := &fakeRowSource{rows: []store.FirewallRuleRow{
		{ID: "r1", Type: "deny", Conditions: json.RawMessage(`not json`), Action: action},
	}}
	rs := NewRelationalStore(src)

	if _, err := rs.Load(); err == nil {
		t.Fatalf("expected an error decoding invalid conditions JSON")
	}
}
