package agentctx

import "testing"

type fakeHydrator struct {
	name      string
	maxPerMin int
	trusted   []string
	found     bool
	err       error
	calls     int
}

func (f *fakeHydrator) GetAgent(id string) (string, int, []string, bool, error) {
	f.calls++
	return f.name, f.maxPerMin, f.trusted, f.found, f.err
}

func TestGetOrCreate_HydratesOnFirstReference(t *testing.T) {
	hydrator := &fakeHydrator{name: "scout", maxPerMin: 50, trusted: []string{"example.com"}, found: true}
	reg := New(hydrator)

	ctx, err := reg.GetOrCreate("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Name != "scout" || ctx.MaxRequestsPerMinute != 50 || len(ctx.TrustedDomains) != 1 {
		t.Fatalf("expected hydrated fields, got %+v", ctx)
	}
	if hydrator.calls != 1 {
		t.Fatalf("expected exactly one hydrate call, got %d", hydrator.calls)
	}

	if _, err := reg.GetOrCreate("agent-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hydrator.calls != 1 {
		t.Fatalf("expected no re-hydration on second reference, got %d calls", hydrator.calls)
	}
}

func TestGetOrCreate_NotFoundUsesDefaults(t *testing.T) {
	hydrator := &fakeHydrator{found: false}
	reg := New(hydrator)

	ctx, err := reg.GetOrCreate("agent-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Status != StatusActive || ctx.MaxRequestsPerMinute != 100 {
		t.Fatalf("expected default status/rate-limit, got %+v", ctx)
	}
}

func TestGetOrCreate_HydratorErrorPropagates(t *testing.T) {
	wantErr := &hydratorError{"boom"}
	hydrator := &fakeHydrator{err: wantErr}
	reg := New(hydrator)

	if _, err := reg.GetOrCreate("agent-3"); err != wantErr {
		t.Fatalf("expected hydrator error to propagate, got %v", err)
	}
}

type hydratorError struct{ msg string }

func (e *hydratorError) Error() string { return e.msg }

func TestRegister_IdempotentPartialPreservesExisting(t *testing.T) {
	reg := New(nil)
	reg.Touch("agent-4")
	reg.Touch("agent-4")
	before := reg.Get("agent-4")
	beforeCount := before.RequestCount

	after := reg.Register("agent-4", Context{Name: "renamed"})
	if after.RequestCount != beforeCount {
		t.Fatalf("expected RequestCount preserved across partial register, got %d want %d", after.RequestCount, beforeCount)
	}
	if after.Name != "renamed" {
		t.Fatalf("expected Name updated by partial register, got %q", after.Name)
	}
}

func TestRegister_NewAgentSetsDefaults(t *testing.T) {
	reg := New(nil)
	ctx := reg.Register("agent-5", Context{Name: "fresh"})
	if ctx.Status != StatusActive {
		t.Fatalf("expected new registration to default to active status, got %q", ctx.Status)
	}
	if ctx.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be set on new registration")
	}
}

func TestTouch_IncrementsRequestCountAndCreatesIfAbsent(t *testing.T) {
	reg := New(nil)
	reg.Touch("agent-6")
	reg.Touch("agent-6")
	reg.Touch("agent-6")

	ctx := reg.Get("agent-6")
	if ctx == nil {
		t.Fatalf("expected context to exist after Touch")
	}
	if ctx.RequestCount != 3 {
		t.Fatalf("expected RequestCount 3, got %d", ctx.RequestCount)
	}
}

func TestUnregister_RemovesContext(t *testing.T) {
	reg := New(nil)
	reg.Touch("agent-7")
	reg.Unregister("agent-7")
	if ctx := reg.Get("agent-7"); ctx != nil {
		t.Fatalf("expected context removed after Unregister, got %+v", ctx)
	}
}

func TestGet_ReturnsNilWhenAbsent(t *testing.T) {
	reg := New(nil)
	if ctx := reg.Get("missing"); ctx != nil {
		t.Fatalf("expected nil for an unknown agent, got %+v", ctx)
	}
}
