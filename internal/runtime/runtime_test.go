package runtime

import "testing"

func TestNewRuntime_Defaults(t *testing.T) {
	rt, err := NewRuntime()
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	if rt.Metrics() == nil {
		t.Error("expected metrics to be enabled by default")
	}
}

func TestNewRuntime_InvalidConfig(t *testing.T) {
	if _, err := NewRuntime(WithHelpGroups(0)); err == nil {
		t.Error("expected an error for a non-positive help-group count")
	}
}

func TestNewRuntime_MetricsDisabled(t *testing.T) {
	rt, err := NewRuntime(WithMetrics(false))
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	if rt.Metrics() != nil {
		t.Error("expected metrics to be nil when disabled")
	}

	tok := rt.Register()
	sp, err := MakeShared[int](tok, 1)
	if err != nil {
		t.Fatalf("MakeShared should still work without metrics: %v", err)
	}
	sp.Release(tok)
	tok.Unregister()
}

func TestRuntime_TwoIndependentRuntimesDoNotShareState(t *testing.T) {
	a, err := NewRuntime()
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	b, err := NewRuntime()
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	if a.helpRouter == b.helpRouter {
		t.Error("expected each Runtime to own a distinct HelpRouter")
	}
	if a.Metrics().Registry == b.Metrics().Registry {
		t.Error("expected each Runtime to own a distinct metrics registry")
	}
}
