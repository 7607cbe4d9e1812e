package enforcement

import (
	"context"
	"testing"
	"time"

	"github.com/linnix-io/linnix-core/internal/model"
)

func testPolicy() model.EnforcementPolicy {
	return model.EnforcementPolicy{
		Enabled:           true,
		DefaultAction:     model.ActionStop,
		GracePeriodSecs:   0.02,
		CooldownSecs:      0.05,
		MaxActionsPerHour: 10,
		Mode:              model.ModeEnforce,
	}
}

func alwaysTarget(container string) func(model.Subject) (string, bool) {
	return func(model.Subject) (string, bool) { return container, true }
}

func newHandlerForTest(policy model.EnforcementPolicy, resolve func(model.Subject) (string, bool)) *Handler {
	h := NewHandler(policy, NewRuntimeInvoker("does-not-exist-on-disk"), resolve)
	return h
}

func waitForCounter(t *testing.T, h *Handler, key string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if h.Counters()[key] >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("counter %q never reached %d, got %d", key, want, h.Counters()[key])
}

func TestAllowlistBlocksViolation(t *testing.T) {
	policy := testPolicy()
	policy.Allowlist = model.Allowlist{Comms: []string{"sshd"}}
	h := newHandlerForTest(policy, alwaysTarget("c1"))

	h.Handle(context.Background(), model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "sshd"}}, 0)

	if h.Counters()["blocked_allowlist"] != 1 {
		t.Fatalf("expected blocked_allowlist=1, got %+v", h.Counters())
	}

	history := h.History()
	if len(history) != 1 {
		t.Fatalf("expected the violation to be recorded even though nothing was dispatched, got %+v", history)
	}
	if history[0].Result.Kind != model.ResultBlocked || history[0].Result.Reason != "allowlist" {
		t.Fatalf("expected Result={Blocked, allowlist}, got %+v", history[0].Result)
	}
}

func TestMonitorModeNeverDispatches(t *testing.T) {
	policy := testPolicy()
	policy.Mode = model.ModeMonitor
	h := newHandlerForTest(policy, alwaysTarget("c1"))

	h.Handle(context.Background(), model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "x"}}, 0)
	time.Sleep(50 * time.Millisecond)

	if h.Counters()["monitor_intent_recorded"] != 1 {
		t.Fatalf("expected monitor_intent_recorded=1, got %+v", h.Counters())
	}

	history := h.History()
	if len(history) != 1 {
		t.Fatalf("expected the violation to be recorded even though nothing was dispatched, got %+v", history)
	}
	if history[0].Result.Kind != model.ResultBlocked || history[0].Result.Reason != "monitor" {
		t.Fatalf("expected Result={Blocked, monitor}, got %+v", history[0].Result)
	}
	if history[0].ActionTaken != model.ActionNone {
		t.Fatalf("expected ActionTaken=none in monitor mode, got %q", history[0].ActionTaken)
	}
}

func TestArmedCancelledWhenViolationDoesNotRecur(t *testing.T) {
	h := newHandlerForTest(testPolicy(), alwaysTarget("c1"))
	v := model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "x"}}

	h.Handle(context.Background(), v, 0)
	waitForCounter(t, h, "armed_cancelled_flap", 1)

	if len(h.History()) != 0 {
		t.Fatalf("expected no action dispatched when violation did not recur, got %+v", h.History())
	}
}

func TestStillViolatingEntersActingAndCooling(t *testing.T) {
	h := newHandlerForTest(testPolicy(), alwaysTarget("c1"))
	v := model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "x"}}

	h.Handle(context.Background(), v, 0)
	// Re-observe the same (rule, subject) violation before the grace
	// period elapses so the "still violating" check passes.
	time.Sleep(5 * time.Millisecond)
	h.Handle(context.Background(), v, 5_000_000)

	waitForCounter(t, h, string(model.ResultFailed), 1) // stub binary can't be resolved -> failed

	history := h.History()
	if len(history) != 1 {
		t.Fatalf("expected exactly one dispatched action, got %+v", history)
	}
	if history[0].RuleName != "r" {
		t.Fatalf("unexpected action record: %+v", history[0])
	}
}

func TestCooldownSuppressesImmediateRearm(t *testing.T) {
	h := newHandlerForTest(testPolicy(), alwaysTarget("c1"))
	v := model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "x"}}

	h.Handle(context.Background(), v, 0)
	time.Sleep(5 * time.Millisecond)
	h.Handle(context.Background(), v, 5_000_000)
	waitForCounter(t, h, string(model.ResultFailed), 1)

	// Target is now Cooling; a fresh violation arriving immediately
	// must be rate limited, not re-armed.
	h.Handle(context.Background(), v, 6_000_000)
	if h.Counters()["rate_limited_cooldown"] != 1 {
		t.Fatalf("expected rate_limited_cooldown=1, got %+v", h.Counters())
	}
}

func TestHourlyRateLimitBlocksDispatch(t *testing.T) {
	policy := testPolicy()
	policy.MaxActionsPerHour = 0
	h := newHandlerForTest(policy, alwaysTarget("c1"))
	v := model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "x"}}

	h.Handle(context.Background(), v, 0)
	time.Sleep(5 * time.Millisecond)
	h.Handle(context.Background(), v, 5_000_000)

	waitForCounter(t, h, "rate_limited_hourly", 1)
	if len(h.History()) != 0 {
		t.Fatalf("expected no dispatched action when hourly rate limit is zero, got %+v", h.History())
	}
}

func TestNoTargetSkipsEnforcement(t *testing.T) {
	h := newHandlerForTest(testPolicy(), func(model.Subject) (string, bool) { return "", false })
	h.Handle(context.Background(), model.Violation{RuleName: "r", Subject: model.Subject{PID: 5, Comm: "x"}}, 0)

	if h.Counters()["no_target"] != 1 {
		t.Fatalf("expected no_target=1, got %+v", h.Counters())
	}
}
