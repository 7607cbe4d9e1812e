package enforcement

import (
	"context"
	"sync"
	"time"

	"github.com/linnix-io/linnix-core/internal/corelog"
	"github.com/linnix-io/linnix-core/internal/model"
)

// targetState is the per-container state machine (§4.6):
//
//	Idle --violation(match)--> Armed
//	Armed --grace_period elapsed & still violating--> Acting
//	Armed --condition cleared before grace--> Idle
//	Acting --action dispatched--> Cooling
//	Cooling --cooldown_secs elapsed--> Idle
type targetState uint8

const (
	stateIdle targetState = iota
	stateArmed
	stateActing
	stateCooling
)

type armedWait struct {
	ruleName    string
	subject     model.Subject
	armedAtNS   int64
	lastSeenNS  int64 // most recent Violation(rule_name, subject) timestamp seen while Armed
	cancel      context.CancelFunc
}

type targetRecord struct {
	state        targetState
	armed        *armedWait
	coolingUntil int64
	actionsThisHour []int64 // timestamps (ns) of dispatched actions, trimmed to the last hour
}

// historyCap bounds the in-memory ActionRecord ring (§3 default: 256).
const historyCap = 256

// Handler is the Enforcement Handler (C6): one targetRecord per
// container, a bounded ActionRecord ring, and a RuntimeInvoker used to
// actually dispatch actions.
type Handler struct {
	log    *corelog.Logger
	policy model.EnforcementPolicy
	rt     *RuntimeInvoker

	resolveTarget func(model.Subject) (string, bool) // target_selector

	mu      sync.Mutex
	targets map[string]*targetRecord
	history []model.ActionRecord

	counters map[string]uint64 // outcome -> count, per §4.6 observability
}

// NewHandler creates a Handler. resolveTarget implements
// target_selector: given a Violation's subject, it returns the target
// container identifier, or ok=false if none applies.
func NewHandler(policy model.EnforcementPolicy, rt *RuntimeInvoker, resolveTarget func(model.Subject) (string, bool)) *Handler {
	return &Handler{
		log:           corelog.New("enforcement"),
		policy:        policy,
		rt:            rt,
		resolveTarget: resolveTarget,
		targets:       make(map[string]*targetRecord),
		counters:      make(map[string]uint64),
	}
}

// Handle processes one incoming Violation per the §4.6 decision
// procedure. nowNS is the kernel-clock timestamp to evaluate timers
// against.
func (h *Handler) Handle(ctx context.Context, v model.Violation, nowNS int64) {
	if h.policy.Allowlist.Contains(v.Subject.PID, v.Subject.Comm) {
		h.recordAction(model.ActionRecord{
			TimestampNS: uint64(nowNS),
			RuleName:    v.RuleName,
			Subject:     v.Subject,
			ActionTaken: model.ActionNone,
			Result:      model.ActionResult{Kind: model.ResultBlocked, Reason: "allowlist"},
		})
		h.count("blocked_allowlist")
		return
	}

	if h.policy.Mode == model.ModeMonitor {
		h.recordAction(model.ActionRecord{
			TimestampNS: uint64(nowNS),
			RuleName:    v.RuleName,
			Subject:     v.Subject,
			ActionTaken: model.ActionNone,
			Result:      model.ActionResult{Kind: model.ResultBlocked, Reason: "monitor"},
		})
		h.count("monitor_intent_recorded")
		return
	}

	container, ok := h.resolveTarget(v.Subject)
	if !ok {
		h.count("no_target")
		return
	}

	h.mu.Lock()
	tr, ok := h.targets[container]
	if !ok {
		tr = &targetRecord{state: stateIdle}
		h.targets[container] = tr
	}
	h.mu.Unlock()

	switch tr.state {
	case stateCooling:
		if nowNS < tr.coolingUntil {
			h.count("rate_limited_cooldown")
			return
		}
		h.mu.Lock()
		tr.state = stateIdle
		h.mu.Unlock()
		fallthrough
	case stateIdle:
		h.arm(ctx, tr, container, v, nowNS)
	case stateArmed:
		if tr.armed != nil && tr.armed.ruleName == v.RuleName && tr.armed.subject == v.Subject {
			tr.armed.lastSeenNS = nowNS
		}
	case stateActing:
		// Already dispatching an action for this target; drop.
		h.count("action_in_flight")
	}
}

// arm enters Armed and starts the non-blocking grace-period timer.
func (h *Handler) arm(ctx context.Context, tr *targetRecord, container string, v model.Violation, nowNS int64) {
	graceCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	tr.state = stateArmed
	tr.armed = &armedWait{ruleName: v.RuleName, subject: v.Subject, armedAtNS: nowNS, lastSeenNS: nowNS, cancel: cancel}
	h.mu.Unlock()

	grace := time.Duration(h.policy.GracePeriodSecs * float64(time.Second))
	go func() {
		select {
		case <-graceCtx.Done():
			return
		case <-time.After(grace):
		}
		h.onGraceElapsed(ctx, tr, container, v)
	}()
}

// onGraceElapsed re-checks the "still violating" predicate: at least
// one further Violation(rule_name, subject) must have been observed
// within the grace window, otherwise the arm is cancelled (flap
// protection, §4.6).
func (h *Handler) onGraceElapsed(ctx context.Context, tr *targetRecord, container string, v model.Violation) {
	h.mu.Lock()
	armed := tr.armed
	if armed == nil || tr.state != stateArmed {
		h.mu.Unlock()
		return
	}
	stillViolating := armed.lastSeenNS > armed.armedAtNS
	h.mu.Unlock()

	if !stillViolating {
		h.mu.Lock()
		tr.state = stateIdle
		tr.armed = nil
		h.mu.Unlock()
		h.count("armed_cancelled_flap")
		return
	}

	h.act(ctx, tr, container, v)
}

// act runs the remaining decision steps (rate limit, action
// resolution, dispatch, ActionRecord) once a violation has survived
// its grace period.
func (h *Handler) act(ctx context.Context, tr *targetRecord, container string, v model.Violation) {
	nowNS := time.Now().UnixNano()

	h.mu.Lock()
	tr.actionsThisHour = trimToLastHour(tr.actionsThisHour, nowNS)
	if len(tr.actionsThisHour) >= h.policy.MaxActionsPerHour {
		tr.state = stateIdle
		tr.armed = nil
		h.mu.Unlock()
		h.count("rate_limited_hourly")
		return
	}
	tr.state = stateActing
	h.mu.Unlock()

	action := h.policy.DefaultAction
	if override, ok := h.policy.RuleActionOverrides[v.RuleName]; ok {
		action = override
	}

	result := h.rt.Invoke(ctx, action, container)

	h.mu.Lock()
	tr.state = stateCooling
	tr.coolingUntil = nowNS + int64(h.policy.CooldownSecs*1e9)
	tr.actionsThisHour = append(tr.actionsThisHour, nowNS)
	tr.armed = nil
	h.mu.Unlock()

	h.recordAction(model.ActionRecord{
		TimestampNS: uint64(nowNS),
		RuleName:    v.RuleName,
		Subject:     v.Subject,
		ActionTaken: action,
		Result:      result,
	})
	h.count(string(result.Kind))
}

func trimToLastHour(ts []int64, nowNS int64) []int64 {
	cutoff := nowNS - int64(time.Hour)
	i := 0
	for ; i < len(ts); i++ {
		if ts[i] >= cutoff {
			break
		}
	}
	return ts[i:]
}

func (h *Handler) recordAction(r model.ActionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, r)
	if len(h.history) > historyCap {
		h.history = h.history[len(h.history)-historyCap:]
	}
}

func (h *Handler) count(outcome string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters[outcome]++
}

// RuntimeAvailable reports whether the configured container runtime
// binary can be resolved and passes integrity verification (§7
// RuntimeUnavailable gate, checked once at startup in enforce mode).
func (h *Handler) RuntimeAvailable() bool {
	return h.rt.Available()
}

// History returns the bounded ActionRecord ring, most recent last.
func (h *Handler) History() []model.ActionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ActionRecord(nil), h.history...)
}

// Counters returns a copy of the per-outcome decision counters (§4.6
// observability: every decision, including drops, is counted).
func (h *Handler) Counters() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]uint64, len(h.counters))
	for k, v := range h.counters {
		out[k] = v
	}
	return out
}
