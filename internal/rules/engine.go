// Package rules implements the Rule Engine (C5): a static, closed set
// of detector kinds evaluated against Process Context and System
// Snapshots, emitting deduplicated Violations.
package rules

import (
	"fmt"
	"sync"

	"github.com/linnix-io/linnix-core/internal/corelog"
	"github.com/linnix-io/linnix-core/internal/model"
)

// maxConsecutiveErrors quarantines a detector after this many panics in
// a row (§7 RuleError).
const maxConsecutiveErrors = 3

// Snapshot bundles the inputs a detector reads: the process table, the
// system-wide signals, and the PSI sliding windows. Kept as one type
// so Engine.Evaluate has a single, stable parameter.
type Snapshot struct {
	Processes *model.Snapshot
	System    model.SystemSnapshot
	PSICPU    *model.PSIWindow
	PSIMem    *model.PSIWindow
}

type detectorState struct {
	consecutiveErrors int
	quarantined       bool
	lastEmitNS        map[model.Subject]uint64 // cooldown clock per subject
	sustainSinceNS    map[uint32]uint64         // cpu_sustained: pid -> first-over-threshold ns
}

// Engine evaluates a loaded rule set against successive Snapshots.
type Engine struct {
	log *corelog.Logger

	mu    sync.Mutex
	rules []model.Rule
	state map[string]*detectorState // keyed by rule name

	suppressionsTotal uint64
	ruleErrorsTotal   map[string]uint64
}

// NewEngine creates an Engine from an already-loaded, validated rule
// set (see LoadFile for loading from YAML).
func NewEngine(rs []model.Rule) *Engine {
	e := &Engine{
		log:             corelog.New("rules"),
		rules:           rs,
		state:           make(map[string]*detectorState, len(rs)),
		ruleErrorsTotal: make(map[string]uint64),
	}
	for _, r := range rs {
		e.state[r.Name] = &detectorState{
			lastEmitNS:     make(map[model.Subject]uint64),
			sustainSinceNS: make(map[uint32]uint64),
		}
	}
	return e
}

// Evaluate runs every non-quarantined rule against snap and returns the
// Violations not suppressed by cooldown. Declaration order is preserved
// for severity tie-breaking downstream (§4.5).
func (e *Engine) Evaluate(snap Snapshot) []model.Violation {
	var out []model.Violation
	now := snap.System.TimestampNS

	for _, r := range e.rules {
		e.mu.Lock()
		st := e.state[r.Name]
		quarantined := st.quarantined
		errsBefore := e.ruleErrorsTotal[r.Name]
		e.mu.Unlock()
		if quarantined {
			continue
		}

		vs := e.runDetector(r, snap, now)
		e.mu.Lock()
		if e.ruleErrorsTotal[r.Name] == errsBefore {
			st.consecutiveErrors = 0
		}
		e.mu.Unlock()
		for _, v := range vs {
			if e.shouldEmit(r, st, v.Subject, now) {
				out = append(out, v)
			}
		}
	}
	return out
}

// runDetector invokes the detector for r, isolating panics per §7 so
// one bad rule never takes down evaluation of the rest.
func (e *Engine) runDetector(r model.Rule, snap Snapshot, now uint64) (vs []model.Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			e.recordError(r.Name, fmt.Errorf("detector panic: %v", rec))
			vs = nil
		}
	}()

	switch r.Kind {
	case model.KindForksRate:
		return detectForksRate(r, snap, now)
	case model.KindExecFlood:
		return detectExecFlood(r, snap, now)
	case model.KindCPUSustain:
		return e.detectCPUSustained(r, snap, now)
	case model.KindRSSGrowth:
		return detectRSSGrowth(r, snap, now)
	case model.KindPSICPU:
		return detectPSI(r, snap.PSICPU, model.Subject{Kind: model.SubjectSystem}, now)
	case model.KindPSIMem:
		return detectPSI(r, snap.PSIMem, model.Subject{Kind: model.SubjectSystem}, now)
	case model.KindFanout:
		return detectFanout(r, snap, now)
	default:
		e.recordError(r.Name, fmt.Errorf("unknown rule kind %q", r.Kind))
		return nil
	}
}

func (e *Engine) recordError(ruleName string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleErrorsTotal[ruleName]++
	st := e.state[ruleName]
	st.consecutiveErrors++
	if st.consecutiveErrors >= maxConsecutiveErrors {
		st.quarantined = true
		e.log.Printf("rule %q quarantined after %d consecutive errors: %v", ruleName, st.consecutiveErrors, err)
		return
	}
	e.log.Printf("rule %q error (%d/%d): %v", ruleName, st.consecutiveErrors, maxConsecutiveErrors, err)
}

// shouldEmit applies the (rule_name, subject) cooldown gate (P4). A
// successful detector run resets consecutiveErrors to 0.
func (e *Engine) shouldEmit(r model.Rule, st *detectorState, subject model.Subject, now uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st.consecutiveErrors = 0

	cooldownNS := uint64(r.CooldownSecs * 1e9)
	last, ok := st.lastEmitNS[subject]
	if ok && now-last < cooldownNS {
		e.suppressionsTotal++
		return false
	}
	st.lastEmitNS[subject] = now
	return true
}

// RuleErrorsTotal returns the per-rule RuleError counter.
func (e *Engine) RuleErrorsTotal() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint64, len(e.ruleErrorsTotal))
	for k, v := range e.ruleErrorsTotal {
		out[k] = v
	}
	return out
}

// SuppressionsTotal returns the total count of cooldown-suppressed
// emissions across all rules.
func (e *Engine) SuppressionsTotal() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressionsTotal
}
