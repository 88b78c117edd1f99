package policy

import (
	"context"
	"strings"
	"sync/atomic"
)

// KindToolInvocation mirrors envelope.KindToolInvocation without importing
// the envelope package.
const KindToolInvocation EnvelopeKind = "tool_invocation"

// Engine is a deterministic, stateless-per-call governance evaluator. The
// zero value is not usable; construct with NewEngine. Engine never panics:
// a classification error is reported as a deny decision with
// reason "engine_error", never as a Go panic or error return.
type Engine struct {
	ruleset  atomic.Pointer[RuleSet]
	loaded   atomic.Bool
	observer Observer
}

// NewEngine returns an Engine with no ruleset loaded. Until Load succeeds,
// Decide fail-closes: every non-builtin decision is a deny.
func NewEngine(observer Observer) *Engine {
	return &Engine{observer: observer}
}

// Load atomically swaps in a new ruleset. Concurrent Decide calls either see
// the old or the new ruleset in full, never a partial one.
func (e *Engine) Load(rs *RuleSet) {
	e.ruleset.Store(rs)
	e.loaded.Store(rs != nil)
}

// Decide evaluates in, the fixed four-step order below, and reports the
// result to the configured Observer when the outcome is not a plain allow.
//
//  1. Built-in PII redaction: an SSN-like pattern in the payload always
//     yields a modify decision attributed to "builtin_redact_pii",
//     regardless of whether a ruleset is loaded.
//  2. Fail-closed gate: no ruleset loaded ⇒ deny.
//  3. Tool allowlist: a tool_invocation naming a tool absent from the
//     allowlist ⇒ deny.
//  4. Rule evaluation: among matching rules, the highest priority wins;
//     ties break by most-restrictive action, then by first-match order.
func (e *Engine) Decide(_ context.Context, phase Phase, in Input) Decision {
	decision := e.decide(phase, in)
	if decision.Action != ActionAllow && e.observer != nil {
		e.observer.Observe(phase, decision.Action, decision.RuleName)
	}
	return decision
}

func (e *Engine) decide(phase Phase, in Input) Decision {
	if redacted, changed := redactPII(in.PayloadJSON); changed {
		return Decision{RuleName: piiRuleName, Action: ActionModify, Reason: "ssn redacted", ModifiedPayload: redacted}
	}

	if !e.loaded.Load() {
		return Decision{RuleName: "fail_closed", Action: ActionDeny, Reason: "no ruleset loaded"}
	}
	rs := e.ruleset.Load()
	if rs == nil {
		return Decision{RuleName: "fail_closed", Action: ActionDeny, Reason: "no ruleset loaded"}
	}

	if in.Kind == KindToolInvocation {
		tool := strings.ToLower(strings.TrimSpace(in.ToolName))
		if _, ok := rs.ToolAllowlist[tool]; !ok {
			return Decision{RuleName: "tool_allowlist", Action: ActionDeny, Reason: "tool not in allowlist"}
		}
	}

	return evaluateRules(rs.Rules, in, phase)
}

// evaluateRules selects the winning rule among those matching in: highest
// priority wins; ties break by most-restrictive action; remaining ties
// break by first-match (declaration) order.
func evaluateRules(rules []Rule, in Input, _ Phase) Decision {
	var best *Rule
	for i := range rules {
		r := &rules[i]
		if !r.Match.matches(in) {
			continue
		}
		switch {
		case best == nil:
			best = r
		case r.Priority > best.Priority:
			best = r
		case r.Priority == best.Priority && restrictiveness[r.Action] > restrictiveness[best.Action]:
			best = r
		}
	}

	if best == nil {
		return Decision{RuleName: "default_allow", Action: ActionAllow, Priority: 0}
	}

	decision := Decision{RuleName: best.Name, Action: best.Action, Priority: best.Priority, Reason: "rule matched"}
	if best.Action == ActionModify && best.transformRegex != nil {
		decision.ModifiedPayload = best.transformRegex.ReplaceAllString(in.PayloadJSON, "")
	}
	return decision
}
