// Package policy implements the deterministic governance engine: a
// stateless-per-call evaluator over a loaded ruleset that classifies one
// envelope into an allow/deny/modify/allow_but_flag Decision.
package policy

import (
	"regexp"
)

// Action is the outcome of evaluating a rule or the engine as a whole.
type Action string

const (
	ActionAllow        Action = "allow"
	ActionDeny         Action = "deny"
	ActionModify       Action = "modify"
	ActionAllowButFlag Action = "allow_but_flag"
)

// restrictiveness orders actions for most-restrictive-wins tiebreaks;
// higher is more restrictive.
var restrictiveness = map[Action]int{
	ActionDeny:         3,
	ActionModify:       2,
	ActionAllowButFlag: 1,
	ActionAllow:        0,
}

// Decision is the result of evaluating the engine against one envelope.
type Decision struct {
	RuleName        string `json:"rule_name"`
	Action          Action `json:"action"`
	Reason          string `json:"reason"`
	Priority        int32  `json:"priority"`
	ModifiedPayload string `json:"modified_payload,omitempty"`
}

// Phase identifies where in the orchestrator's request flow a Decision was
// produced, for observer reporting.
type Phase string

const (
	PhasePreStartRun    Phase = "pre_start_run"
	PhasePreSubmitTask  Phase = "pre_submit_task"
	PhasePostSubmitTask Phase = "post_submit_task"
)

// Observer receives a tuple for every non-allow decision. Implementations
// must not block the calling goroutine for long; values are low-cardinality
// and safe to aggregate into a counter.
type Observer interface {
	Observe(phase Phase, action Action, ruleName string)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(phase Phase, action Action, ruleName string)

// Observe implements Observer.
func (f ObserverFunc) Observe(phase Phase, action Action, ruleName string) { f(phase, action, ruleName) }

// EnvelopeKind mirrors envelope.Kind without importing the envelope package,
// keeping policy evaluable against any caller's representation of "kind".
type EnvelopeKind string

// Input is the envelope-shaped data the engine evaluates. Callers populate
// it from an envelope.Envelope.
type Input struct {
	EnvelopeID  string
	Agent       string
	Kind        EnvelopeKind
	ToolName    string
	PayloadJSON string
}

var ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

const piiRuleName = "builtin_redact_pii"

// redactPII returns the payload with SSN-like substrings replaced, and
// whether any redaction occurred.
func redactPII(payload string) (string, bool) {
	if !ssnPattern.MatchString(payload) {
		return payload, false
	}
	return ssnPattern.ReplaceAllString(payload, "[redacted-ssn]"), true
}
