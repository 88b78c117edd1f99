// Package envelope defines the unit of work exchanged with the orchestrator:
// tasks, results, errors, and tool invocations that reference a run.
package envelope

import "fmt"

// Kind discriminates the role an Envelope plays in a run. The set is closed
// so callers can exhaustively switch on it; canonical wire form is
// snake_case (e.g. "agent_result"), never the lowercased concatenation
// ("agentresult") an earlier implementation mistakenly produced.
type Kind string

const (
	// KindAgentTask is work dispatched to an agent.
	KindAgentTask Kind = "agent_task"
	// KindAgentResult is a terminal success response from an agent.
	KindAgentResult Kind = "agent_result"
	// KindAgentError is a terminal failure response from an agent.
	KindAgentError Kind = "agent_error"
	// KindToolInvocation is a tool call made on behalf of an agent.
	KindToolInvocation Kind = "tool_invocation"
)

// Valid reports whether k is one of the closed set of known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAgentTask, KindAgentResult, KindAgentError, KindToolInvocation:
		return true
	default:
		return false
	}
}

// CurrentProtocolVersion is the only protocol_version this build accepts.
// Unknown versions are rejected at ingress.
const CurrentProtocolVersion = 1

// Usage reports LLM/tool consumption attached to an envelope.
type Usage struct {
	Tokens     uint64 `json:"tokens"`
	CostMicros uint64 `json:"cost_micros"`
}

// Envelope is the unit of work submitted to or emitted by the orchestrator.
//
// Field order is preserved on the wire: id, parent_id, trace_id, run_id,
// agent, kind, payload_json, timeout_ms, protocol_version, ts_ms, usage.
type Envelope struct {
	ID              string `json:"id"`
	ParentID        string `json:"parent_id,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
	RunID           string `json:"run_id,omitempty"`
	Agent           string `json:"agent"`
	Kind            Kind   `json:"kind"`
	PayloadJSON     string `json:"payload_json"`
	TimeoutMillis   uint64 `json:"timeout_ms,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	TSMillis        uint64 `json:"ts_ms"`
	Usage           *Usage `json:"usage,omitempty"`
}

// Validate checks the structural invariants the orchestrator enforces on
// ingress: a non-empty id, a known kind, and a known protocol version. It
// does not validate payload_json contents — that is the policy engine's job.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("envelope: nil")
	}
	if e.ID == "" {
		return fmt.Errorf("envelope: id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	if e.ProtocolVersion != CurrentProtocolVersion {
		return fmt.Errorf("envelope: unsupported protocol_version %d", e.ProtocolVersion)
	}
	return nil
}
