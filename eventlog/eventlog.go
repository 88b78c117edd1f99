// Package eventlog implements the append-only, ordered, durable WAL V2
// record store that is the canonical source of truth for run replay.
//
// Records are typed and struct-ordered: maps are never used in the payload
// representation, so serialization is byte-identical across processes and
// platforms for a given typed payload. Backends (fs, mongo, inmem) share
// this package's types and the Store contract; they differ only in how
// records are durably persisted.
package eventlog

import (
	"encoding/json"
	"fmt"

	"orca.dev/orca/envelope"
)

// EventType discriminates the payload carried by a Record. The set is closed
// to enable exhaustive matching and a stable wire/log encoding.
type EventType string

const (
	EventStartRun       EventType = "start_run"
	EventTaskEnqueued   EventType = "task_enqueued"
	EventTaskRejected   EventType = "task_rejected"
	EventUsageUpdate    EventType = "usage_update"
	EventBudgetWarn     EventType = "budget_warn"
	EventBudgetExceeded EventType = "budget_exceeded"
	EventPolicyAudit    EventType = "policy_audit"
	EventRunSummary     EventType = "run_summary"
	EventArtifactStored EventType = "artifact_stored"
)

type (
	// StartRunPayload records the run's creation.
	StartRunPayload struct {
		WorkflowID    string            `json:"workflow_id"`
		InitialTask   envelope.Envelope `json:"initial_task"`
		MaxTokens     *uint64           `json:"max_tokens,omitempty"`
		MaxCostMicros *uint64           `json:"max_cost_micros,omitempty"`
	}

	// TaskEnqueuedPayload records a validated, accepted envelope.
	TaskEnqueuedPayload struct {
		Envelope envelope.Envelope `json:"envelope"`
	}

	// TaskRejectedPayload records a rejected submission with a reason code.
	TaskRejectedPayload struct {
		EnvelopeID string `json:"envelope_id"`
		ReasonCode string `json:"reason_code"`
		Reason     string `json:"reason"`
	}

	// UsageUpdatePayload records a cumulative usage increment.
	UsageUpdatePayload struct {
		EnvelopeID      string `json:"envelope_id"`
		Agent           string `json:"agent"`
		Tokens          uint64 `json:"tokens"`
		CostMicros      uint64 `json:"cost_micros"`
		TotalTokens     uint64 `json:"total_tokens"`
		TotalCostMicros uint64 `json:"total_cost_micros"`
	}

	// BudgetWarnPayload records the first crossing of 80% of a budget
	// dimension for a run.
	BudgetWarnPayload struct {
		Dimension string `json:"dimension"`
		Used      uint64 `json:"used"`
		Cap       uint64 `json:"cap"`
	}

	// BudgetExceededPayload records the first crossing of a budget cap.
	BudgetExceededPayload struct {
		Dimension string `json:"dimension"`
		Used      uint64 `json:"used"`
		Cap       uint64 `json:"cap"`
	}

	// PolicyAuditPayload is a sanitized record of a non-allow policy decision.
	// It never carries raw payload or credentials; Reason has SSN-like
	// patterns redacted in-line.
	PolicyAuditPayload struct {
		WorkflowID   string `json:"workflow_id"`
		EnvelopeID   string `json:"envelope_id"`
		Agent        string `json:"agent"`
		EnvelopeKind string `json:"envelope_kind"`
		TraceID      string `json:"trace_id"`
		RuleName     string `json:"rule_name"`
		Action       string `json:"action"`
		Reason       string `json:"reason"`
		Outcome      string `json:"outcome"`
	}

	// RunSummaryPayload records the terminal state of a run.
	RunSummaryPayload struct {
		Status          string          `json:"status"`
		TotalTokens     uint64          `json:"total_tokens"`
		TotalCostMicros uint64          `json:"total_cost_micros"`
		FinalResult     json.RawMessage `json:"final_result,omitempty"`
	}

	// ArtifactStoredPayload records a blob put completing.
	ArtifactStoredPayload struct {
		SHA256    string `json:"sha256"`
		SizeBytes int64  `json:"size_bytes"`
		MIME      string `json:"mime"`
	}
)

// Record is a single immutable WAL V2 entry. Field order — EventID, TSMillis,
// RunID, EventType, Payload — is normative and mirrored by every encoder.
type Record struct {
	EventID   uint64          `json:"event_id"`
	TSMillis  uint64          `json:"ts_ms"`
	RunID     string          `json:"run_id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRecord marshals a typed payload into a Record. EventID is assigned by
// the Store on Append; callers pass 0.
func NewRecord(eventID, tsMillis uint64, runID string, eventType EventType, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: marshal payload: %w", err)
	}
	return Record{
		EventID:   eventID,
		TSMillis:  tsMillis,
		RunID:     runID,
		EventType: eventType,
		Payload:   raw,
	}, nil
}

// DecodeStartRun unmarshals r.Payload as StartRunPayload.
func (r Record) DecodeStartRun() (StartRunPayload, error) {
	var p StartRunPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeTaskEnqueued unmarshals r.Payload as TaskEnqueuedPayload.
func (r Record) DecodeTaskEnqueued() (TaskEnqueuedPayload, error) {
	var p TaskEnqueuedPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeTaskRejected unmarshals r.Payload as TaskRejectedPayload.
func (r Record) DecodeTaskRejected() (TaskRejectedPayload, error) {
	var p TaskRejectedPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeUsageUpdate unmarshals r.Payload as UsageUpdatePayload.
func (r Record) DecodeUsageUpdate() (UsageUpdatePayload, error) {
	var p UsageUpdatePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeBudgetWarn unmarshals r.Payload as BudgetWarnPayload.
func (r Record) DecodeBudgetWarn() (BudgetWarnPayload, error) {
	var p BudgetWarnPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeBudgetExceeded unmarshals r.Payload as BudgetExceededPayload.
func (r Record) DecodeBudgetExceeded() (BudgetExceededPayload, error) {
	var p BudgetExceededPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodePolicyAudit unmarshals r.Payload as PolicyAuditPayload.
func (r Record) DecodePolicyAudit() (PolicyAuditPayload, error) {
	var p PolicyAuditPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeRunSummary unmarshals r.Payload as RunSummaryPayload.
func (r Record) DecodeRunSummary() (RunSummaryPayload, error) {
	var p RunSummaryPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeArtifactStored unmarshals r.Payload as ArtifactStoredPayload.
func (r Record) DecodeArtifactStored() (ArtifactStoredPayload, error) {
	var p ArtifactStoredPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}
