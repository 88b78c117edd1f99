// Package orchestrator binds the event log, policy engine, budget manager,
// and clock into four client-facing operations: StartRun, SubmitTask,
// StreamEvents, FetchResult. It sequences, governs, and durably logs
// arbitrary multi-agent envelopes across a run.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"orca.dev/orca/budget"
	"orca.dev/orca/clock"
	"orca.dev/orca/envelope"
	"orca.dev/orca/eventlog"
	"orca.dev/orca/policy"
	"orca.dev/orca/telemetry"
)

// runState is the in-memory projection of one run's WAL history, kept only
// for operations that would otherwise require a full replay: dedup,
// terminal status, and the most recent result.
type runState struct {
	mu          sync.Mutex
	workflowID  string
	seen        map[string]envelope.Envelope
	terminal    bool
	lastResult  *envelope.Envelope
	lastSummary *eventlog.RunSummaryPayload
}

// Options configures an Orchestrator. Events is required; the rest default
// to a fail-closed policy engine, an unbounded budget manager, a system
// clock, and no-op telemetry.
type Options struct {
	Events  eventlog.Store
	Policy  *policy.Engine
	Budgets *budget.Manager
	Clock   clock.Clock
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Bus     *Bus
}

// Orchestrator is the process-wide coordinator for run lifecycle. The zero
// value is not usable; construct with New and call Recover before serving
// any operation.
type Orchestrator struct {
	events  eventlog.Store
	policy  *policy.Engine
	budgets *budget.Manager
	clock   clock.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics
	bus     *Bus

	mu               sync.Mutex
	recovered        bool
	runByInitialTask map[string]string
	runs             map[string]*runState
}

// New constructs an Orchestrator from opts. Recover must be called once
// before StartRun/SubmitTask/StreamEvents/FetchResult will serve requests.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		events:           opts.Events,
		policy:           opts.Policy,
		budgets:          opts.Budgets,
		clock:            opts.Clock,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		bus:              opts.Bus,
		runByInitialTask: make(map[string]string),
		runs:             make(map[string]*runState),
	}
	if o.policy == nil {
		o.policy = policy.NewEngine(nil) // no ruleset loaded: fail-closed
	}
	if o.budgets == nil {
		o.budgets = budget.NewManager()
	}
	if o.clock == nil {
		o.clock = clock.NewSystem()
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.bus == nil {
		o.bus = NewBus(o.logger)
	}
	return o
}

// Subscribe registers sink to receive every WAL record appended from this
// point forward, across all runs. Pair with StreamEvents from a known
// offset to also obtain history.
func (o *Orchestrator) Subscribe(sink Sink) Subscription {
	return o.bus.Subscribe(sink)
}

func (o *Orchestrator) isRecovered() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recovered
}

// runStateFor returns the run's in-memory state, or nil if unknown.
func (o *Orchestrator) runStateFor(runID string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[runID]
}

func inputFromEnvelope(env envelope.Envelope) policy.Input {
	return policy.Input{
		EnvelopeID:  env.ID,
		Agent:       env.Agent,
		Kind:        policy.EnvelopeKind(env.Kind),
		ToolName:    extractToolName(env),
		PayloadJSON: env.PayloadJSON,
	}
}

// extractToolName best-effort extracts a "tool_name" field from a
// tool_invocation envelope's payload_json, for policy allowlist matching.
// Envelopes of any other kind, or a payload that doesn't decode this way,
// yield an empty tool name.
func extractToolName(env envelope.Envelope) string {
	if env.Kind != envelope.KindToolInvocation {
		return ""
	}
	var probe struct {
		ToolName string `json:"tool_name"`
	}
	if err := json.Unmarshal([]byte(env.PayloadJSON), &probe); err != nil {
		return ""
	}
	return probe.ToolName
}

// appendPolicyAudit persists a sanitized record of a non-allow decision.
// Failures are logged, not returned: an audit append failure must not
// unwind an otherwise-successful operation that already decided its
// outcome.
func (o *Orchestrator) appendPolicyAudit(ctx context.Context, runID, workflowID string, env envelope.Envelope, decision policy.Decision) {
	payload := eventlog.PolicyAuditPayload{
		WorkflowID:   workflowID,
		EnvelopeID:   env.ID,
		Agent:        env.Agent,
		EnvelopeKind: string(env.Kind),
		TraceID:      env.TraceID,
		RuleName:     decision.RuleName,
		Action:       string(decision.Action),
		Reason:       policy.SanitizedReason(decision.Reason),
		Outcome:      string(decision.Outcome()),
	}
	o.appendRecord(ctx, runID, eventlog.EventPolicyAudit, payload)
}

// appendRecord marshals payload into a Record stamped with the
// orchestrator's clock and appends it, logging (not returning) any
// failure. Used for secondary, non-acceptance-gating events: audit trail,
// usage accounting, run summaries.
func (o *Orchestrator) appendRecord(ctx context.Context, runID string, eventType eventlog.EventType, payload any) {
	rec, err := eventlog.NewRecord(0, uint64(o.clock.NowMillis()), runID, eventType, payload)
	if err != nil {
		o.logger.Error(ctx, "orchestrator: marshal record failed", "event_type", string(eventType), "error", err)
		return
	}
	appended, err := o.events.Append(ctx, rec)
	if err != nil {
		o.logger.Error(ctx, "orchestrator: append record failed", "event_type", string(eventType), "error", err)
		return
	}
	o.bus.publish(ctx, appended)
}

// appendRecordErr is like appendRecord but surfaces the failure, for
// events on the acceptance-gating path (start_run, task_enqueued): a
// client must see an internal error rather than a silently-dropped
// acceptance.
func (o *Orchestrator) appendRecordErr(ctx context.Context, runID string, eventType eventlog.EventType, payload any) error {
	rec, err := eventlog.NewRecord(0, uint64(o.clock.NowMillis()), runID, eventType, payload)
	if err != nil {
		return errInternal("marshal %s: %s", eventType, err)
	}
	appended, err := o.events.Append(ctx, rec)
	if err != nil {
		return errInternal("append %s: %s", eventType, err)
	}
	o.bus.publish(ctx, appended)
	return nil
}

func newRunID() string {
	return uuid.NewString()
}
