package orchestrator

import (
	"context"

	"orca.dev/orca/budget"
	"orca.dev/orca/envelope"
	"orca.dev/orca/eventlog"
	"orca.dev/orca/policy"
)

// StartRun validates initialTask, assigns a run_id, seeds caps (nil means
// unbounded), and runs the pre_start_run policy hook. On allow (or
// modify/allow_but_flag) it appends start_run then task_enqueued and
// returns the new run_id. On deny it appends policy_audit and returns a
// permission-denied error; no run is created.
//
// StartRun is idempotent on initialTask.ID: a repeated call with the same
// initial task ID returns the original run_id and performs no WAL writes
// or policy/budget evaluation.
func (o *Orchestrator) StartRun(ctx context.Context, workflowID string, initialTask envelope.Envelope, caps *budget.Caps) (string, error) {
	if !o.isRecovered() {
		o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "unavailable")
		return "", errUnavailable("recovery in progress")
	}
	if err := initialTask.Validate(); err != nil {
		o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "invalid_argument")
		return "", errInvalidArgument("%s", err)
	}

	o.mu.Lock()
	if existing, ok := o.runByInitialTask[initialTask.ID]; ok {
		o.mu.Unlock()
		o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "dedup")
		return existing, nil
	}
	o.mu.Unlock()

	runID := newRunID()

	decision := o.policy.Decide(ctx, policy.PhasePreStartRun, inputFromEnvelope(initialTask))
	if decision.Action == policy.ActionDeny {
		o.appendPolicyAudit(ctx, runID, workflowID, initialTask, decision)
		o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "denied")
		return "", errPermissionDenied("start_run denied: %s", decision.Reason)
	}
	if decision.Action == policy.ActionModify {
		initialTask.PayloadJSON = decision.ModifiedPayload
	}

	initialTask.RunID = runID
	initialTask.TSMillis = uint64(o.clock.NowMillis())

	if caps == nil {
		caps = &budget.Caps{}
	}
	o.budgets.SetBudget(runID, *caps)

	startPayload := eventlog.StartRunPayload{WorkflowID: workflowID, InitialTask: initialTask}
	if caps.MaxTokens > 0 {
		startPayload.MaxTokens = &caps.MaxTokens
	}
	if caps.MaxCostMicros > 0 {
		startPayload.MaxCostMicros = &caps.MaxCostMicros
	}
	if err := o.appendRecordErr(ctx, runID, eventlog.EventStartRun, startPayload); err != nil {
		o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "internal")
		return "", err
	}
	if err := o.appendRecordErr(ctx, runID, eventlog.EventTaskEnqueued, eventlog.TaskEnqueuedPayload{Envelope: initialTask}); err != nil {
		o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "internal")
		return "", err
	}

	o.mu.Lock()
	o.runByInitialTask[initialTask.ID] = runID
	o.runs[runID] = &runState{
		workflowID: workflowID,
		seen:       map[string]envelope.Envelope{initialTask.ID: initialTask},
	}
	o.mu.Unlock()

	if decision.Action != policy.ActionAllow {
		o.appendPolicyAudit(ctx, runID, workflowID, initialTask, decision)
	}

	o.metrics.IncCounter("orchestrator.start_run.count", 1, "outcome", "accepted")
	return runID, nil
}
