package orchestrator

import (
	"context"

	"orca.dev/orca/budget"
	"orca.dev/orca/envelope"
	"orca.dev/orca/eventlog"
	"orca.dev/orca/policy"
)

// SubmitTask validates task against run_id, dedups on task.ID, enforces
// the run's budget and timeout_ms, runs the pre/post_submit_task policy
// hooks, and appends task_enqueued (plus usage_update and any
// budget_warn/budget_exceeded) to the WAL. It returns the accepted
// envelope as actually logged (payload possibly modified by policy).
func (o *Orchestrator) SubmitTask(ctx context.Context, runID string, task envelope.Envelope) (envelope.Envelope, error) {
	if !o.isRecovered() {
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "unavailable")
		return envelope.Envelope{}, errUnavailable("recovery in progress")
	}
	if err := task.Validate(); err != nil {
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "invalid_argument")
		return envelope.Envelope{}, errInvalidArgument("%s", err)
	}

	rs := o.runStateFor(runID)
	if rs == nil {
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "invalid_argument")
		return envelope.Envelope{}, errInvalidArgument("unknown run %q", runID)
	}

	rs.mu.Lock()
	if existing, ok := rs.seen[task.ID]; ok {
		rs.mu.Unlock()
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "dedup")
		return existing, nil
	}
	rs.mu.Unlock()

	if o.budgets.IsExceeded(runID) {
		o.appendRecord(ctx, runID, eventlog.EventTaskRejected, eventlog.TaskRejectedPayload{
			EnvelopeID: task.ID, ReasonCode: CodeResourceExhausted, Reason: "run budget already exceeded",
		})
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "resource_exhausted")
		return envelope.Envelope{}, errResourceExhausted("budget exceeded for run %q", runID)
	}

	preDecision := o.policy.Decide(ctx, policy.PhasePreSubmitTask, inputFromEnvelope(task))
	if preDecision.Action == policy.ActionDeny {
		o.appendPolicyAudit(ctx, runID, rs.workflowID, task, preDecision)
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "denied")
		return envelope.Envelope{}, errPermissionDenied("submit_task denied: %s", preDecision.Reason)
	}
	if preDecision.Action == policy.ActionModify {
		task.PayloadJSON = preDecision.ModifiedPayload
	}

	clientTS := task.TSMillis
	now := uint64(o.clock.NowMillis())
	if task.TimeoutMillis > 0 && now > clientTS && now-clientTS > task.TimeoutMillis {
		o.appendRecord(ctx, runID, eventlog.EventTaskRejected, eventlog.TaskRejectedPayload{
			EnvelopeID: task.ID, ReasonCode: CodeDeadlineExceeded, Reason: "timeout_ms exceeded before ingress",
		})
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "deadline_exceeded")
		return envelope.Envelope{}, errDeadlineExceeded("task %q exceeded timeout_ms=%d before ingress", task.ID, task.TimeoutMillis)
	}

	task.RunID = runID
	task.TSMillis = now

	if err := o.appendRecordErr(ctx, runID, eventlog.EventTaskEnqueued, eventlog.TaskEnqueuedPayload{Envelope: task}); err != nil {
		o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "internal")
		return envelope.Envelope{}, err
	}

	rs.mu.Lock()
	rs.seen[task.ID] = task
	if task.Kind == envelope.KindAgentResult || task.Kind == envelope.KindAgentError {
		result := task
		rs.lastResult = &result
	}
	rs.mu.Unlock()

	if preDecision.Action != policy.ActionAllow {
		o.appendPolicyAudit(ctx, runID, rs.workflowID, task, preDecision)
	}

	if task.Usage != nil {
		o.recordUsage(ctx, runID, task)
	}

	postDecision := o.policy.Decide(ctx, policy.PhasePostSubmitTask, inputFromEnvelope(task))
	if postDecision.Action != policy.ActionAllow {
		o.appendPolicyAudit(ctx, runID, rs.workflowID, task, postDecision)
	}

	o.metrics.IncCounter("orchestrator.submit_task.count", 1, "outcome", "accepted")
	return task, nil
}

// recordUsage adds task's usage hint to the run's budget, appends
// usage_update, and appends budget_warn and/or budget_exceeded on
// threshold crossing. A single usage update can cross both the warn line
// and the cap for a dimension at once; when it does, budget_warn is
// appended before budget_exceeded. Failures are logged, not returned:
// usage accounting never unwinds an already-accepted task.
func (o *Orchestrator) recordUsage(ctx context.Context, runID string, task envelope.Envelope) {
	warnDimension, exceededDimension := o.budgets.AddUsage(runID, task.Agent, task.Usage.Tokens, task.Usage.CostMicros)
	total, _ := o.budgets.Snapshot(runID)

	o.appendRecord(ctx, runID, eventlog.EventUsageUpdate, eventlog.UsageUpdatePayload{
		EnvelopeID:      task.ID,
		Agent:           task.Agent,
		Tokens:          task.Usage.Tokens,
		CostMicros:      task.Usage.CostMicros,
		TotalTokens:     total.Tokens,
		TotalCostMicros: total.CostMicros,
	})

	if warnDimension == "" && exceededDimension == "" {
		return
	}
	caps, _ := o.budgets.Caps(runID)

	if warnDimension != "" {
		used, capValue := thresholdUsedCap(total, caps, warnDimension)
		o.appendRecord(ctx, runID, eventlog.EventBudgetWarn, eventlog.BudgetWarnPayload{Dimension: warnDimension, Used: used, Cap: capValue})
	}
	if exceededDimension != "" {
		used, capValue := thresholdUsedCap(total, caps, exceededDimension)
		o.appendRecord(ctx, runID, eventlog.EventBudgetExceeded, eventlog.BudgetExceededPayload{Dimension: exceededDimension, Used: used, Cap: capValue})
	}
}

func thresholdUsedCap(total budget.Usage, caps budget.Caps, dimension string) (used, capValue uint64) {
	switch dimension {
	case "tokens":
		return total.Tokens, caps.MaxTokens
	case "cost_micros":
		return total.CostMicros, caps.MaxCostMicros
	default:
		return 0, 0
	}
}
