package orchestrator

import (
	"context"
	"encoding/json"

	"orca.dev/orca/eventlog"
)

// FinishRun appends run_summary with status and finalResult, marking the
// run terminal. A run is terminated by its run_summary event; this is the
// one write path that produces that event, invoked once an agent's
// terminal result (or an unrecoverable failure) is known. finalResult may
// be nil.
func (o *Orchestrator) FinishRun(ctx context.Context, runID, status string, finalResult json.RawMessage) error {
	if !o.isRecovered() {
		return errUnavailable("recovery in progress")
	}
	rs := o.runStateFor(runID)
	if rs == nil {
		return errInvalidArgument("unknown run %q", runID)
	}

	total, _ := o.budgets.Snapshot(runID)
	summary := eventlog.RunSummaryPayload{
		Status:          status,
		TotalTokens:     total.Tokens,
		TotalCostMicros: total.CostMicros,
		FinalResult:     finalResult,
	}
	if err := o.appendRecordErr(ctx, runID, eventlog.EventRunSummary, summary); err != nil {
		return err
	}

	rs.mu.Lock()
	rs.terminal = true
	rs.lastSummary = &summary
	rs.mu.Unlock()

	return nil
}
