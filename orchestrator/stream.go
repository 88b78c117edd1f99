package orchestrator

import (
	"context"
	"math"

	"orca.dev/orca/envelope"
	"orca.dev/orca/eventlog"
)

// StreamEvents returns the run's events in event_id order starting at
// startEventID (inclusive), optionally filtered to ts_ms >= sinceTSMillis
// and truncated to maxEvents. The call is a point-in-time read, not a
// subscription: re-invoking with a later startEventID restarts the stream
// from that offset, so a consumer can resume after a disconnect without
// losing or repeating events.
func (o *Orchestrator) StreamEvents(ctx context.Context, runID string, startEventID uint64, sinceTSMillis *uint64, maxEvents *int) ([]eventlog.Record, error) {
	if !o.isRecovered() {
		return nil, errUnavailable("recovery in progress")
	}

	records, err := o.events.ReadRange(ctx, runID, startEventID, math.MaxUint64)
	if err != nil {
		return nil, errInternal("read_range: %s", err)
	}

	var out []eventlog.Record
	for _, r := range records {
		if sinceTSMillis != nil && r.TSMillis < *sinceTSMillis {
			continue
		}
		out = append(out, r)
		if maxEvents != nil && len(out) >= *maxEvents {
			break
		}
	}
	return out, nil
}

// Result is the union of the two terminal artifacts FetchResult may
// return: the most recent agent_result/agent_error envelope logged for
// the run, and/or its run_summary once the run has reached a terminal
// state.
type Result struct {
	Envelope *envelope.Envelope
	Summary  *eventlog.RunSummaryPayload
}

// FetchResult returns the most recent agent_result/agent_error envelope
// and/or run_summary recorded for run_id. Both fields may be nil if the
// run has neither produced a result nor reached a terminal state yet.
func (o *Orchestrator) FetchResult(_ context.Context, runID string) (Result, error) {
	if !o.isRecovered() {
		return Result{}, errUnavailable("recovery in progress")
	}
	rs := o.runStateFor(runID)
	if rs == nil {
		return Result{}, errInvalidArgument("unknown run %q", runID)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Result{Envelope: rs.lastResult, Summary: rs.lastSummary}, nil
}
