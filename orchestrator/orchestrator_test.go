package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/budget"
	"orca.dev/orca/clock"
	"orca.dev/orca/envelope"
	"orca.dev/orca/eventlog"
	"orca.dev/orca/eventlog/inmem"
	"orca.dev/orca/orchestrator"
	"orca.dev/orca/policy"
)

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *inmem.Store, *clock.Virtual) {
	t.Helper()
	store := inmem.New()
	vc := clock.NewVirtual(1_000)

	engine := policy.NewEngine(nil)
	rs, err := policy.LoadRuleSet(strings.NewReader("tool_allowlist: []\nrules: []\n"), nil)
	require.NoError(t, err)
	engine.Load(rs)

	o := orchestrator.New(orchestrator.Options{
		Events:  store,
		Policy:  engine,
		Budgets: budget.NewManager(),
		Clock:   vc,
	})
	require.NoError(t, o.Recover(context.Background()))
	return o, store, vc
}

func taskEnvelope(id, agent string, kind envelope.Kind, payload string) envelope.Envelope {
	return envelope.Envelope{
		ID:              id,
		Agent:           agent,
		Kind:            kind,
		PayloadJSON:     payload,
		ProtocolVersion: envelope.CurrentProtocolVersion,
	}
}

func eventTypes(records []eventlog.Record) []eventlog.EventType {
	out := make([]eventlog.EventType, len(records))
	for i, r := range records {
		out[i] = r.EventType
	}
	return out
}

// Scenario 1: happy path.
func TestStartRunThenSubmitTaskHappyPath(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), &budget.Caps{MaxTokens: 1000})
	require.NoError(t, err)

	task := taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "world")
	task.Usage = &envelope.Usage{Tokens: 128, CostMicros: 2500}
	_, err = o.SubmitTask(ctx, runID, task)
	require.NoError(t, err)

	all, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)
	types := eventTypes(all)
	assert.Equal(t, []eventlog.EventType{
		eventlog.EventStartRun, eventlog.EventTaskEnqueued, eventlog.EventTaskEnqueued, eventlog.EventUsageUpdate,
	}, types)

	for _, r := range all {
		assert.NotEqual(t, eventlog.EventBudgetWarn, r.EventType)
		assert.NotEqual(t, eventlog.EventBudgetExceeded, r.EventType)
	}
}

// Scenario 2: budget exceed.
func TestSubmitTaskRejectsOnceBudgetExceeded(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), &budget.Caps{MaxTokens: 100})
	require.NoError(t, err)

	task1 := taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "t1")
	task1.Usage = &envelope.Usage{Tokens: 85}
	_, err = o.SubmitTask(ctx, runID, task1)
	require.NoError(t, err)

	task2 := taskEnvelope("m3", "agent-a", envelope.KindAgentTask, "t2")
	task2.Usage = &envelope.Usage{Tokens: 50}
	accepted2, err := o.SubmitTask(ctx, runID, task2)
	require.NoError(t, err)
	assert.Equal(t, "m3", accepted2.ID, "the submission that crosses the cap is itself accepted")

	all, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)
	types := eventTypes(all)
	assert.Contains(t, types, eventlog.EventBudgetWarn)
	assert.Contains(t, types, eventlog.EventBudgetExceeded)

	task3 := taskEnvelope("m4", "agent-a", envelope.KindAgentTask, "t3")
	_, err = o.SubmitTask(ctx, runID, task3)
	require.Error(t, err)
	assert.Equal(t, orchestrator.CodeResourceExhausted, orchestrator.CodeOf(err))

	afterReject, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)
	for _, r := range afterReject {
		if r.EventType == eventlog.EventTaskEnqueued {
			p, decodeErr := r.DecodeTaskEnqueued()
			require.NoError(t, decodeErr)
			assert.NotEqual(t, "m4", p.Envelope.ID, "rejected task must not be enqueued")
		}
	}
}

// Scenario 2 (single submit): one SubmitTask whose usage crosses both the
// warn line and the cap in the same call must still append both
// budget_warn and budget_exceeded, in that order.
func TestSubmitTaskSingleUsageCrossingWarnAndExceededBothAppend(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), &budget.Caps{MaxTokens: 100})
	require.NoError(t, err)

	task := taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "t1")
	task.Usage = &envelope.Usage{Tokens: 128}
	_, err = o.SubmitTask(ctx, runID, task)
	require.NoError(t, err)

	all, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)
	var warnIdx, exceededIdx = -1, -1
	for i, r := range all {
		switch r.EventType {
		case eventlog.EventBudgetWarn:
			warnIdx = i
		case eventlog.EventBudgetExceeded:
			exceededIdx = i
		}
	}
	require.NotEqual(t, -1, warnIdx, "budget_warn must be appended even though the cap was crossed in the same call")
	require.NotEqual(t, -1, exceededIdx, "budget_exceeded must be appended")
	assert.Less(t, warnIdx, exceededIdx, "budget_warn must appear before budget_exceeded")
}

// Scenario 3: idempotent dedup.
func TestSubmitTaskDedupsOnEnvelopeID(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), nil)
	require.NoError(t, err)

	task := taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "dup")
	first, err := o.SubmitTask(ctx, runID, task)
	require.NoError(t, err)

	second, err := o.SubmitTask(ctx, runID, task)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)
	count := 0
	for _, r := range all {
		if r.EventType == eventlog.EventTaskEnqueued {
			p, decodeErr := r.DecodeTaskEnqueued()
			require.NoError(t, decodeErr)
			if p.Envelope.ID == "m2" {
				count++
			}
		}
	}
	assert.Equal(t, 1, count, "duplicate submission must not append a second task_enqueued")
}

// Scenario 4: TTL timeout.
func TestSubmitTaskRejectsStaleTimeout(t *testing.T) {
	o, store, vc := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), nil)
	require.NoError(t, err)

	task := taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "late")
	task.TimeoutMillis = 1
	task.TSMillis = uint64(vc.NowMillis())
	vc.Advance(5)

	_, err = o.SubmitTask(ctx, runID, task)
	require.Error(t, err)
	assert.Equal(t, orchestrator.CodeDeadlineExceeded, orchestrator.CodeOf(err))

	all, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)
	for _, r := range all {
		if r.EventType == eventlog.EventTaskEnqueued {
			p, decodeErr := r.DecodeTaskEnqueued()
			require.NoError(t, decodeErr)
			assert.NotEqual(t, "m2", p.Envelope.ID)
		}
	}
}

// Scenario 5: policy PII redaction.
func TestStartRunRedactsPIIAndAudits(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, `{"note":"SSN: 123-45-6789"}`), nil)
	require.NoError(t, err)

	all, err := store.ReadRange(ctx, runID, 0, 1<<63)
	require.NoError(t, err)

	var sawAudit bool
	for _, r := range all {
		switch r.EventType {
		case eventlog.EventTaskEnqueued:
			p, decodeErr := r.DecodeTaskEnqueued()
			require.NoError(t, decodeErr)
			assert.NotContains(t, p.Envelope.PayloadJSON, "123-45-6789")
		case eventlog.EventPolicyAudit:
			p, decodeErr := r.DecodePolicyAudit()
			require.NoError(t, decodeErr)
			assert.Equal(t, "builtin_redact_pii", p.RuleName)
			assert.Equal(t, "modify", p.Action)
			assert.NotContains(t, p.Reason, "123-45-6789")
			sawAudit = true
		}
	}
	assert.True(t, sawAudit, "PII redaction must emit a policy_audit event")
}

func TestStartRunIsIdempotentOnInitialTaskID(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	task := taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello")
	runID1, err := o.StartRun(ctx, "wf-1", task, nil)
	require.NoError(t, err)

	runID2, err := o.StartRun(ctx, "wf-1", task, nil)
	require.NoError(t, err)
	assert.Equal(t, runID1, runID2)
}

func TestOperationsRejectBeforeRecovery(t *testing.T) {
	store := inmem.New()
	o := orchestrator.New(orchestrator.Options{Events: store})

	_, err := o.StartRun(context.Background(), "wf-1", taskEnvelope("m1", "a", envelope.KindAgentTask, "x"), nil)
	require.Error(t, err)
	assert.Equal(t, orchestrator.CodeUnavailable, orchestrator.CodeOf(err))
}

func TestFetchResultReturnsMostRecentResultEnvelope(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), nil)
	require.NoError(t, err)

	result := taskEnvelope("m2", "agent-a", envelope.KindAgentResult, `{"ok":true}`)
	_, err = o.SubmitTask(ctx, runID, result)
	require.NoError(t, err)

	got, err := o.FetchResult(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, got.Envelope)
	assert.Equal(t, "m2", got.Envelope.ID)
	assert.Nil(t, got.Summary)
}

func TestStreamEventsRespectsStartOffsetAndMaxEvents(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), nil)
	require.NoError(t, err)
	_, err = o.SubmitTask(ctx, runID, taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "t2"))
	require.NoError(t, err)
	_, err = o.SubmitTask(ctx, runID, taskEnvelope("m3", "agent-a", envelope.KindAgentTask, "t3"))
	require.NoError(t, err)

	// start_run, task_enqueued(m1), task_enqueued(m2), task_enqueued(m3).
	all, err := o.StreamEvents(ctx, runID, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)

	max := 2
	limited, err := o.StreamEvents(ctx, runID, 1, nil, &max)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	fromSecond, err := o.StreamEvents(ctx, runID, all[1].EventID, nil, nil)
	require.NoError(t, err)
	assert.Len(t, fromSecond, 3)
}

type recordingSink struct {
	mu      sync.Mutex
	records []eventlog.Record
}

func (s *recordingSink) Send(_ context.Context, rec eventlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestSubscribeReceivesRecordsPublishedAfterRegistration(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	sink := &recordingSink{}
	sub := o.Subscribe(sink)
	defer sub.Close()

	runID, err := o.StartRun(ctx, "wf-1", taskEnvelope("m1", "agent-a", envelope.KindAgentTask, "hello"), nil)
	require.NoError(t, err)
	_, err = o.SubmitTask(ctx, runID, taskEnvelope("m2", "agent-a", envelope.KindAgentTask, "t2"))
	require.NoError(t, err)

	assert.Equal(t, 3, sink.len(), "start_run + 2 task_enqueued records should reach the subscriber")

	sub.Close()
	_, err = o.SubmitTask(ctx, runID, taskEnvelope("m3", "agent-a", envelope.KindAgentTask, "t3"))
	require.NoError(t, err)
	assert.Equal(t, 3, sink.len(), "closed subscription must not receive further records")
}
