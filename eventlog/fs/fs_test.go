package fs_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/envelope"
	"orca.dev/orca/eventlog"
	"orca.dev/orca/eventlog/fs"
)

func mustRecord(t *testing.T, eventID, ts uint64, runID string, typ eventlog.EventType, payload any) eventlog.Record {
	t.Helper()
	r, err := eventlog.NewRecord(eventID, ts, runID, typ, payload)
	require.NoError(t, err)
	return r
}

func TestAppendThenReadRange(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	r := mustRecord(t, 0, 1000, "run-1", eventlog.EventStartRun, eventlog.StartRunPayload{
		WorkflowID: "wf-1",
		InitialTask: envelope.Envelope{
			ID: "m1", Agent: "a", Kind: envelope.KindAgentTask, ProtocolVersion: 1, TSMillis: 1000,
		},
	})

	written, err := store.Append(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), written.EventID)

	got, err := store.ReadRange(ctx, "run-1", written.EventID, written.EventID+1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, written, got[0])
}

func TestReadRangeIsHalfOpenAndEmptyOutOfRange(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.Open(dir)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := mustRecord(t, 0, uint64(i), "run-1", eventlog.EventUsageUpdate, eventlog.UsageUpdatePayload{Tokens: uint64(i)})
		_, err := store.Append(ctx, r)
		require.NoError(t, err)
	}

	got, err := store.ReadRange(ctx, "run-1", 2, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].EventID)

	got, err = store.ReadRange(ctx, "run-1", 100, 200)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIDsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store1, err := fs.Open(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r := mustRecord(t, 0, uint64(i), "run-1", eventlog.EventUsageUpdate, eventlog.UsageUpdatePayload{})
		_, err := store1.Append(ctx, r)
		require.NoError(t, err)
	}
	require.NoError(t, store1.Close())

	store2, err := fs.Open(dir)
	require.NoError(t, err)
	defer store2.Close()

	r := mustRecord(t, 0, 99, "run-1", eventlog.EventUsageUpdate, eventlog.UsageUpdatePayload{})
	written, err := store2.Append(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), written.EventID, "event ids must not regress across restart")
}

func TestScanAllYieldsAppendOrder(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.Open(dir)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := mustRecord(t, 0, uint64(i), "run-1", eventlog.EventUsageUpdate, eventlog.UsageUpdatePayload{Tokens: uint64(i)})
		_, err := store.Append(ctx, r)
		require.NoError(t, err)
	}

	var ids []uint64
	for rec, err := range store.ScanAll(ctx) {
		require.NoError(t, err)
		ids = append(ids, rec.EventID)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids)
}

func TestGoldenByteEncoding(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.Open(dir)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	r := mustRecord(t, 0, 1700000000000, "run-golden", eventlog.EventPolicyAudit, eventlog.PolicyAuditPayload{
		WorkflowID:   "wf-golden",
		EnvelopeID:   "m1",
		Agent:        "agent-a",
		EnvelopeKind: "agent_task",
		TraceID:      "trace-1",
		RuleName:     "builtin_redact_pii",
		Action:       "modify",
		Reason:       "ssn redacted",
		Outcome:      "allowed_with_modification",
	})
	written, err := store.Append(ctx, r)
	require.NoError(t, err)

	got, err := store.ReadRange(ctx, "run-golden", written.EventID, written.EventID+1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	actual, err := json.Marshal(got[0])
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "policy_audit_record", actual)
}
