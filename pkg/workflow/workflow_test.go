package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

func newEngines(t *testing.T) (*Engine, *RetroEngine) {
	t.Helper()
	steps, err := storage.NewWorkflowStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { steps.Close() })

	retroStore, err := storage.NewRetroStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { retroStore.Close() })

	e := NewEngine(steps)
	r := NewRetroEngine(retroStore)
	e.SetRetro(r)
	return e, r
}

func TestChainSummary(t *testing.T) {
	e, _ := newEngines(t)

	require.NoError(t, e.RecordHandoff("t1", "alice", "bob", "h1"))
	require.NoError(t, e.RecordHandoff("t1", "bob", "carol", "h2"))

	summary, err := e.ChainSummary("t1")
	require.NoError(t, err)
	assert.Equal(t, "alice -> bob -> carol", summary)

	chain, err := e.Chain("t1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "h1", chain[0].HandoffID)
}

func TestChainSummaryEmpty(t *testing.T) {
	e, _ := newEngines(t)
	summary, err := e.ChainSummary("missing")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestRecordHandoffRequiresTaskID(t *testing.T) {
	e, _ := newEngines(t)
	assert.Error(t, e.RecordHandoff("", "alice", "bob", ""))
}

func TestRecordCompletionFeedsRetro(t *testing.T) {
	e, r := newEngines(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := &types.Task{
		ID:        "t1",
		Status:    types.TaskStatusAccepted,
		Assignee:  "alice",
		CreatedAt: types.Timestamp(created),
		Events: []types.TaskEvent{
			{Type: "status_changed", To: types.TaskStatusAccepted, Timestamp: types.Timestamp(created.Add(45 * time.Minute))},
		},
	}
	require.NoError(t, e.RecordCompletion(task, "accepted", "clean pass"))

	entries, err := r.store.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.Equal(t, "accepted", entries[0].Verdict)
	assert.InDelta(t, 45, entries[0].CycleMinutes, 1e-9)
}

func TestRecordCompletionWithoutRetroIsNoop(t *testing.T) {
	steps, err := storage.NewWorkflowStore(":memory:")
	require.NoError(t, err)
	defer steps.Close()

	e := NewEngine(steps)
	assert.NoError(t, e.RecordCompletion(&types.Task{ID: "t1"}, "accepted", ""))
}

func TestSummarize(t *testing.T) {
	_, r := newEngines(t)

	require.NoError(t, r.Record(&storage.RetroEntry{TaskID: "t1", Assignee: "alice", Verdict: "accepted", CycleMinutes: 30}))
	require.NoError(t, r.Record(&storage.RetroEntry{TaskID: "t2", Assignee: "alice", Verdict: "accepted", CycleMinutes: 60}))
	require.NoError(t, r.Record(&storage.RetroEntry{TaskID: "t3", Assignee: "bob", Verdict: "rejected"}))

	summaries, err := r.Summarize(50)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byAccount := map[string]Summary{}
	for _, s := range summaries {
		byAccount[s.Account] = s
	}
	assert.Equal(t, 2, byAccount["alice"].Accepted)
	assert.InDelta(t, 45, byAccount["alice"].AvgCycleMinutes, 1e-9)
	assert.Equal(t, 1, byAccount["bob"].Rejected)
	assert.Zero(t, byAccount["bob"].AvgCycleMinutes)
}
