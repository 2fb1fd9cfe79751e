package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/types"
)

func acceptedTask(id, assignee string, created time.Time, cycleMinutes float64) types.Task {
	done := created.Add(time.Duration(cycleMinutes * float64(time.Minute)))
	return types.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    types.TaskStatusAccepted,
		Assignee:  assignee,
		CreatedAt: types.Timestamp(created),
		Events: []types.TaskEvent{
			{Type: "status_changed", From: types.TaskStatusTodo, To: types.TaskStatusInProgress, Timestamp: types.Timestamp(created.Add(time.Minute))},
			{Type: "status_changed", From: types.TaskStatusInProgress, To: types.TaskStatusReadyForReview, Timestamp: types.Timestamp(done.Add(-time.Minute))},
			{Type: "status_changed", From: types.TaskStatusReadyForReview, To: types.TaskStatusAccepted, Timestamp: types.Timestamp(done)},
		},
	}
}

func TestCycleTime(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := acceptedTask("t1", "alice", created, 42)

	minutes, ok := CycleTime(&task)
	require.True(t, ok)
	assert.InDelta(t, 42, minutes, 1e-9)
}

func TestCycleTimeUnacceptedTask(t *testing.T) {
	task := types.Task{
		ID:        "t1",
		Status:    types.TaskStatusInProgress,
		CreatedAt: types.Now(),
		Events: []types.TaskEvent{
			{Type: "status_changed", To: types.TaskStatusInProgress, Timestamp: types.Now()},
		},
	}
	_, ok := CycleTime(&task)
	assert.False(t, ok)
}

func TestCycleTimeBadTimestamp(t *testing.T) {
	task := types.Task{
		ID:        "t1",
		Status:    types.TaskStatusAccepted,
		CreatedAt: "not a time",
		Events: []types.TaskEvent{
			{Type: "status_changed", To: types.TaskStatusAccepted, Timestamp: types.Now()},
		},
	}
	_, ok := CycleTime(&task)
	assert.False(t, ok)
}

func TestBuildReport(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rejectedOnce := acceptedTask("t3", "bob", created, 60)
	rejectedOnce.Events = append([]types.TaskEvent{
		{Type: "review_rejected", Detail: "missing tests", Timestamp: types.Timestamp(created.Add(20 * time.Minute))},
	}, rejectedOnce.Events...)

	brd := &types.Board{Tasks: []types.Task{
		acceptedTask("t1", "alice", created, 30),
		acceptedTask("t2", "alice", created, 90),
		rejectedOnce,
		{
			ID: "t4", Status: types.TaskStatusInProgress, Assignee: "bob",
			CreatedAt: types.Timestamp(created),
			Events: []types.TaskEvent{
				{Type: "SLA_WARNING", Detail: "task stale", Timestamp: types.Now()},
			},
		},
		{ID: "t5", Status: types.TaskStatusTodo, CreatedAt: types.Timestamp(created)},
	}}

	rep := BuildReport(brd)
	assert.Equal(t, 5, rep.TotalTasks)
	assert.Equal(t, 3, rep.Accepted)
	assert.Equal(t, 2, rep.InFlight)
	assert.InDelta(t, 60, rep.AvgCycleMinutes, 1e-9) // (30+90+60)/3
	assert.Equal(t, 1, rep.Rejections)
	assert.Equal(t, 1, rep.SLAEvents)

	require.Len(t, rep.Accounts, 2)
	alice, bob := rep.Accounts[0], rep.Accounts[1]
	assert.Equal(t, "alice", alice.Account)
	assert.Equal(t, 2, alice.Completed)
	assert.InDelta(t, 60, alice.AvgCycleMinutes, 1e-9)
	assert.Equal(t, "bob", bob.Account)
	assert.Equal(t, 1, bob.Completed)
	assert.Equal(t, 1, bob.Rejected)
	assert.Equal(t, 1, bob.InFlight)
}

func TestSLAHeuristicMatchesSubstringsOnly(t *testing.T) {
	task := types.Task{
		ID: "t1", Status: types.TaskStatusTodo, CreatedAt: types.Now(),
		Events: []types.TaskEvent{
			{Type: "SLA_BREACH"},
			{Type: "status_changed", Detail: "escalated after sla timer"},
			{Type: "status_changed", Detail: "translated text"}, // "sla" inside "translated"
			{Type: "assigned"},
		},
	}
	assert.Equal(t, 3, countSLAEvents(&task))
}

func TestBuildReportEmptyBoard(t *testing.T) {
	rep := BuildReport(&types.Board{})
	assert.Zero(t, rep.TotalTasks)
	assert.Zero(t, rep.AvgCycleMinutes)
	assert.NotEmpty(t, rep.GeneratedAt)

	rep = BuildReport(nil)
	assert.Zero(t, rep.TotalTasks)
}
