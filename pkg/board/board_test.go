package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/types"
)

func mustAdd(t *testing.T, b types.Board, title, assignee string, opts AddOptions) (types.Board, types.Task) {
	t.Helper()
	out, task, err := AddTask(b, title, assignee, opts)
	require.NoError(t, err)
	return out, task
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from types.TaskStatus
		to   types.TaskStatus
		ok   bool
	}{
		{types.TaskStatusTodo, types.TaskStatusInProgress, true},
		{types.TaskStatusTodo, types.TaskStatusReadyForReview, false},
		{types.TaskStatusTodo, types.TaskStatusAccepted, false},
		{types.TaskStatusInProgress, types.TaskStatusReadyForReview, true},
		{types.TaskStatusInProgress, types.TaskStatusTodo, false},
		{types.TaskStatusInProgress, types.TaskStatusAccepted, false},
		{types.TaskStatusReadyForReview, types.TaskStatusAccepted, true},
		{types.TaskStatusReadyForReview, types.TaskStatusRejected, true},
		{types.TaskStatusReadyForReview, types.TaskStatusInProgress, true},
		{types.TaskStatusAccepted, types.TaskStatusInProgress, false},
		{types.TaskStatusRejected, types.TaskStatusInProgress, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestAddTaskDefaults(t *testing.T) {
	b, task := mustAdd(t, types.Board{}, "write docs", "alice", AddOptions{})
	assert.Equal(t, types.TaskStatusTodo, task.Status)
	assert.Empty(t, task.Events)
	assert.Len(t, b.Tasks, 1)

	_, _, err := AddTask(b, "", "", AddOptions{})
	assert.Error(t, err)
}

func TestUpdateTaskStatusAppendsEvent(t *testing.T) {
	b, task := mustAdd(t, types.Board{}, "x", "alice", AddOptions{})

	b2, err := UpdateTaskStatus(b, task.ID, types.TaskStatusInProgress)
	require.NoError(t, err)

	got, err := GetTask(b2, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "status_changed", got.Events[0].Type)
	assert.Equal(t, types.TaskStatusTodo, got.Events[0].From)
	assert.Equal(t, types.TaskStatusInProgress, got.Events[0].To)

	// Original board untouched.
	orig, err := GetTask(b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusTodo, orig.Status)
	assert.Empty(t, orig.Events)
}

func TestInvalidTransitionLeavesBoardUnchanged(t *testing.T) {
	b, task := mustAdd(t, types.Board{}, "x", "", AddOptions{})

	out, err := UpdateTaskStatus(b, task.ID, types.TaskStatusAccepted)
	assert.Error(t, err)
	got, gerr := GetTask(out, task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, types.TaskStatusTodo, got.Status)

	_, err = UpdateTaskStatus(b, "missing", types.TaskStatusInProgress)
	assert.Error(t, err)
}

func reviewReady(t *testing.T) (types.Board, string) {
	t.Helper()
	b, task := mustAdd(t, types.Board{}, "x", "bob", AddOptions{})
	b, err := UpdateTaskStatus(b, task.ID, types.TaskStatusInProgress)
	require.NoError(t, err)
	b, err = SubmitForReview(b, task.ID, &types.WorkspaceContext{
		WorkspaceID: "ws-1", Path: "/tmp/r/.worktrees/feature-x", Branch: "feature/x",
	})
	require.NoError(t, err)
	return b, task.ID
}

func TestRejectReopensWithThreeEvents(t *testing.T) {
	b, id := reviewReady(t)

	b2, err := RejectTask(b, id, "tests fail")
	require.NoError(t, err)

	got, err := GetTask(b2, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)

	// Exactly three new events, in order.
	n := len(got.Events)
	require.GreaterOrEqual(t, n, 3)
	tail := got.Events[n-3:]
	assert.Equal(t, "status_changed", tail[0].Type)
	assert.Equal(t, types.TaskStatusRejected, tail[0].To)
	assert.Equal(t, "review_rejected", tail[1].Type)
	assert.Equal(t, "tests fail", tail[1].Detail)
	assert.Equal(t, "status_changed", tail[2].Type)
	assert.Equal(t, types.TaskStatusInProgress, tail[2].To)
}

func TestRejectValidation(t *testing.T) {
	b, id := reviewReady(t)

	_, err := RejectTask(b, id, "")
	assert.Error(t, err, "empty reason")

	b2, task := mustAdd(t, b, "other", "", AddOptions{})
	_, err = RejectTask(b2, task.ID, "nope")
	assert.Error(t, err, "not ready_for_review")
}

func TestAcceptQueuesCleanupWhenWorkspacePresent(t *testing.T) {
	b, id := reviewReady(t)

	b2, err := AcceptTask(b, id, "looks good")
	require.NoError(t, err)

	got, err := GetTask(b2, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAccepted, got.Status)

	var kinds []string
	for _, ev := range got.Events {
		kinds = append(kinds, ev.Type)
	}
	assert.Contains(t, kinds, "review_accepted")
	assert.Contains(t, kinds, "cleanup_queued")
}

func TestAcceptWithoutWorkspaceSkipsCleanup(t *testing.T) {
	b, task := mustAdd(t, types.Board{}, "x", "", AddOptions{})
	b, err := UpdateTaskStatus(b, task.ID, types.TaskStatusInProgress)
	require.NoError(t, err)
	b, err = SubmitForReview(b, task.ID, nil)
	require.NoError(t, err)
	b, err = AcceptTask(b, task.ID, "")
	require.NoError(t, err)

	got, err := GetTask(b, task.ID)
	require.NoError(t, err)
	for _, ev := range got.Events {
		assert.NotEqual(t, "cleanup_queued", ev.Type)
	}
}

func TestSubmitForReviewPreservesWorkspaceContext(t *testing.T) {
	b, id := reviewReady(t)

	// Reject, then resubmit without a context: the old one survives.
	b, err := RejectTask(b, id, "redo")
	require.NoError(t, err)
	b, err = SubmitForReview(b, id, nil)
	require.NoError(t, err)

	got, err := GetTask(b, id)
	require.NoError(t, err)
	require.NotNil(t, got.Workspace)
	assert.Equal(t, "ws-1", got.Workspace.WorkspaceID)
}

func TestAssignAndRemove(t *testing.T) {
	b, task := mustAdd(t, types.Board{}, "x", "", AddOptions{})

	b, err := AssignTask(b, task.ID, "carol")
	require.NoError(t, err)
	got, err := GetTask(b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Assignee)

	b, err = RemoveTask(b, task.ID)
	require.NoError(t, err)
	_, err = GetTask(b, task.ID)
	assert.Error(t, err)
}

func TestSortByPriorityStable(t *testing.T) {
	b := types.Board{}
	var err error
	b, _, err = AddTask(b, "no-prio-1", "", AddOptions{})
	require.NoError(t, err)
	b, _, err = AddTask(b, "p0", "", AddOptions{Priority: types.PriorityP0})
	require.NoError(t, err)
	b, _, err = AddTask(b, "p1", "", AddOptions{Priority: types.PriorityP1})
	require.NoError(t, err)
	b, _, err = AddTask(b, "no-prio-2", "", AddOptions{})
	require.NoError(t, err)

	sorted := SortByPriority(b)
	titles := make([]string, len(sorted))
	for i, task := range sorted {
		titles[i] = task.Title
	}
	assert.Equal(t, []string{"p0", "p1", "no-prio-1", "no-prio-2"}, titles)
}

func TestLastStatusChangeFallsBackToCreation(t *testing.T) {
	b, task := mustAdd(t, types.Board{}, "x", "", AddOptions{})
	got, err := GetTask(b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, got.CreatedAt, LastStatusChange(got))

	b, err = UpdateTaskStatus(b, task.ID, types.TaskStatusInProgress)
	require.NoError(t, err)
	got, err = GetTask(b, task.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Events[0].Timestamp, LastStatusChange(got))
}
