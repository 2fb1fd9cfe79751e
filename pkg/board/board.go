// Package board implements the task board as pure functions: every
// mutator takes a board and returns a new one, so a failed mutation
// leaves the caller's state untouched.
package board

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/agentctl/agentd/pkg/types"
)

// validTransitions is the only admissible status graph. Accepted and
// rejected are terminal here; rejection re-opens through RejectTask.
var validTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskStatusTodo:           {types.TaskStatusInProgress},
	types.TaskStatusInProgress:     {types.TaskStatusReadyForReview},
	types.TaskStatusReadyForReview: {types.TaskStatusAccepted, types.TaskStatusRejected, types.TaskStatusInProgress},
	types.TaskStatusAccepted:       {},
	types.TaskStatusRejected:       {},
}

// CanTransition reports whether from -> to is admissible.
func CanTransition(from, to types.TaskStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AddOptions carries optional fields for AddTask.
type AddOptions struct {
	Priority types.Priority
	DueDate  string
	Tags     []string
	ID       string
}

func clone(b types.Board) types.Board {
	out := b
	out.Tasks = make([]types.Task, len(b.Tasks))
	copy(out.Tasks, b.Tasks)
	return out
}

func findTask(b types.Board, id string) (int, error) {
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("task %s not found", id)
}

// withEvents returns a copy of the task with events appended. The
// original's event slice is never aliased.
func withEvents(t types.Task, evs ...types.TaskEvent) types.Task {
	out := t
	out.Events = make([]types.TaskEvent, 0, len(t.Events)+len(evs))
	out.Events = append(out.Events, t.Events...)
	out.Events = append(out.Events, evs...)
	return out
}

func statusEvent(from, to types.TaskStatus) types.TaskEvent {
	return types.TaskEvent{
		Type:      "status_changed",
		Timestamp: types.Now(),
		From:      from,
		To:        to,
	}
}

// AddTask appends a new todo task and returns the new board plus the
// created task.
func AddTask(b types.Board, title, assignee string, opts AddOptions) (types.Board, types.Task, error) {
	if title == "" {
		return b, types.Task{}, fmt.Errorf("task title must not be empty")
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	task := types.Task{
		ID:        id,
		Title:     title,
		Status:    types.TaskStatusTodo,
		Assignee:  assignee,
		CreatedAt: types.Now(),
		Priority:  opts.Priority,
		DueDate:   opts.DueDate,
		Tags:      opts.Tags,
		Events:    []types.TaskEvent{},
	}

	out := clone(b)
	out.Tasks = append(out.Tasks, task)
	out.UpdatedAt = types.Now()
	return out, task, nil
}

// UpdateTaskStatus applies one admissible transition and appends a
// status_changed event.
func UpdateTaskStatus(b types.Board, id string, target types.TaskStatus) (types.Board, error) {
	i, err := findTask(b, id)
	if err != nil {
		return b, err
	}
	current := b.Tasks[i].Status
	if !CanTransition(current, target) {
		return b, fmt.Errorf("invalid transition %s -> %s for task %s", current, target, id)
	}

	out := clone(b)
	task := withEvents(out.Tasks[i], statusEvent(current, target))
	task.Status = target
	out.Tasks[i] = task
	out.UpdatedAt = types.Now()
	return out, nil
}

// RejectTask records a rejection and immediately re-opens the task.
// The event log gains exactly three entries, in order: the transition
// to rejected, the review_rejected reason, and the reopen transition.
// The final status is always in_progress.
func RejectTask(b types.Board, id, reason string) (types.Board, error) {
	if reason == "" {
		return b, fmt.Errorf("rejection reason must not be empty")
	}
	i, err := findTask(b, id)
	if err != nil {
		return b, err
	}
	if b.Tasks[i].Status != types.TaskStatusReadyForReview {
		return b, fmt.Errorf("task %s is %s, not ready_for_review", id, b.Tasks[i].Status)
	}

	out := clone(b)
	task := withEvents(out.Tasks[i],
		statusEvent(types.TaskStatusReadyForReview, types.TaskStatusRejected),
		types.TaskEvent{Type: "review_rejected", Timestamp: types.Now(), Detail: reason},
		statusEvent(types.TaskStatusRejected, types.TaskStatusInProgress),
	)
	task.Status = types.TaskStatusInProgress
	out.Tasks[i] = task
	out.UpdatedAt = types.Now()
	return out, nil
}

// AcceptTask finalizes a review. When the task carries a workspace
// context, a cleanup_queued event marks the worktree for removal.
func AcceptTask(b types.Board, id, justification string) (types.Board, error) {
	i, err := findTask(b, id)
	if err != nil {
		return b, err
	}
	if b.Tasks[i].Status != types.TaskStatusReadyForReview {
		return b, fmt.Errorf("task %s is %s, not ready_for_review", id, b.Tasks[i].Status)
	}

	evs := []types.TaskEvent{
		statusEvent(types.TaskStatusReadyForReview, types.TaskStatusAccepted),
		{Type: "review_accepted", Timestamp: types.Now(), Detail: justification},
	}
	if b.Tasks[i].Workspace != nil {
		evs = append(evs, types.TaskEvent{Type: "cleanup_queued", Timestamp: types.Now()})
	}

	out := clone(b)
	task := withEvents(out.Tasks[i], evs...)
	task.Status = types.TaskStatusAccepted
	out.Tasks[i] = task
	out.UpdatedAt = types.Now()
	return out, nil
}

// SubmitForReview moves an in_progress task to ready_for_review. A nil
// workspace context preserves whatever the task already carried.
func SubmitForReview(b types.Board, id string, ws *types.WorkspaceContext) (types.Board, error) {
	i, err := findTask(b, id)
	if err != nil {
		return b, err
	}
	if b.Tasks[i].Status != types.TaskStatusInProgress {
		return b, fmt.Errorf("task %s is %s, not in_progress", id, b.Tasks[i].Status)
	}

	out := clone(b)
	task := withEvents(out.Tasks[i], statusEvent(types.TaskStatusInProgress, types.TaskStatusReadyForReview))
	task.Status = types.TaskStatusReadyForReview
	if ws != nil {
		task.Workspace = ws
	}
	out.Tasks[i] = task
	out.UpdatedAt = types.Now()
	return out, nil
}

// AssignTask sets (or clears) the assignee.
func AssignTask(b types.Board, id, assignee string) (types.Board, error) {
	i, err := findTask(b, id)
	if err != nil {
		return b, err
	}

	out := clone(b)
	task := withEvents(out.Tasks[i], types.TaskEvent{
		Type: "assigned", Timestamp: types.Now(), Detail: assignee,
	})
	task.Assignee = assignee
	out.Tasks[i] = task
	out.UpdatedAt = types.Now()
	return out, nil
}

// RemoveTask drops a task from the board.
func RemoveTask(b types.Board, id string) (types.Board, error) {
	i, err := findTask(b, id)
	if err != nil {
		return b, err
	}
	out := clone(b)
	out.Tasks = append(out.Tasks[:i:i], out.Tasks[i+1:]...)
	out.UpdatedAt = types.Now()
	return out, nil
}

// GetTask returns a copy of the task, or an error when missing.
func GetTask(b types.Board, id string) (types.Task, error) {
	i, err := findTask(b, id)
	if err != nil {
		return types.Task{}, err
	}
	return b.Tasks[i], nil
}

func priorityRank(p types.Priority) int {
	switch p {
	case types.PriorityP0:
		return 0
	case types.PriorityP1:
		return 1
	default:
		// Unset sorts with P2.
		return 2
	}
}

// SortByPriority returns tasks ordered P0 < P1 < P2, stable within a
// bucket.
func SortByPriority(b types.Board) []types.Task {
	out := make([]types.Task, len(b.Tasks))
	copy(out, b.Tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank(out[i].Priority) < priorityRank(out[j].Priority)
	})
	return out
}

// LastStatusChange returns the timestamp of the most recent
// status_changed event into the task's current status, falling back to
// creation time. The SLA scanner measures staleness from it.
func LastStatusChange(t types.Task) string {
	for i := len(t.Events) - 1; i >= 0; i-- {
		ev := t.Events[i]
		if ev.Type == "status_changed" && ev.To == t.Status {
			return ev.Timestamp
		}
	}
	return t.CreatedAt
}
