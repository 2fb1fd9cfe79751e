// Package workflow tracks delegation chains per task and feeds
// completed outcomes into the retrospective log.
package workflow

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/analytics"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

// Engine records handoff hops and closes out finished tasks. The retro
// engine is attached after construction; the daemon owns both and
// wires them together, so neither package imports the other's
// lifecycle.
type Engine struct {
	steps  *storage.WorkflowStore
	retro  *RetroEngine
	logger zerolog.Logger
}

// NewEngine builds a workflow engine over its store. Call SetRetro
// before recording completions.
func NewEngine(steps *storage.WorkflowStore) *Engine {
	return &Engine{
		steps:  steps,
		logger: log.WithComponent("workflow"),
	}
}

// SetRetro attaches the retro engine. Safe to leave unset; completions
// then skip the retrospective write.
func (e *Engine) SetRetro(r *RetroEngine) {
	e.retro = r
}

// RecordHandoff appends one delegation hop to the task's chain.
func (e *Engine) RecordHandoff(taskID, from, to, handoffID string) error {
	if taskID == "" {
		return fmt.Errorf("handoff needs a task id")
	}
	step := &storage.WorkflowStep{
		TaskID:    taskID,
		From:      from,
		To:        to,
		HandoffID: handoffID,
	}
	if err := e.steps.AppendStep(step); err != nil {
		return err
	}
	e.logger.Debug().Str("task", taskID).Str("from", from).Str("to", to).
		Msg("recorded delegation hop")
	return nil
}

// Chain returns the ordered delegation hops for a task.
func (e *Engine) Chain(taskID string) ([]*storage.WorkflowStep, error) {
	return e.steps.Chain(taskID)
}

// ChainSummary renders a task's chain as "a -> b -> c". An empty chain
// renders as the empty string.
func (e *Engine) ChainSummary(taskID string) (string, error) {
	chain, err := e.steps.Chain(taskID)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return "", nil
	}
	parts := []string{chain[0].From}
	for _, step := range chain {
		parts = append(parts, step.To)
	}
	return strings.Join(parts, " -> "), nil
}

// RecordCompletion closes out a finished task: the cycle time is
// measured from the event log and the outcome lands in the retro log.
func (e *Engine) RecordCompletion(task *types.Task, verdict, notes string) error {
	if e.retro == nil {
		return nil
	}
	minutes, _ := analytics.CycleTime(task)
	return e.retro.Record(&storage.RetroEntry{
		TaskID:       task.ID,
		Assignee:     task.Assignee,
		Verdict:      verdict,
		CycleMinutes: minutes,
		Notes:        notes,
	})
}

// RetroEngine aggregates completed-task outcomes for retrospectives.
type RetroEngine struct {
	store  *storage.RetroStore
	logger zerolog.Logger
}

// NewRetroEngine builds a retro engine over its store.
func NewRetroEngine(store *storage.RetroStore) *RetroEngine {
	return &RetroEngine{
		store:  store,
		logger: log.WithComponent("retro"),
	}
}

// Record appends one outcome.
func (r *RetroEngine) Record(e *storage.RetroEntry) error {
	if err := r.store.Append(e); err != nil {
		return err
	}
	r.logger.Debug().Str("task", e.TaskID).Str("verdict", e.Verdict).
		Float64("cycleMinutes", e.CycleMinutes).Msg("recorded retro entry")
	return nil
}

// Summary aggregates the most recent entries per assignee.
type Summary struct {
	Account         string  `json:"account"`
	Accepted        int     `json:"accepted"`
	Rejected        int     `json:"rejected"`
	AvgCycleMinutes float64 `json:"avgCycleMinutes"`
}

// Summarize folds the latest limit entries into per-account summaries.
func (r *RetroEngine) Summarize(limit int) ([]Summary, error) {
	entries, err := r.store.Recent(limit)
	if err != nil {
		return nil, err
	}

	byAccount := make(map[string]*Summary)
	cycles := make(map[string][]float64)
	var order []string

	for _, e := range entries {
		account := e.Assignee
		if account == "" {
			account = "(unassigned)"
		}
		s := byAccount[account]
		if s == nil {
			s = &Summary{Account: account}
			byAccount[account] = s
			order = append(order, account)
		}
		if e.Verdict == string(types.TaskStatusAccepted) {
			s.Accepted++
		} else {
			s.Rejected++
		}
		if e.CycleMinutes > 0 {
			cycles[account] = append(cycles[account], e.CycleMinutes)
		}
	}

	out := make([]Summary, 0, len(order))
	for _, account := range order {
		s := byAccount[account]
		xs := cycles[account]
		if len(xs) > 0 {
			sum := 0.0
			for _, x := range xs {
				sum += x
			}
			s.AvgCycleMinutes = sum / float64(len(xs))
		}
		out = append(out, *s)
	}
	return out, nil
}
