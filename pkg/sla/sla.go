// Package sla watches the task board for stale work and produces
// escalations, plus an adaptive layer driven by live session metrics.
package sla

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/board"
	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/types"
)

// Action is what the engine wants done about a stale task.
type Action string

const (
	ActionPing              Action = "ping"
	ActionReassignSuggested Action = "reassign_suggestion"
	ActionEscalate          Action = "escalate"
)

// Escalation is one finding from a board scan.
type Escalation struct {
	TaskID    string        `json:"taskId"`
	Title     string        `json:"title"`
	Assignee  string        `json:"assignee,omitempty"`
	Action    Action        `json:"action"`
	Staleness time.Duration `json:"staleness"`
}

// Config carries the engine thresholds. Reassign suggestions fire at
// twice the in-progress threshold.
type Config struct {
	ScanInterval    time.Duration
	InProgressStale time.Duration
	ReviewStale     time.Duration
	BlockedStale    time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    60 * time.Second,
		InProgressStale: 30 * time.Minute,
		ReviewStale:     10 * time.Minute,
		BlockedStale:    15 * time.Minute,
	}
}

// BoardLoader fetches the current board. The daemon injects the
// file-backed loader; tests inject fixtures.
type BoardLoader func() (types.Board, error)

// Engine periodically scans the board and emits SLA events.
type Engine struct {
	cfg    Config
	load   BoardLoader
	bus    *events.Bus
	stopCh chan struct{}
	logger zerolog.Logger
}

// NewEngine wires an engine.
func NewEngine(cfg Config, load BoardLoader, bus *events.Bus) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:    cfg,
		load:   load,
		bus:    bus,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("sla"),
	}
}

// Start launches the periodic scan loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop halts the loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b, err := e.load()
			if err != nil {
				e.logger.Error().Err(err).Msg("board load failed, skipping scan")
				continue
			}
			for _, esc := range e.Scan(b, time.Now()) {
				e.publish(esc)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) publish(esc Escalation) {
	evType := events.EventSLAWarning
	if esc.Action == ActionEscalate {
		evType = events.EventSLABreach
	}
	metrics.SLAEscalations.WithLabelValues(string(esc.Action)).Inc()
	e.bus.Emit(&events.Event{
		Type:   evType,
		TaskID: esc.TaskID,
		Agent:  esc.Assignee,
		Data: map[string]interface{}{
			"action":    string(esc.Action),
			"staleness": esc.Staleness.String(),
			"message":   FormatEscalationMessage(esc),
		},
	})
	e.logger.Warn().Str("task_id", esc.TaskID).Str("action", string(esc.Action)).
		Dur("staleness", esc.Staleness).Msg("sla escalation")
}

// Scan inspects every in_progress and ready_for_review task and
// returns at most one escalation per task: the most severe applicable
// rule wins.
func (e *Engine) Scan(b types.Board, now time.Time) []Escalation {
	var out []Escalation
	for _, task := range b.Tasks {
		if task.Status != types.TaskStatusInProgress && task.Status != types.TaskStatusReadyForReview {
			continue
		}
		staleness := stalenessOf(task, now)

		var action Action
		switch task.Status {
		case types.TaskStatusInProgress:
			switch {
			case task.HasTag("blocked") && staleness > e.cfg.BlockedStale:
				action = ActionEscalate
			case staleness > 2*e.cfg.InProgressStale:
				action = ActionReassignSuggested
			case staleness > e.cfg.InProgressStale:
				action = ActionPing
			}
		case types.TaskStatusReadyForReview:
			if staleness > e.cfg.ReviewStale {
				action = ActionPing
			}
		}
		if action == "" {
			continue
		}
		out = append(out, Escalation{
			TaskID:    task.ID,
			Title:     task.Title,
			Assignee:  task.Assignee,
			Action:    action,
			Staleness: staleness,
		})
	}
	return out
}

func stalenessOf(task types.Task, now time.Time) time.Duration {
	ts := board.LastStatusChange(task)
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}

// FormatEscalationMessage renders a display string for an escalation.
func FormatEscalationMessage(esc Escalation) string {
	var prefix string
	switch esc.Action {
	case ActionPing:
		prefix = "⏰"
	case ActionReassignSuggested:
		prefix = "⚠️"
	case ActionEscalate:
		prefix = "🚨"
	}
	who := esc.Assignee
	if who == "" {
		who = "unassigned"
	}
	return fmt.Sprintf("%s %s: task %q (%s) stale for %s",
		prefix, esc.Action, esc.Title, who, esc.Staleness.Round(time.Minute))
}
