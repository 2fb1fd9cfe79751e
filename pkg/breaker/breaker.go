// Package breaker quarantines misbehaving agents. It watches task
// outcomes and trust movement on the event bus, counts consecutive
// failures, and pulls an agent's active tasks when it trips.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/board"
	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

// Config carries the trip thresholds.
type Config struct {
	// ConsecutiveFailures trips the breaker when reached.
	ConsecutiveFailures int
	// TrustDropWindow and TrustDropLimit trip when the summed trust
	// delta within the window falls to the limit or below.
	TrustDropWindow time.Duration
	TrustDropLimit  float64
	// ProgressTimeout trips when an active task reports nothing for
	// this long.
	ProgressTimeout time.Duration
	// MaintenanceInterval drives the periodic unresponsive sweep.
	MaintenanceInterval time.Duration
}

// DefaultConfig matches the documented thresholds.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures: 3,
		TrustDropWindow:     24 * time.Hour,
		TrustDropLimit:      -20,
		ProgressTimeout:     30 * time.Minute,
		MaintenanceInterval: 5 * time.Minute,
	}
}

// Quarantine records why and when an agent was cut off.
type Quarantine struct {
	Agent    string `json:"agent"`
	Reason   string `json:"reason"`
	Since    string `json:"since"`
	Failures int    `json:"failures"`
}

// BoardIO loads and saves the task board. The daemon injects the
// file-backed pair.
type BoardIO struct {
	Load func() (types.Board, error)
	Save func(types.Board) error
}

// AgentBreaker is the circuit breaker over agent accounts.
type AgentBreaker struct {
	cfg      Config
	bus      *events.Bus
	trust    *storage.TrustStore
	activity *storage.ActivityStore
	boardIO  BoardIO

	mu           sync.Mutex
	failures     map[string]int
	quarantined  map[string]*Quarantine
	lastProgress map[string]map[string]time.Time // agent -> task -> last report

	stopCh chan struct{}
	logger zerolog.Logger
}

// New wires a breaker and subscribes it to the bus.
func New(cfg Config, bus *events.Bus, trust *storage.TrustStore, activity *storage.ActivityStore, io BoardIO) *AgentBreaker {
	if cfg.ConsecutiveFailures <= 0 {
		cfg = DefaultConfig()
	}
	b := &AgentBreaker{
		cfg:          cfg,
		bus:          bus,
		trust:        trust,
		activity:     activity,
		boardIO:      io,
		failures:     make(map[string]int),
		quarantined:  make(map[string]*Quarantine),
		lastProgress: make(map[string]map[string]time.Time),
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("breaker"),
	}
	bus.Subscribe(events.EventTaskCompleted, b.onTaskCompleted)
	bus.Subscribe(events.EventTrustUpdate, b.onTrustUpdate)
	bus.Subscribe(events.EventProgressUpdate, b.onProgress)
	bus.Subscribe(events.EventCheckpointReached, b.onProgress)
	return b
}

// Start launches the periodic unresponsive sweep.
func (b *AgentBreaker) Start() {
	go b.run()
}

// Stop halts the sweep.
func (b *AgentBreaker) Stop() {
	close(b.stopCh)
}

func (b *AgentBreaker) run() {
	ticker := time.NewTicker(b.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepUnresponsive(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

// CheckAgent reports whether an agent may receive work. Routing calls
// this as its gate.
func (b *AgentBreaker) CheckAgent(agent string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, bad := b.quarantined[agent]
	return !bad
}

// GetQuarantine returns the quarantine record for an agent, or nil.
func (b *AgentBreaker) GetQuarantine(agent string) *Quarantine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quarantined[agent]
}

// Quarantined lists all current quarantine records.
func (b *AgentBreaker) Quarantined() []*Quarantine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Quarantine, 0, len(b.quarantined))
	for _, q := range b.quarantined {
		out = append(out, q)
	}
	return out
}

// ReinstateAgent lifts the quarantine and resets the failure counter.
func (b *AgentBreaker) ReinstateAgent(agent string) {
	b.mu.Lock()
	delete(b.quarantined, agent)
	b.failures[agent] = 0
	b.mu.Unlock()

	b.logger.Info().Str("agent", agent).Msg("agent reinstated")
	b.logActivity("reinstate", agent, "", "quarantine lifted")
}

func (b *AgentBreaker) onTaskCompleted(ev *events.Event) {
	if ev.Agent == "" {
		return
	}
	result, _ := ev.Data["result"].(string)

	b.mu.Lock()
	if result == "failure" {
		b.failures[ev.Agent]++
	} else {
		b.failures[ev.Agent] = 0
	}
	count := b.failures[ev.Agent]
	if tasks, ok := b.lastProgress[ev.Agent]; ok {
		delete(tasks, ev.TaskID)
	}
	b.mu.Unlock()

	if count >= b.cfg.ConsecutiveFailures {
		b.QuarantineAgent(ev.Agent, fmt.Sprintf("%d consecutive failures", count))
	}
}

func (b *AgentBreaker) onTrustUpdate(ev *events.Event) {
	if ev.Agent == "" || b.trust == nil {
		return
	}
	since := types.Timestamp(time.Now().Add(-b.cfg.TrustDropWindow))
	sum, err := b.trust.RecentDeltaSum(ev.Agent, since)
	if err != nil {
		b.logger.Error().Err(err).Str("agent", ev.Agent).Msg("trust delta lookup failed")
		return
	}
	if sum <= b.cfg.TrustDropLimit {
		b.QuarantineAgent(ev.Agent, fmt.Sprintf("trust dropped %.0f points in %s", sum, b.cfg.TrustDropWindow))
	}
}

func (b *AgentBreaker) onProgress(ev *events.Event) {
	if ev.Agent == "" || ev.TaskID == "" {
		return
	}
	b.mu.Lock()
	if b.lastProgress[ev.Agent] == nil {
		b.lastProgress[ev.Agent] = make(map[string]time.Time)
	}
	b.lastProgress[ev.Agent][ev.TaskID] = time.Now()
	b.mu.Unlock()
}

// TrackTask starts the progress clock for an assigned task.
func (b *AgentBreaker) TrackTask(agent, taskID string) {
	b.onProgress(&events.Event{Agent: agent, TaskID: taskID})
}

func (b *AgentBreaker) sweepUnresponsive(now time.Time) {
	type stale struct{ agent, taskID string }
	var found []stale

	b.mu.Lock()
	for agent, tasks := range b.lastProgress {
		if _, bad := b.quarantined[agent]; bad {
			continue
		}
		for taskID, last := range tasks {
			if now.Sub(last) > b.cfg.ProgressTimeout {
				found = append(found, stale{agent, taskID})
			}
		}
	}
	b.mu.Unlock()

	for _, s := range found {
		b.QuarantineAgent(s.agent, fmt.Sprintf("no progress on task %s for %s", s.taskID, b.cfg.ProgressTimeout))
	}
}

// QuarantineAgent cuts an agent off: records the reason, unassigns its
// todo and in_progress tasks, emits a reassignment event per task, and
// logs the activity.
func (b *AgentBreaker) QuarantineAgent(agent, reason string) {
	b.mu.Lock()
	if _, already := b.quarantined[agent]; already {
		b.mu.Unlock()
		return
	}
	q := &Quarantine{
		Agent:    agent,
		Reason:   reason,
		Since:    types.Now(),
		Failures: b.failures[agent],
	}
	b.quarantined[agent] = q
	b.mu.Unlock()

	metrics.QuarantinesTotal.Inc()
	b.logger.Warn().Str("agent", agent).Str("reason", reason).Msg("agent quarantined")

	revoked := b.revokeTasks(agent)
	b.logActivity("quarantine", agent, "",
		fmt.Sprintf("%s; %d tasks unassigned", reason, revoked))
}

func (b *AgentBreaker) revokeTasks(agent string) int {
	if b.boardIO.Load == nil || b.boardIO.Save == nil {
		return 0
	}
	brd, err := b.boardIO.Load()
	if err != nil {
		b.logger.Error().Err(err).Msg("board load failed during quarantine")
		return 0
	}

	revoked := 0
	for _, task := range brd.Tasks {
		if task.Assignee != agent {
			continue
		}
		if task.Status != types.TaskStatusTodo && task.Status != types.TaskStatusInProgress {
			continue
		}
		next, err := board.AssignTask(brd, task.ID, "")
		if err != nil {
			b.logger.Error().Err(err).Str("task_id", task.ID).Msg("unassign failed")
			continue
		}
		brd = next
		revoked++
		b.bus.Emit(&events.Event{
			Type:   events.EventReassignment,
			Agent:  agent,
			TaskID: task.ID,
			Data:   map[string]interface{}{"reason": "quarantine"},
		})
	}

	if revoked > 0 {
		if err := b.boardIO.Save(brd); err != nil {
			b.logger.Error().Err(err).Msg("board save failed during quarantine")
		}
	}
	return revoked
}

func (b *AgentBreaker) logActivity(kind, agent, taskID, detail string) {
	if b.activity == nil {
		return
	}
	if err := b.activity.Append(&storage.Activity{
		Kind: kind, Account: agent, TaskID: taskID, Detail: detail,
	}); err != nil {
		b.logger.Error().Err(err).Msg("activity append failed")
	}
}
