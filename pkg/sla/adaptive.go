package sla

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/types"
)

// Trigger names the condition an adaptive rule fired on.
type Trigger string

const (
	TriggerTokenBurnRate          Trigger = "token_burn_rate"
	TriggerNoCheckpoint           Trigger = "no_checkpoint"
	TriggerContextSaturation      Trigger = "context_saturation"
	TriggerSessionEndedIncomplete Trigger = "session_ended_incomplete"
)

// AdaptiveAction is the coordinator action an adaptive trigger maps to.
type AdaptiveAction string

const (
	AdaptivePing            AdaptiveAction = "ping"
	AdaptiveSuggestReassign AdaptiveAction = "suggest_reassign"
	AdaptiveAutoReassign    AdaptiveAction = "auto_reassign"
	AdaptiveEscalateHuman   AdaptiveAction = "escalate_human"
	AdaptiveTerminate       AdaptiveAction = "terminate"
)

// Criticality levels read from task tags.
const (
	tagCriticalityHigh     = "criticality:high"
	tagCriticalityCritical = "criticality:critical"
	tagIrreversible        = "irreversible"
)

// AdaptiveFinding is one trigger with its mapped action.
type AdaptiveFinding struct {
	TaskID  string         `json:"taskId"`
	Trigger Trigger        `json:"trigger"`
	Action  AdaptiveAction `json:"action"`
	Detail  string         `json:"detail,omitempty"`
}

// MetricsSource provides current session metrics for a task. Nil
// snapshot means no session is correlated.
type MetricsSource interface {
	MetricsForTask(taskID string) (*types.SessionSnapshot, error)
}

// AdaptiveConfig carries the adaptive thresholds.
type AdaptiveConfig struct {
	ScanInterval      time.Duration
	BurnRateFactor    float64
	NoCheckpointAfter time.Duration
	SaturationLimit   float64
	DefaultWindowSize int64
	Cooldown          time.Duration
}

// DefaultAdaptiveConfig matches the documented defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		ScanInterval:      60 * time.Second,
		BurnRateFactor:    2.0,
		NoCheckpointAfter: 10 * time.Minute,
		SaturationLimit:   0.80,
		DefaultWindowSize: 200_000,
		Cooldown:          15 * time.Minute,
	}
}

// windowSizes maps agent types to context windows when the session
// does not report one.
var windowSizes = map[string]int64{
	"claude": 200_000,
	"gpt":    128_000,
	"gemini": 1_000_000,
}

// AdaptiveEngine maps live session metrics to coordinator actions.
// All per-task state (burn averages, cooldowns) is owned by the
// instance so parallel engines never interfere.
type AdaptiveEngine struct {
	cfg     AdaptiveConfig
	load    BoardLoader
	metrics MetricsSource
	bus     *events.Bus

	mu           sync.Mutex
	avgBurn      map[string]float64
	cooldowns    map[string]time.Time
	unresponsive map[string]time.Time

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewAdaptiveEngine wires an adaptive engine.
func NewAdaptiveEngine(cfg AdaptiveConfig, load BoardLoader, metrics MetricsSource, bus *events.Bus) *AdaptiveEngine {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultAdaptiveConfig()
	}
	return &AdaptiveEngine{
		cfg:          cfg,
		load:         load,
		metrics:      metrics,
		bus:          bus,
		avgBurn:      make(map[string]float64),
		cooldowns:    make(map[string]time.Time),
		unresponsive: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("adaptive-sla"),
	}
}

// Start launches the periodic scan loop.
func (e *AdaptiveEngine) Start() {
	go e.run()
}

// Stop halts the loop.
func (e *AdaptiveEngine) Stop() {
	close(e.stopCh)
}

func (e *AdaptiveEngine) run() {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b, err := e.load()
			if err != nil {
				e.logger.Error().Err(err).Msg("board load failed, skipping adaptive scan")
				continue
			}
			for _, f := range e.Scan(b, time.Now()) {
				e.bus.Emit(&events.Event{
					Type:   events.EventSLAWarning,
					TaskID: f.TaskID,
					Data: map[string]interface{}{
						"trigger": string(f.Trigger),
						"action":  string(f.Action),
						"detail":  f.Detail,
					},
				})
			}
		case <-e.stopCh:
			return
		}
	}
}

// MarkUnresponsive records when an agent stopped responding. The
// circuit-breaker path calls this; Scan upgrades actions for tasks
// whose agent has been silent too long.
func (e *AdaptiveEngine) MarkUnresponsive(agent string, since time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unresponsive[agent] = since
}

// ClearUnresponsive removes the unresponsive mark.
func (e *AdaptiveEngine) ClearUnresponsive(agent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.unresponsive, agent)
}

// Scan evaluates every in_progress task against the adaptive triggers.
// Reassignment actions start a per-task cooldown that suppresses
// further findings for that task.
func (e *AdaptiveEngine) Scan(b types.Board, now time.Time) []AdaptiveFinding {
	var out []AdaptiveFinding
	for _, task := range b.Tasks {
		if task.Status != types.TaskStatusInProgress {
			continue
		}
		if e.onCooldown(task.ID, now) {
			continue
		}

		snap, err := e.metrics.MetricsForTask(task.ID)
		if err != nil {
			e.logger.Debug().Err(err).Str("task_id", task.ID).Msg("metrics lookup failed")
			continue
		}
		if snap == nil {
			continue
		}

		finding := e.evaluate(task, snap, now)
		if finding == nil {
			continue
		}
		out = append(out, *finding)

		switch finding.Action {
		case AdaptiveSuggestReassign, AdaptiveAutoReassign, AdaptiveTerminate:
			e.mu.Lock()
			e.cooldowns[task.ID] = now.Add(e.cfg.Cooldown)
			e.mu.Unlock()
		}
	}
	return out
}

func (e *AdaptiveEngine) onCooldown(taskID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[taskID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(e.cooldowns, taskID)
		return false
	}
	return true
}

func (e *AdaptiveEngine) evaluate(task types.Task, snap *types.SessionSnapshot, now time.Time) *AdaptiveFinding {
	trigger, detail := e.detect(task, snap, now)
	if trigger == "" {
		return nil
	}

	action := e.mapAction(task, trigger)

	// Irreversible work never gets auto-acted on.
	if task.HasTag(tagIrreversible) {
		action = AdaptiveEscalateHuman
	}

	// An agent silent for twice the checkpoint threshold gets cut off.
	if task.Assignee != "" {
		e.mu.Lock()
		since, silent := e.unresponsive[task.Assignee]
		e.mu.Unlock()
		if silent && now.Sub(since) > 2*e.cfg.NoCheckpointAfter {
			action = AdaptiveTerminate
		}
	}

	return &AdaptiveFinding{TaskID: task.ID, Trigger: trigger, Action: action, Detail: detail}
}

func (e *AdaptiveEngine) detect(task types.Task, snap *types.SessionSnapshot, now time.Time) (Trigger, string) {
	// Session over but task still running beats everything else.
	if snap.Phase == types.SessionPhaseEnded || snap.Phase == types.SessionPhaseIdle {
		return TriggerSessionEndedIncomplete, "session " + string(snap.Phase) + " with task in_progress"
	}

	if sat := e.saturation(snap); sat > e.cfg.SaturationLimit {
		return TriggerContextSaturation, "context saturation above limit"
	}

	if snap.LastCheckpointAt != "" {
		if t, err := time.Parse(time.RFC3339, snap.LastCheckpointAt); err == nil {
			if now.Sub(t) > e.cfg.NoCheckpointAfter {
				return TriggerNoCheckpoint, "no checkpoint since " + snap.LastCheckpointAt
			}
		}
	}

	if snap.TokenBurnRate > 0 {
		e.mu.Lock()
		avg, ok := e.avgBurn[task.ID]
		if !ok {
			avg = snap.TokenBurnRate
		}
		// Exponential tracking of the task's typical burn.
		e.avgBurn[task.ID] = avg*0.8 + snap.TokenBurnRate*0.2
		e.mu.Unlock()
		if ok && snap.TokenBurnRate > e.cfg.BurnRateFactor*avg {
			return TriggerTokenBurnRate, "burn rate above task average"
		}
	}

	return "", ""
}

func (e *AdaptiveEngine) saturation(snap *types.SessionSnapshot) float64 {
	window := snap.WindowSize
	if window == 0 {
		if w, ok := windowSizes[snap.AgentType]; ok {
			window = w
		} else {
			window = e.cfg.DefaultWindowSize
		}
	}
	if window == 0 {
		return 0
	}
	return float64(snap.ContextTokens) / float64(window)
}

func (e *AdaptiveEngine) mapAction(task types.Task, trigger Trigger) AdaptiveAction {
	critical := task.HasTag(tagCriticalityCritical)
	high := task.HasTag(tagCriticalityHigh)

	switch trigger {
	case TriggerTokenBurnRate, TriggerNoCheckpoint:
		return AdaptivePing
	case TriggerContextSaturation:
		if critical || high {
			return AdaptiveAutoReassign
		}
		return AdaptiveSuggestReassign
	case TriggerSessionEndedIncomplete:
		if critical {
			return AdaptiveAutoReassign
		}
		return AdaptiveSuggestReassign
	}
	return AdaptivePing
}
