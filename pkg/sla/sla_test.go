package sla

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/types"
)

func staleTask(id string, status types.TaskStatus, age time.Duration, tags ...string) types.Task {
	created := types.Timestamp(time.Now().Add(-age))
	return types.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    status,
		Assignee:  "alice",
		CreatedAt: created,
		Tags:      tags,
		Events: []types.TaskEvent{
			{Type: "status_changed", Timestamp: created, From: types.TaskStatusTodo, To: status},
		},
	}
}

func scanOne(t *testing.T, task types.Task) []Escalation {
	t.Helper()
	e := NewEngine(DefaultConfig(), nil, events.NewBus())
	return e.Scan(types.Board{Tasks: []types.Task{task}}, time.Now())
}

func TestScanRules(t *testing.T) {
	tests := []struct {
		name   string
		task   types.Task
		action Action
		none   bool
	}{
		{
			name:   "in_progress 35 minutes pings",
			task:   staleTask("t1", types.TaskStatusInProgress, 35*time.Minute),
			action: ActionPing,
		},
		{
			name:   "in_progress 65 minutes suggests reassign",
			task:   staleTask("t2", types.TaskStatusInProgress, 65*time.Minute),
			action: ActionReassignSuggested,
		},
		{
			name:   "blocked 20 minutes escalates",
			task:   staleTask("t3", types.TaskStatusInProgress, 20*time.Minute, "blocked"),
			action: ActionEscalate,
		},
		{
			name:   "ready_for_review 12 minutes pings",
			task:   staleTask("t4", types.TaskStatusReadyForReview, 12*time.Minute),
			action: ActionPing,
		},
		{
			name: "fresh in_progress is quiet",
			task: staleTask("t5", types.TaskStatusInProgress, 5*time.Minute),
			none: true,
		},
		{
			name: "todo is never scanned",
			task: staleTask("t6", types.TaskStatusTodo, 3*time.Hour),
			none: true,
		},
		{
			name: "accepted is never scanned",
			task: staleTask("t7", types.TaskStatusAccepted, 3*time.Hour),
			none: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scanOne(t, tt.task)
			if tt.none {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.action, got[0].Action)
		})
	}
}

func TestPublishEmitsEventAndCounts(t *testing.T) {
	bus := events.NewBus()
	e := NewEngine(DefaultConfig(), nil, bus)

	var got []*events.Event
	bus.Subscribe(events.EventSLABreach, func(ev *events.Event) { got = append(got, ev) })

	escalateCounter := metrics.SLAEscalations.WithLabelValues(string(ActionEscalate))
	before := testutil.ToFloat64(escalateCounter)

	e.publish(Escalation{
		TaskID: "t1", Title: "fix build", Assignee: "alice",
		Action: ActionEscalate, Staleness: 20 * time.Minute,
	})

	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, before+1, testutil.ToFloat64(escalateCounter))
}

func TestFormatEscalationMessage(t *testing.T) {
	msg := FormatEscalationMessage(Escalation{
		TaskID: "t1", Title: "fix build", Assignee: "bob",
		Action: ActionEscalate, Staleness: 20 * time.Minute,
	})
	assert.Contains(t, msg, "🚨")
	assert.Contains(t, msg, "fix build")
	assert.Contains(t, msg, "bob")

	msg = FormatEscalationMessage(Escalation{Action: ActionPing, Title: "x", Staleness: time.Hour})
	assert.Contains(t, msg, "⏰")
	assert.Contains(t, msg, "unassigned")

	msg = FormatEscalationMessage(Escalation{Action: ActionReassignSuggested, Title: "x"})
	assert.Contains(t, msg, "⚠️")
}

type stubMetrics struct {
	snaps map[string]*types.SessionSnapshot
}

func (s *stubMetrics) MetricsForTask(taskID string) (*types.SessionSnapshot, error) {
	return s.snaps[taskID], nil
}

func adaptiveWith(t *testing.T, snaps map[string]*types.SessionSnapshot) *AdaptiveEngine {
	t.Helper()
	return NewAdaptiveEngine(DefaultAdaptiveConfig(), nil, &stubMetrics{snaps: snaps}, events.NewBus())
}

func inProgress(id string, tags ...string) types.Task {
	return staleTask(id, types.TaskStatusInProgress, time.Minute, tags...)
}

func TestAdaptiveSessionEnded(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {SessionID: "s1", Phase: types.SessionPhaseEnded},
	})
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, TriggerSessionEndedIncomplete, got[0].Trigger)
	assert.Equal(t, AdaptiveSuggestReassign, got[0].Action)
}

func TestAdaptiveSessionEndedCriticalAutoReassigns(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {SessionID: "s1", Phase: types.SessionPhaseEnded},
	})
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1", "criticality:critical")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, AdaptiveAutoReassign, got[0].Action)
}

func TestAdaptiveContextSaturation(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {Phase: types.SessionPhaseActive, ContextTokens: 170_000, WindowSize: 200_000},
	})
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, TriggerContextSaturation, got[0].Trigger)
	assert.Equal(t, AdaptiveSuggestReassign, got[0].Action)

	// criticality:high upgrades to auto_reassign.
	e2 := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {Phase: types.SessionPhaseActive, ContextTokens: 170_000, WindowSize: 200_000},
	})
	got = e2.Scan(types.Board{Tasks: []types.Task{inProgress("t1", "criticality:high")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, AdaptiveAutoReassign, got[0].Action)
}

func TestAdaptiveDefaultWindowPerAgentType(t *testing.T) {
	// 120k tokens saturates a 128k gpt window but not a 200k default.
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {Phase: types.SessionPhaseActive, AgentType: "gpt", ContextTokens: 120_000},
	})
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, TriggerContextSaturation, got[0].Trigger)
}

func TestAdaptiveNoCheckpointPings(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {
			Phase:            types.SessionPhaseActive,
			LastCheckpointAt: types.Timestamp(time.Now().Add(-20 * time.Minute)),
		},
	})
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, TriggerNoCheckpoint, got[0].Trigger)
	assert.Equal(t, AdaptivePing, got[0].Action)
}

func TestAdaptiveBurnRateNeedsHistory(t *testing.T) {
	snap := &types.SessionSnapshot{Phase: types.SessionPhaseActive, TokenBurnRate: 100}
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{"t1": snap})
	b := types.Board{Tasks: []types.Task{inProgress("t1")}}

	// First scan seeds the average, no finding.
	assert.Empty(t, e.Scan(b, time.Now()))

	// A 3x spike over the tracked average fires.
	snap.TokenBurnRate = 300
	got := e.Scan(b, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, TriggerTokenBurnRate, got[0].Trigger)
	assert.Equal(t, AdaptivePing, got[0].Action)
}

func TestAdaptiveIrreversibleEscalatesHuman(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {Phase: types.SessionPhaseEnded},
	})
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1", "irreversible")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, AdaptiveEscalateHuman, got[0].Action)
}

func TestAdaptiveUnresponsiveTerminates(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {Phase: types.SessionPhaseEnded},
	})
	e.MarkUnresponsive("alice", time.Now().Add(-30*time.Minute))
	got := e.Scan(types.Board{Tasks: []types.Task{inProgress("t1")}}, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, AdaptiveTerminate, got[0].Action)

	e.ClearUnresponsive("alice")
}

func TestAdaptiveCooldownSuppressesRepeats(t *testing.T) {
	e := adaptiveWith(t, map[string]*types.SessionSnapshot{
		"t1": {Phase: types.SessionPhaseEnded},
	})
	b := types.Board{Tasks: []types.Task{inProgress("t1")}}
	now := time.Now()

	require.Len(t, e.Scan(b, now), 1)
	assert.Empty(t, e.Scan(b, now.Add(time.Minute)), "cooldown must suppress")
	assert.Len(t, e.Scan(b, now.Add(20*time.Minute)), 1, "cooldown expired")
}
