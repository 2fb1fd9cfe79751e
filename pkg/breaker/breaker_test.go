package breaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

type boardHarness struct {
	board types.Board
	saves int
}

func (h *boardHarness) io() BoardIO {
	return BoardIO{
		Load: func() (types.Board, error) { return h.board, nil },
		Save: func(b types.Board) error { h.board = b; h.saves++; return nil },
	}
}

func newBreaker(t *testing.T, h *boardHarness) (*AgentBreaker, *events.Bus, *storage.TrustStore) {
	t.Helper()
	bus := events.NewBus()
	trust, err := storage.NewTrustStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { trust.Close() })
	activity, err := storage.NewActivityStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { activity.Close() })

	return New(DefaultConfig(), bus, trust, activity, h.io()), bus, trust
}

func failure(agent, taskID string) *events.Event {
	return &events.Event{
		Type: events.EventTaskCompleted, Agent: agent, TaskID: taskID,
		Data: map[string]interface{}{"result": "failure"},
	}
}

func success(agent string) *events.Event {
	return &events.Event{
		Type: events.EventTaskCompleted, Agent: agent,
		Data: map[string]interface{}{"result": "success"},
	}
}

func TestThreeConsecutiveFailuresQuarantine(t *testing.T) {
	h := &boardHarness{board: types.Board{Tasks: []types.Task{
		{ID: "t1", Title: "a", Status: types.TaskStatusTodo, Assignee: "a"},
		{ID: "t2", Title: "b", Status: types.TaskStatusInProgress, Assignee: "a"},
		{ID: "t3", Title: "c", Status: types.TaskStatusAccepted, Assignee: "a"},
		{ID: "t4", Title: "d", Status: types.TaskStatusTodo, Assignee: "other"},
	}}}
	b, bus, _ := newBreaker(t, h)

	var reassignments []string
	bus.Subscribe(events.EventReassignment, func(ev *events.Event) {
		reassignments = append(reassignments, ev.TaskID)
	})

	bus.Emit(failure("a", "t1"))
	bus.Emit(failure("a", "t1"))
	assert.True(t, b.CheckAgent("a"), "two failures are not enough")

	bus.Emit(failure("a", "t1"))
	assert.False(t, b.CheckAgent("a"))

	q := b.GetQuarantine("a")
	require.NotNil(t, q)
	assert.Contains(t, q.Reason, "consecutive failures")

	// Only a's todo and in_progress tasks were pulled.
	assert.ElementsMatch(t, []string{"t1", "t2"}, reassignments)
	for _, task := range h.board.Tasks {
		switch task.ID {
		case "t1", "t2":
			assert.Empty(t, task.Assignee)
		case "t3":
			assert.Equal(t, "a", task.Assignee, "terminal tasks keep their assignee")
		case "t4":
			assert.Equal(t, "other", task.Assignee)
		}
	}
	assert.Equal(t, 1, h.saves)
}

func TestSuccessResetsCounter(t *testing.T) {
	b, bus, _ := newBreaker(t, &boardHarness{})

	bus.Emit(failure("a", "t1"))
	bus.Emit(failure("a", "t1"))
	bus.Emit(success("a"))
	bus.Emit(failure("a", "t1"))
	bus.Emit(failure("a", "t1"))
	assert.True(t, b.CheckAgent("a"), "counter must reset on success")

	bus.Emit(failure("a", "t1"))
	assert.False(t, b.CheckAgent("a"))
}

func TestTrustDropQuarantines(t *testing.T) {
	b, bus, trust := newBreaker(t, &boardHarness{})

	// Four rejections and a failure sum to -30 within the window.
	for i := 0; i < 4; i++ {
		_, err := trust.RecordOutcome("a", storage.OutcomeRejected, -1)
		require.NoError(t, err)
	}
	_, err := trust.RecordOutcome("a", storage.OutcomeFailed, -1)
	require.NoError(t, err)

	bus.Emit(&events.Event{Type: events.EventTrustUpdate, Agent: "a"})
	assert.False(t, b.CheckAgent("a"))

	q := b.GetQuarantine("a")
	require.NotNil(t, q)
	assert.Contains(t, q.Reason, "trust dropped")
}

func TestTrustUpdateBelowLimitStaysHealthy(t *testing.T) {
	b, bus, trust := newBreaker(t, &boardHarness{})

	_, err := trust.RecordOutcome("a", storage.OutcomeRejected, -1)
	require.NoError(t, err)

	bus.Emit(&events.Event{Type: events.EventTrustUpdate, Agent: "a"})
	assert.True(t, b.CheckAgent("a"))
}

func TestUnresponsiveSweep(t *testing.T) {
	cfg := DefaultConfig()
	bus := events.NewBus()
	b := New(cfg, bus, nil, nil, BoardIO{})

	b.TrackTask("a", "t1")
	b.sweepUnresponsive(time.Now())
	assert.True(t, b.CheckAgent("a"), "recent progress keeps the agent in")

	b.sweepUnresponsive(time.Now().Add(31 * time.Minute))
	assert.False(t, b.CheckAgent("a"))
	assert.Contains(t, b.GetQuarantine("a").Reason, "no progress")
}

func TestProgressEventsFeedTheSweep(t *testing.T) {
	b, bus, _ := newBreaker(t, &boardHarness{})

	b.TrackTask("a", "t1")
	bus.Emit(&events.Event{Type: events.EventProgressUpdate, Agent: "a", TaskID: "t1"})
	b.sweepUnresponsive(time.Now().Add(10 * time.Minute))
	assert.True(t, b.CheckAgent("a"))
}

func TestReinstate(t *testing.T) {
	b, bus, _ := newBreaker(t, &boardHarness{})

	bus.Emit(failure("a", "t1"))
	bus.Emit(failure("a", "t1"))
	bus.Emit(failure("a", "t1"))
	require.False(t, b.CheckAgent("a"))

	b.ReinstateAgent("a")
	assert.True(t, b.CheckAgent("a"))
	assert.Nil(t, b.GetQuarantine("a"))

	// Counter was reset too: two more failures do not re-trip.
	bus.Emit(failure("a", "t1"))
	bus.Emit(failure("a", "t1"))
	assert.True(t, b.CheckAgent("a"))
}

func TestQuarantineIsIdempotent(t *testing.T) {
	h := &boardHarness{board: types.Board{Tasks: []types.Task{
		{ID: "t1", Title: "a", Status: types.TaskStatusTodo, Assignee: "a"},
	}}}
	b, _, _ := newBreaker(t, h)
	before := testutil.ToFloat64(metrics.QuarantinesTotal)

	b.QuarantineAgent("a", "first")
	b.QuarantineAgent("a", "second")
	assert.Equal(t, "first", b.GetQuarantine("a").Reason)
	assert.Equal(t, 1, h.saves)
	assert.Len(t, b.Quarantined(), 1)

	// The repeat call must not count twice.
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QuarantinesTotal))
}
