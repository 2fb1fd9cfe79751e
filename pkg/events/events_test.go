package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsIDAndTimestamp(t *testing.T) {
	b := NewBus()
	ev := b.Emit(&Event{Type: EventTaskCreated, TaskID: "t1"})
	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Timestamp)
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var order []string
	b.Subscribe(EventTaskCompleted, func(*Event) { order = append(order, "first") })
	b.Subscribe(EventTaskCompleted, func(*Event) { order = append(order, "second") })
	b.Subscribe(Wildcard, func(*Event) { order = append(order, "wildcard") })

	b.Emit(&Event{Type: EventTaskCompleted})
	assert.Equal(t, []string{"first", "second", "wildcard"}, order)
}

func TestWildcardSeesEveryType(t *testing.T) {
	b := NewBus()
	var seen []EventType
	b.Subscribe(Wildcard, func(ev *Event) { seen = append(seen, ev.Type) })

	b.Emit(&Event{Type: EventTaskStarted})
	b.Emit(&Event{Type: EventSLABreach})
	assert.Equal(t, []EventType{EventTaskStarted, EventSLABreach}, seen)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := NewBus()
	ran := false
	b.Subscribe(EventTaskCompleted, func(*Event) { panic("boom") })
	b.Subscribe(EventTaskCompleted, func(*Event) { ran = true })

	require.NotPanics(t, func() {
		b.Emit(&Event{Type: EventTaskCompleted})
	})
	assert.True(t, ran, "handler after the panicking one must still run")
}

func TestRingBufferBoundsAndFilters(t *testing.T) {
	b := NewBusWithRing(4)
	for i := 0; i < 6; i++ {
		taskID := "t-even"
		if i%2 == 1 {
			taskID = "t-odd"
		}
		b.Emit(&Event{Type: EventProgressUpdate, TaskID: taskID})
	}
	b.Emit(&Event{Type: EventTaskCompleted, TaskID: "t-done"})

	// Ring holds only the newest 4 events.
	all := b.Recent(0)
	assert.Len(t, all, 4)
	assert.Equal(t, EventTaskCompleted, all[0].Type)

	byType := b.RecentByType(EventProgressUpdate, 0)
	assert.Len(t, byType, 3)

	byTask := b.RecentByTask("t-done", 0)
	require.Len(t, byTask, 1)
	assert.Equal(t, EventTaskCompleted, byTask[0].Type)

	limited := b.Recent(2)
	assert.Len(t, limited, 2)
}
