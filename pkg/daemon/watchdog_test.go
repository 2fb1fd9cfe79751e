package daemon

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogHealthyProbe(t *testing.T) {
	w := NewWatchdog(time.Hour, 1<<20, func() error { return nil }, nil)

	snap := w.Check()
	assert.True(t, snap.StoreOK)
	assert.NotEmpty(t, snap.Timestamp)
	assert.Equal(t, snap, w.Snapshot())
}

func TestWatchdogProbeFailureTriggersBreach(t *testing.T) {
	var reasons []string
	w := NewWatchdog(time.Hour, 1<<20,
		func() error { return errors.New("db locked") },
		func(reason string) { reasons = append(reasons, reason) },
	)

	snap := w.Check()
	assert.False(t, snap.StoreOK)
	require.Len(t, reasons, 1)
	assert.Equal(t, "store unreachable", reasons[0])
}

func TestWatchdogMemoryBreach(t *testing.T) {
	var reasons []string
	// Threshold of zero MiB trips on any allocation.
	w := NewWatchdog(time.Hour, 0, nil, func(reason string) { reasons = append(reasons, reason) })

	ballast := make([]byte, 4<<20)
	_ = ballast[0]
	w.Check()
	runtime.KeepAlive(ballast)
	require.NotEmpty(t, reasons)
	assert.Equal(t, "memory above threshold", reasons[0])
}

func TestWatchdogStartStop(t *testing.T) {
	w := NewWatchdog(10*time.Millisecond, 1<<20, func() error { return nil }, nil)
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	assert.True(t, w.Snapshot().StoreOK)
}
