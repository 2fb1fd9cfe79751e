package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateConnectionLifecycle(t *testing.T) {
	s := NewDaemonState()

	assert.False(t, s.IsConnected("alice"))

	s.MarkConnected("alice", "session-1")
	assert.True(t, s.IsConnected("alice"))
	assert.True(t, s.VerifySessionToken("alice", "session-1"))
	assert.False(t, s.VerifySessionToken("alice", "session-2"))
	assert.False(t, s.VerifySessionToken("bob", "session-1"))

	s.MarkDisconnected("alice")
	assert.False(t, s.IsConnected("alice"))
	assert.False(t, s.VerifySessionToken("alice", "session-1"))
}

func TestConnectedAccountsSorted(t *testing.T) {
	s := NewDaemonState()
	s.MarkConnected("charlie", "t3")
	s.MarkConnected("alice", "t1")
	s.MarkConnected("bob", "t2")

	assert.Equal(t, []string{"alice", "bob", "charlie"}, s.ConnectedAccounts())
}

func TestHealthCounters(t *testing.T) {
	s := NewDaemonState()
	s.MarkConnected("alice", "t1")
	s.RecordError("alice")
	s.RecordError("alice")
	s.RecordSLAViolation("alice")
	s.RecordSLAViolation("") // ignored
	s.SetRateLimited("alice", true)

	snap := s.HealthSnapshot(time.Now())
	require.Len(t, snap, 1)
	h := snap[0]
	assert.Equal(t, "alice", h.Account)
	assert.Equal(t, 2, h.ErrorCount)
	assert.Equal(t, 1, h.SLAViolations)
	assert.True(t, h.RateLimited)
	assert.True(t, h.Connected)
}

func TestHealthSnapshotSorted(t *testing.T) {
	s := NewDaemonState()
	s.MarkActive("zed")
	s.MarkActive("ann")

	snap := s.HealthSnapshot(time.Now())
	require.Len(t, snap, 2)
	assert.Equal(t, "ann", snap[0].Account)
	assert.Equal(t, "zed", snap[1].Account)
}
