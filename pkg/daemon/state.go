package daemon

import (
	"sort"
	"sync"
	"time"

	"github.com/agentctl/agentd/pkg/types"
)

// DaemonState holds the in-memory maps the server mutates: connection
// registry and per-account health. All access goes through the mutex;
// nothing here survives a restart.
type DaemonState struct {
	mu        sync.RWMutex
	health    map[string]*types.AccountHealth
	connected map[string]string // account -> session token
}

// NewDaemonState builds empty state.
func NewDaemonState() *DaemonState {
	return &DaemonState{
		health:    make(map[string]*types.AccountHealth),
		connected: make(map[string]string),
	}
}

func (s *DaemonState) healthFor(account string) *types.AccountHealth {
	h := s.health[account]
	if h == nil {
		h = &types.AccountHealth{Account: account}
		s.health[account] = h
	}
	return h
}

// MarkConnected registers an authenticated connection and stores its
// session token for later verification.
func (s *DaemonState) MarkConnected(account, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[account] = token
	h := s.healthFor(account)
	h.Connected = true
	h.LastActivity = time.Now()
	h.UpdatedAt = time.Now()
}

// MarkDisconnected drops the connection registration.
func (s *DaemonState) MarkDisconnected(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, account)
	h := s.healthFor(account)
	h.Connected = false
	h.UpdatedAt = time.Now()
}

// IsConnected reports whether the account has a live connection.
func (s *DaemonState) IsConnected(account string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connected[account]
	return ok
}

// VerifySessionToken checks a token against the one presented at auth.
func (s *DaemonState) VerifySessionToken(account, token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.connected[account]
	return ok && stored == token
}

// MarkActive refreshes the account's last-activity timestamp.
func (s *DaemonState) MarkActive(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healthFor(account)
	h.LastActivity = time.Now()
	h.UpdatedAt = time.Now()
}

// RecordError bumps the account's error counter.
func (s *DaemonState) RecordError(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healthFor(account)
	h.ErrorCount++
	h.UpdatedAt = time.Now()
}

// RecordSLAViolation bumps the account's SLA-violation counter.
func (s *DaemonState) RecordSLAViolation(account string) {
	if account == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healthFor(account)
	h.SLAViolations++
	h.UpdatedAt = time.Now()
}

// SetRateLimited flags or clears the account's rate-limited state.
func (s *DaemonState) SetRateLimited(account string, limited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healthFor(account)
	h.RateLimited = limited
	h.UpdatedAt = time.Now()
}

// ConnectedAccounts lists accounts with live connections, sorted.
func (s *DaemonState) ConnectedAccounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.connected))
	for account := range s.connected {
		out = append(out, account)
	}
	sort.Strings(out)
	return out
}

// HealthSnapshot derives and returns every tracked account's health.
func (s *DaemonState) HealthSnapshot(now time.Time) []types.AccountHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccountHealth, 0, len(s.health))
	for _, h := range s.health {
		h.Derive(now)
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
