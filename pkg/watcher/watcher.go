// Package watcher translates external agent session-state files into
// lifecycle events on the bus.
package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

// SessionWatcher watches a directory of JSON session files and emits
// delegation events when sessions change phase or make progress.
type SessionWatcher struct {
	dir      string
	bus      *events.Bus
	sessions *storage.SessionStore

	mu            sync.Mutex
	last          map[string]*types.SessionSnapshot // session id -> last seen
	taskLinks     map[string]string                 // session id -> task id
	expectedFiles map[string][]string               // session id -> files the task should touch
	resolve       func(taskID string) string        // task id -> assignee account

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  zerolog.Logger
}

// New creates a watcher over dir. The session store may be nil; then
// snapshots are kept in memory only.
func New(dir string, bus *events.Bus, sessions *storage.SessionStore) *SessionWatcher {
	return &SessionWatcher{
		dir:           dir,
		bus:           bus,
		sessions:      sessions,
		last:          make(map[string]*types.SessionSnapshot),
		taskLinks:     make(map[string]string),
		expectedFiles: make(map[string][]string),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		logger:        log.WithComponent("watcher"),
	}
}

// SetAccountResolver installs the task-to-assignee lookup. Emitted
// events then carry the account name the rest of the daemon keys on,
// not the session's agent type.
func (w *SessionWatcher) SetAccountResolver(fn func(taskID string) string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolve = fn
}

// LinkSession correlates a session id with a task id and, optionally,
// the files the task is expected to touch.
func (w *SessionWatcher) LinkSession(sessionID, taskID string, expectedFiles []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.taskLinks[sessionID] = taskID
	if len(expectedFiles) > 0 {
		w.expectedFiles[sessionID] = expectedFiles
	}
}

// TaskForSession returns the correlated task id, if any.
func (w *SessionWatcher) TaskForSession(sessionID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	taskID, ok := w.taskLinks[sessionID]
	return taskID, ok
}

// MetricsForTask returns the last snapshot of the session working a
// task. Satisfies the adaptive SLA metrics source.
func (w *SessionWatcher) MetricsForTask(taskID string) (*types.SessionSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sid, tid := range w.taskLinks {
		if tid == taskID {
			if snap, ok := w.last[sid]; ok {
				return snap, nil
			}
		}
	}
	for _, snap := range w.last {
		if snap.TaskID == taskID {
			return snap, nil
		}
	}
	return nil, nil
}

// Start performs the baseline scan and launches the event loop.
func (w *SessionWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	w.Baseline()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.watcher = fsw

	go w.run()
	return nil
}

// Stop halts the loop and closes the underlying watcher.
func (w *SessionWatcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		<-w.doneCh
	}
}

func (w *SessionWatcher) run() {
	defer close(w.doneCh)
	defer w.watcher.Close()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !sessionFile(ev.Name) {
				continue
			}
			w.HandleFile(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("fs watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func sessionFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.Contains(name, ".tmp")
}

// Baseline reads every existing session file without emitting events,
// so a daemon restart does not replay history.
func (w *SessionWatcher) Baseline() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !sessionFile(e.Name()) {
			continue
		}
		snap, err := readSnapshot(filepath.Join(w.dir, e.Name()))
		if err != nil || snap == nil {
			continue
		}
		w.mu.Lock()
		w.last[snap.SessionID] = snap
		w.mu.Unlock()
	}
}

// readSnapshot tolerates partial writes: unparsable content reads as
// nil without error escalation; the next change event retries.
func readSnapshot(path string) (*types.SessionSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap types.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil
	}
	if snap.SessionID == "" {
		snap.SessionID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return &snap, nil
}

// HandleFile diffs one session file against the last seen snapshot
// and emits the resulting events. Exported for tests and for the
// daemon's manual re-scan RPC.
func (w *SessionWatcher) HandleFile(path string) {
	snap, err := readSnapshot(path)
	if err != nil || snap == nil {
		return
	}

	w.mu.Lock()
	prev := w.last[snap.SessionID]
	w.last[snap.SessionID] = snap
	taskID := w.taskLinks[snap.SessionID]
	if taskID == "" {
		taskID = snap.TaskID
	}
	expected := w.expectedFiles[snap.SessionID]
	w.mu.Unlock()

	if w.sessions != nil {
		stored := *snap
		if stored.TaskID == "" {
			stored.TaskID = taskID
		}
		if err := w.sessions.Put(&stored); err != nil {
			w.logger.Warn().Err(err).Msg("session snapshot persist failed")
		}
	}

	if prev == nil {
		// First sighting after baseline; only a fresh-start transition
		// out of nothing counts as a start.
		if snap.Phase.Active() {
			w.emit(events.EventTaskStarted, snap, taskID, map[string]interface{}{
				"sessionId": snap.SessionID,
			})
		}
		return
	}

	w.diff(prev, snap, taskID, expected)
}

func (w *SessionWatcher) diff(prev, snap *types.SessionSnapshot, taskID string, expected []string) {
	if !prev.Phase.Active() && snap.Phase.Active() {
		w.emit(events.EventTaskStarted, snap, taskID, map[string]interface{}{
			"sessionId": snap.SessionID,
		})
	}

	if snap.CheckpointCount > prev.CheckpointCount {
		w.emit(events.EventCheckpointReached, snap, taskID, map[string]interface{}{
			"checkpoint": snap.CheckpointCount,
			"percent":    progressPercent(snap, expected),
		})
	}

	if snap.TokensUsed > prev.TokensUsed {
		w.emit(events.EventProgressUpdate, snap, taskID, map[string]interface{}{
			"step": fmt.Sprintf("tokens: %d, burn rate: %.1f", snap.TokensUsed, snap.TokenBurnRate),
		})
		if sat := saturation(snap); sat > 0.80 {
			w.emit(events.EventResourceWarning, snap, taskID, map[string]interface{}{
				"saturation": sat,
			})
		}
	}

	if len(snap.FilesTouched) > len(prev.FilesTouched) {
		w.emit(events.EventProgressUpdate, snap, taskID, map[string]interface{}{
			"files": snap.FilesTouched[len(prev.FilesTouched):],
		})
	}

	if prev.Phase.Active() && !snap.Phase.Active() {
		w.emit(events.EventTaskCompleted, snap, taskID, map[string]interface{}{
			"result":    "success",
			"sessionId": snap.SessionID,
		})
	}
}

// emit publishes one event. Agent is the task's assignee account when
// the resolver knows it; the session's agent type is the fallback for
// unlinked sessions.
func (w *SessionWatcher) emit(t events.EventType, snap *types.SessionSnapshot, taskID string, data map[string]interface{}) {
	agent := snap.AgentType
	w.mu.Lock()
	resolve := w.resolve
	w.mu.Unlock()
	if resolve != nil && taskID != "" {
		if account := resolve(taskID); account != "" {
			agent = account
		}
	}
	w.bus.Emit(&events.Event{
		Type:   t,
		Agent:  agent,
		TaskID: taskID,
		Data:   data,
	})
}

// progressPercent estimates completion: files-based when the expected
// set is known, otherwise 15 points per checkpoint capped at 95.
func progressPercent(snap *types.SessionSnapshot, expected []string) int {
	if len(expected) > 0 {
		touched := 0
		seen := make(map[string]bool, len(snap.FilesTouched))
		for _, f := range snap.FilesTouched {
			seen[f] = true
		}
		for _, f := range expected {
			if seen[f] {
				touched++
			}
		}
		pct := touched * 100 / len(expected)
		if pct > 95 {
			pct = 95
		}
		return pct
	}
	pct := snap.CheckpointCount * 15
	if pct > 95 {
		pct = 95
	}
	return pct
}

func saturation(snap *types.SessionSnapshot) float64 {
	window := snap.WindowSize
	if window == 0 {
		window = 200_000
	}
	return float64(snap.ContextTokens) / float64(window)
}
