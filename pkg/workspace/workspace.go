// Package workspace manages git-worktree-backed workspaces keyed by
// (repo, branch). At most one live workspace exists per key.
package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

// GitExecutor runs a git command in a working directory. Exit status
// zero means success; Stderr carries the failure detail otherwise.
type GitExecutor interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// PrepareRequest asks for a worktree to be created (or found).
type PrepareRequest struct {
	Account   string
	RepoPath  string
	Branch    string
	HandoffID string
}

// PrepareError wraps a failed preparation together with the workspace
// row that records it.
type PrepareError struct {
	Workspace *types.Workspace
	Reason    string
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("worktree preparation failed: %s", e.Reason)
}

// Manager owns the workspace store and the git executor.
type Manager struct {
	store  *storage.WorkspaceStore
	git    GitExecutor
	bus    *events.Bus
	logger zerolog.Logger
}

// NewManager wires a manager. The bus may be nil in tests that only
// exercise store behavior.
func NewManager(store *storage.WorkspaceStore, git GitExecutor, bus *events.Bus) *Manager {
	m := &Manager{
		store:  store,
		git:    git,
		bus:    bus,
		logger: log.WithComponent("workspace"),
	}
	m.refreshActiveGauge()
	return m
}

// refreshActiveGauge sets the active-workspace gauge from the store so
// it stays correct across restarts.
func (m *Manager) refreshActiveGauge() {
	n, err := m.store.CountActive()
	if err != nil {
		m.logger.Error().Err(err).Msg("active workspace count failed")
		return
	}
	metrics.WorkspacesActive.Set(float64(n))
}

// ValidateBranch rejects branch names git would refuse or that would
// escape the worktree root.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch must not be empty")
	}
	if len(branch) > 200 {
		return fmt.Errorf("branch exceeds 200 characters")
	}
	if strings.HasPrefix(branch, "/") {
		return fmt.Errorf("branch must not start with /")
	}
	for _, seg := range strings.Split(branch, "/") {
		switch {
		case seg == "":
			return fmt.Errorf("branch contains an empty segment")
		case seg == "..":
			return fmt.Errorf("branch contains a .. segment")
		case strings.HasPrefix(seg, "-"):
			return fmt.Errorf("branch segment starts with -")
		case strings.HasPrefix(seg, "."):
			return fmt.Errorf("branch segment starts with .")
		}
	}
	return nil
}

// WorktreePath derives the deterministic worktree location for a
// (repo, branch) pair.
func WorktreePath(repoPath, branch string) string {
	return filepath.Join(repoPath, ".worktrees", strings.ReplaceAll(branch, "/", "-"))
}

// PrepareWorktree creates the worktree for the request, or returns the
// existing live workspace unchanged. Git failures are recorded on a
// failed row and returned as *PrepareError; they are never retried.
func (m *Manager) PrepareWorktree(ctx context.Context, req PrepareRequest) (*types.Workspace, error) {
	if req.RepoPath == "" {
		return nil, fmt.Errorf("repoPath is required")
	}
	if req.Account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if err := ValidateBranch(req.Branch); err != nil {
		return nil, fmt.Errorf("invalid branch %q: %w", req.Branch, err)
	}

	if existing, err := m.store.GetActiveByKey(req.RepoPath, req.Branch); err != nil {
		return nil, err
	} else if existing != nil {
		m.logger.Debug().Str("workspace_id", existing.ID).Msg("reusing active workspace")
		return existing, nil
	}

	ws := &types.Workspace{
		ID:           uuid.New().String(),
		Account:      req.Account,
		RepoPath:     req.RepoPath,
		Branch:       req.Branch,
		WorktreePath: WorktreePath(req.RepoPath, req.Branch),
		Status:       types.WorkspaceStatusPreparing,
		HandoffID:    req.HandoffID,
	}
	if err := m.store.Create(ws); err != nil {
		return nil, err
	}
	m.refreshActiveGauge()
	if err := m.store.AddEvent(ws.ID, "workspace_preparing", ""); err != nil {
		return nil, err
	}

	stdout, stderr, code, err := m.git.Run(ctx, req.RepoPath, "worktree", "add", ws.WorktreePath, req.Branch)
	if err != nil || code != 0 {
		reason := stderr
		if err != nil {
			reason = err.Error()
		}
		wsLogger := log.WithWorkspaceID(ws.ID)
		wsLogger.Warn().Str("branch", req.Branch).
			Int("exit", code).Msg("git worktree add failed")
		if uerr := m.store.UpdateStatus(ws.ID, types.WorkspaceStatusFailed); uerr != nil {
			m.logger.Error().Err(uerr).Msg("failed to mark workspace failed")
		}
		_ = m.store.AddEvent(ws.ID, "workspace_failed", reason)
		ws.Status = types.WorkspaceStatusFailed
		m.refreshActiveGauge()
		return nil, &PrepareError{Workspace: ws, Reason: reason}
	}

	if err := m.store.UpdateStatus(ws.ID, types.WorkspaceStatusReady); err != nil {
		return nil, err
	}
	if err := m.store.AddEvent(ws.ID, "workspace_ready", stdout); err != nil {
		return nil, err
	}
	ws.Status = types.WorkspaceStatusReady

	if m.bus != nil {
		m.bus.Emit(&events.Event{
			Type:  events.EventProgressUpdate,
			Agent: req.Account,
			Data: map[string]interface{}{
				"step":        "workspace_ready",
				"workspaceId": ws.ID,
				"branch":      req.Branch,
			},
		})
	}
	return ws, nil
}

// CleanupWorkspace removes the worktree and deletes the row. A git
// failure leaves the row in failed status.
func (m *Manager) CleanupWorkspace(ctx context.Context, id string) error {
	ws, err := m.store.GetByID(id)
	if err != nil {
		return err
	}
	if ws == nil {
		return fmt.Errorf("workspace %s not found", id)
	}

	if err := m.store.UpdateStatus(id, types.WorkspaceStatusCleaning); err != nil {
		return err
	}

	_, stderr, code, err := m.git.Run(ctx, ws.RepoPath, "worktree", "remove", ws.WorktreePath, "--force")
	if err != nil || code != 0 {
		reason := stderr
		if err != nil {
			reason = err.Error()
		}
		if uerr := m.store.UpdateStatus(id, types.WorkspaceStatusFailed); uerr != nil {
			m.logger.Error().Err(uerr).Msg("failed to mark workspace failed")
		}
		_ = m.store.AddEvent(id, "workspace_failed", reason)
		m.refreshActiveGauge()
		return fmt.Errorf("git worktree remove failed: %s", reason)
	}

	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.refreshActiveGauge()
	return nil
}

// GetWorkspace fetches by id, or nil.
func (m *Manager) GetWorkspace(id string) (*types.Workspace, error) {
	return m.store.GetByID(id)
}

// GetWorkspaceByKey fetches the live workspace for (repo, branch), or nil.
func (m *Manager) GetWorkspaceByKey(repoPath, branch string) (*types.Workspace, error) {
	return m.store.GetActiveByKey(repoPath, branch)
}

// RecoverStaleWorkspaces forces every preparing row to failed. Runs
// once at daemon start; preparing is never valid across restarts.
func (m *Manager) RecoverStaleWorkspaces() (int, error) {
	stale, err := m.store.GetByStatus(types.WorkspaceStatusPreparing)
	if err != nil {
		return 0, err
	}
	for _, ws := range stale {
		if err := m.store.UpdateStatus(ws.ID, types.WorkspaceStatusFailed); err != nil {
			return 0, err
		}
		if err := m.store.AddEvent(ws.ID, "workspace_failed", "recovered at startup: daemon restarted mid-preparation"); err != nil {
			return 0, err
		}
		wsLogger := log.WithWorkspaceID(ws.ID)
		wsLogger.Warn().Msg("recovered stale workspace")
	}
	if len(stale) > 0 {
		m.refreshActiveGauge()
	}
	return len(stale), nil
}
