package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/agentd/pkg/events"
	"github.com/agentctl/agentd/pkg/metrics"
	"github.com/agentctl/agentd/pkg/storage"
	"github.com/agentctl/agentd/pkg/types"
)

// fakeGit scripts git outcomes per subcommand.
type fakeGit struct {
	failAdd    bool
	failRemove bool
	calls      []string
}

func (g *fakeGit) Run(_ context.Context, dir string, args ...string) (string, string, int, error) {
	g.calls = append(g.calls, strings.Join(args, " "))
	switch args[1] {
	case "add":
		if g.failAdd {
			return "", "fatal: branch not found", 128, nil
		}
		return "Preparing worktree", "", 0, nil
	case "remove":
		if g.failRemove {
			return "", "fatal: locked worktree", 128, nil
		}
		return "", "", 0, nil
	}
	return "", "", 0, nil
}

func newManager(t *testing.T, git GitExecutor) *Manager {
	t.Helper()
	store, err := storage.NewWorkspaceStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, git, events.NewBus())
}

func TestValidateBranch(t *testing.T) {
	tests := []struct {
		branch string
		ok     bool
	}{
		{"main", true},
		{"feature/x", true},
		{"../etc/passwd", false},
		{"/absolute", false},
		{"-flag", false},
		{".hidden", false},
		{"", false},
		{strings.Repeat("a", 201), false},
		{"feature//branch", false},
		{"a/b/c", true},
		{"release/v1.2", true},
	}
	for _, tt := range tests {
		err := ValidateBranch(tt.branch)
		if tt.ok {
			assert.NoError(t, err, "branch %q", tt.branch)
		} else {
			assert.Error(t, err, "branch %q", tt.branch)
		}
	}
}

func TestPrepareWorktreeSuccess(t *testing.T) {
	git := &fakeGit{}
	m := newManager(t, git)

	ws, err := m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "feature/x",
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStatusReady, ws.Status)
	assert.Equal(t, "/tmp/r/.worktrees/feature-x", ws.WorktreePath)
	require.Len(t, git.calls, 1)
	assert.Equal(t, "worktree add /tmp/r/.worktrees/feature-x feature/x", git.calls[0])

	got, err := m.GetWorkspace(ws.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	kinds := make([]string, len(got.Events))
	for i, ev := range got.Events {
		kinds[i] = ev.Type
	}
	assert.Equal(t, []string{"workspace_preparing", "workspace_ready"}, kinds)
}

func TestPrepareWorktreeIdempotentPerKey(t *testing.T) {
	git := &fakeGit{}
	m := newManager(t, git)
	req := PrepareRequest{Account: "bob", RepoPath: "/tmp/r", Branch: "feature/x"}

	first, err := m.PrepareWorktree(context.Background(), req)
	require.NoError(t, err)
	second, err := m.PrepareWorktree(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, git.calls, 1, "git must run once")
}

func TestPrepareWorktreeGitFailure(t *testing.T) {
	git := &fakeGit{failAdd: true}
	m := newManager(t, git)

	_, err := m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "feature/x",
	})
	require.Error(t, err)

	var perr *PrepareError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.WorkspaceStatusFailed, perr.Workspace.Status)
	assert.Contains(t, perr.Reason, "branch not found")

	// A failed row does not block a retry.
	git.failAdd = false
	ws, err := m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "feature/x",
	})
	require.NoError(t, err)
	assert.NotEqual(t, perr.Workspace.ID, ws.ID)
	assert.Equal(t, types.WorkspaceStatusReady, ws.Status)
}

func TestPrepareWorktreeValidation(t *testing.T) {
	m := newManager(t, &fakeGit{})
	ctx := context.Background()

	_, err := m.PrepareWorktree(ctx, PrepareRequest{Account: "a", Branch: "main"})
	assert.Error(t, err, "missing repo")

	_, err = m.PrepareWorktree(ctx, PrepareRequest{RepoPath: "/tmp/r", Branch: "main"})
	assert.Error(t, err, "missing account")

	_, err = m.PrepareWorktree(ctx, PrepareRequest{Account: "a", RepoPath: "/tmp/r", Branch: "-bad"})
	assert.Error(t, err, "invalid branch")
}

func TestCleanupWorkspace(t *testing.T) {
	git := &fakeGit{}
	m := newManager(t, git)

	ws, err := m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "main",
	})
	require.NoError(t, err)

	require.NoError(t, m.CleanupWorkspace(context.Background(), ws.ID))
	got, err := m.GetWorkspace(ws.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupFailureLeavesFailedRow(t *testing.T) {
	git := &fakeGit{}
	m := newManager(t, git)

	ws, err := m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "main",
	})
	require.NoError(t, err)

	git.failRemove = true
	err = m.CleanupWorkspace(context.Background(), ws.ID)
	require.Error(t, err)

	got, gerr := m.GetWorkspace(ws.ID)
	require.NoError(t, gerr)
	require.NotNil(t, got)
	assert.Equal(t, types.WorkspaceStatusFailed, got.Status)
}

func TestActiveGaugeTracksLifecycle(t *testing.T) {
	git := &fakeGit{}
	m := newManager(t, git)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.WorkspacesActive))

	ws, err := m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkspacesActive))

	require.NoError(t, m.CleanupWorkspace(context.Background(), ws.ID))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.WorkspacesActive))

	// A failed preparation never counts as active.
	git.failAdd = true
	_, err = m.PrepareWorktree(context.Background(), PrepareRequest{
		Account: "bob", RepoPath: "/tmp/r", Branch: "other",
	})
	require.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.WorkspacesActive))
}

func TestRecoverStaleWorkspaces(t *testing.T) {
	store, err := storage.NewWorkspaceStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Create(&types.Workspace{
		ID: "stale-1", Account: "a", RepoPath: "/tmp/r", Branch: "b1",
		WorktreePath: "/tmp/r/.worktrees/b1", Status: types.WorkspaceStatusPreparing,
	}))
	require.NoError(t, store.Create(&types.Workspace{
		ID: "ok-1", Account: "a", RepoPath: "/tmp/r", Branch: "b2",
		WorktreePath: "/tmp/r/.worktrees/b2", Status: types.WorkspaceStatusReady,
	}))

	m := NewManager(store, &fakeGit{}, nil)
	n, err := m.RecoverStaleWorkspaces()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetByID("stale-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStatusFailed, got.Status)

	ready, err := store.GetByID("ok-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkspaceStatusReady, ready.Status)
}
