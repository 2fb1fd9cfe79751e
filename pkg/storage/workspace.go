package storage

import (
	"database/sql"
	"fmt"

	"github.com/agentctl/agentd/pkg/types"
)

// WorkspaceStore persists managed worktrees and their event logs.
type WorkspaceStore struct {
	db *DB
}

// NewWorkspaceStore opens the workspace database at path.
func NewWorkspaceStore(path string) (*WorkspaceStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			branch TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			handoff_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_key ON workspaces(repo_path, branch)`,
		`CREATE INDEX IF NOT EXISTS idx_workspace_events_ws ON workspace_events(workspace_id)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &WorkspaceStore{db: db}, nil
}

// Close closes the store.
func (s *WorkspaceStore) Close() error {
	return s.db.Close()
}

// Create inserts a new workspace row.
func (s *WorkspaceStore) Create(ws *types.Workspace) error {
	if ws.CreatedAt == "" {
		ws.CreatedAt = types.Now()
	}
	if ws.UpdatedAt == "" {
		ws.UpdatedAt = ws.CreatedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO workspaces (id, account, repo_path, branch, worktree_path, status, created_at, updated_at, handoff_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Account, ws.RepoPath, ws.Branch, ws.WorktreePath,
		string(ws.Status), ws.CreatedAt, ws.UpdatedAt, nullable(ws.HandoffID),
	)
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

// UpdateStatus moves a workspace to a new status and bumps updated_at.
func (s *WorkspaceStore) UpdateStatus(id string, status types.WorkspaceStatus) error {
	res, err := s.db.Exec(
		`UPDATE workspaces SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), types.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("updating workspace status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workspace %s not found", id)
	}
	return nil
}

// AddEvent appends to a workspace's event log.
func (s *WorkspaceStore) AddEvent(id, eventType, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO workspace_events (workspace_id, type, timestamp, detail) VALUES (?, ?, ?, ?)`,
		id, eventType, types.Now(), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting workspace event: %w", err)
	}
	return nil
}

const workspaceColumns = `id, account, repo_path, branch, worktree_path, status, created_at, updated_at, handoff_id`

func (s *WorkspaceStore) scanOne(row *sql.Row) (*types.Workspace, error) {
	var (
		ws      types.Workspace
		status  string
		handoff sql.NullString
	)
	err := row.Scan(&ws.ID, &ws.Account, &ws.RepoPath, &ws.Branch, &ws.WorktreePath,
		&status, &ws.CreatedAt, &ws.UpdatedAt, &handoff)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}
	ws.Status = types.WorkspaceStatus(status)
	ws.HandoffID = handoff.String
	return &ws, nil
}

// GetByID fetches a workspace with its event log, or nil.
func (s *WorkspaceStore) GetByID(id string) (*types.Workspace, error) {
	ws, err := s.scanOne(s.db.QueryRow(`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id))
	if err != nil || ws == nil {
		return ws, err
	}
	ws.Events, err = s.getEvents(id)
	return ws, err
}

// GetActiveByKey returns the at-most-one live workspace for (repo, branch).
// Failed workspaces are excluded so a retry is never blocked.
func (s *WorkspaceStore) GetActiveByKey(repoPath, branch string) (*types.Workspace, error) {
	ws, err := s.scanOne(s.db.QueryRow(
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE repo_path = ? AND branch = ? AND status IN ('preparing', 'ready', 'cleaning')
		 ORDER BY created_at LIMIT 1`,
		repoPath, branch,
	))
	if err != nil || ws == nil {
		return ws, err
	}
	ws.Events, err = s.getEvents(ws.ID)
	return ws, err
}

// CountActive counts workspaces in preparing, ready, or cleaning status.
func (s *WorkspaceStore) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM workspaces WHERE status IN ('preparing', 'ready', 'cleaning')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active workspaces: %w", err)
	}
	return n, nil
}

// GetByStatus lists workspaces in a given status.
func (s *WorkspaceStore) GetByStatus(status types.WorkspaceStatus) ([]*types.Workspace, error) {
	rows, err := s.db.Query(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE status = ? ORDER BY created_at`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("querying workspaces: %w", err)
	}
	defer rows.Close()

	var out []*types.Workspace
	for rows.Next() {
		var (
			ws      types.Workspace
			st      string
			handoff sql.NullString
		)
		if err := rows.Scan(&ws.ID, &ws.Account, &ws.RepoPath, &ws.Branch, &ws.WorktreePath,
			&st, &ws.CreatedAt, &ws.UpdatedAt, &handoff); err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		ws.Status = types.WorkspaceStatus(st)
		ws.HandoffID = handoff.String
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// Delete removes a workspace's events then the row itself.
func (s *WorkspaceStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM workspace_events WHERE workspace_id = ?`, id); err != nil {
		return fmt.Errorf("deleting workspace events: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	return nil
}

func (s *WorkspaceStore) getEvents(id string) ([]types.WorkspaceEvent, error) {
	rows, err := s.db.Query(
		`SELECT type, timestamp, detail FROM workspace_events WHERE workspace_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying workspace events: %w", err)
	}
	defer rows.Close()

	var out []types.WorkspaceEvent
	for rows.Next() {
		var (
			ev     types.WorkspaceEvent
			detail sql.NullString
		)
		if err := rows.Scan(&ev.Type, &ev.Timestamp, &detail); err != nil {
			return nil, fmt.Errorf("scanning workspace event: %w", err)
		}
		ev.Detail = detail.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
