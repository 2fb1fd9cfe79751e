package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentctl/agentd/pkg/types"
)

// SessionStore persists the last-seen snapshot per external agent
// session. The watcher writes here so restarts keep correlation.
type SessionStore struct {
	db *DB
}

// NewSessionStore opens the session database at path.
func NewSessionStore(path string) (*SessionStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			task_id TEXT,
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// Close closes the store.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Put writes the latest snapshot for a session.
func (s *SessionStore) Put(snap *types.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_id, task_id, snapshot, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			task_id = excluded.task_id,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		snap.SessionID, nullable(snap.TaskID), string(data), types.Now(),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// Get fetches the last snapshot for a session, or nil.
func (s *SessionStore) Get(sessionID string) (*types.SessionSnapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT snapshot FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	var snap types.SessionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}

// GetByTask fetches the last snapshot correlated to a task, or nil.
func (s *SessionStore) GetByTask(taskID string) (*types.SessionSnapshot, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT snapshot FROM sessions WHERE task_id = ? ORDER BY updated_at DESC LIMIT 1`,
		taskID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by task: %w", err)
	}
	var snap types.SessionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}
