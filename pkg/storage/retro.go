package storage

import (
	"fmt"

	"github.com/agentctl/agentd/pkg/types"
)

// RetroEntry records the outcome of one finished task for later
// retrospectives.
type RetroEntry struct {
	ID           int64   `json:"id"`
	TaskID       string  `json:"taskId"`
	Assignee     string  `json:"assignee,omitempty"`
	Verdict      string  `json:"verdict"`
	CycleMinutes float64 `json:"cycleMinutes"`
	Notes        string  `json:"notes,omitempty"`
	Timestamp    string  `json:"timestamp"`
}

// RetroStore persists retrospective entries.
type RetroStore struct {
	db *DB
}

// NewRetroStore opens the retro database at path.
func NewRetroStore(path string) (*RetroStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS retro_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			assignee TEXT,
			verdict TEXT NOT NULL,
			cycle_minutes REAL NOT NULL DEFAULT 0,
			notes TEXT,
			timestamp TEXT NOT NULL
		)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &RetroStore{db: db}, nil
}

// Close closes the store.
func (s *RetroStore) Close() error {
	return s.db.Close()
}

// Append records one outcome.
func (s *RetroStore) Append(e *RetroEntry) error {
	if e.Timestamp == "" {
		e.Timestamp = types.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO retro_entries (task_id, assignee, verdict, cycle_minutes, notes, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, nullable(e.Assignee), e.Verdict, e.CycleMinutes, nullable(e.Notes), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting retro entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *RetroStore) Recent(limit int) ([]*RetroEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, COALESCE(assignee, ''), verdict, cycle_minutes, COALESCE(notes, ''), timestamp
		 FROM retro_entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying retro entries: %w", err)
	}
	defer rows.Close()

	var out []*RetroEntry
	for rows.Next() {
		var e RetroEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Assignee, &e.Verdict, &e.CycleMinutes, &e.Notes, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning retro entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ByAssignee returns entries for one account, most recent first.
func (s *RetroStore) ByAssignee(account string, limit int) ([]*RetroEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, COALESCE(assignee, ''), verdict, cycle_minutes, COALESCE(notes, ''), timestamp
		 FROM retro_entries WHERE assignee = ? ORDER BY id DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("querying retro entries: %w", err)
	}
	defer rows.Close()

	var out []*RetroEntry
	for rows.Next() {
		var e RetroEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Assignee, &e.Verdict, &e.CycleMinutes, &e.Notes, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning retro entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
