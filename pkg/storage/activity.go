package storage

import (
	"fmt"

	"github.com/agentctl/agentd/pkg/types"
)

// Activity is one row of the append-only daemon activity feed.
// Quarantines, escalations, and receipt signings land here so the UI
// can show a timeline without replaying every store.
type Activity struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Account   string `json:"account,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ActivityStore persists the activity feed.
type ActivityStore struct {
	db *DB
}

// NewActivityStore opens the activity database at path.
func NewActivityStore(path string) (*ActivityStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			account TEXT,
			task_id TEXT,
			detail TEXT,
			timestamp TEXT NOT NULL
		)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &ActivityStore{db: db}, nil
}

// Close closes the store.
func (s *ActivityStore) Close() error {
	return s.db.Close()
}

// Append records one activity row.
func (s *ActivityStore) Append(a *Activity) error {
	if a.Timestamp == "" {
		a.Timestamp = types.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO activity (kind, account, task_id, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		a.Kind, nullable(a.Account), nullable(a.TaskID), nullable(a.Detail), a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns the newest rows, most recent first.
func (s *ActivityStore) Recent(limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, kind, COALESCE(account, ''), COALESCE(task_id, ''), COALESCE(detail, ''), timestamp
		 FROM activity ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Kind, &a.Account, &a.TaskID, &a.Detail, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
