package storage

import (
	"fmt"

	"github.com/agentctl/agentd/pkg/types"
)

// WorkflowStep is one hop in a task's delegation chain.
type WorkflowStep struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"taskId"`
	From      string `json:"from"`
	To        string `json:"to"`
	HandoffID string `json:"handoffId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WorkflowStore persists delegation chains per task.
type WorkflowStore struct {
	db *DB
}

// NewWorkflowStore opens the workflow database at path.
func NewWorkflowStore(path string) (*WorkflowStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			from_account TEXT NOT NULL,
			to_account TEXT NOT NULL,
			handoff_id TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_task ON workflow_steps(task_id, id)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &WorkflowStore{db: db}, nil
}

// Close closes the store.
func (s *WorkflowStore) Close() error {
	return s.db.Close()
}

// AppendStep records one delegation hop.
func (s *WorkflowStore) AppendStep(step *WorkflowStep) error {
	if step.Timestamp == "" {
		step.Timestamp = types.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO workflow_steps (task_id, from_account, to_account, handoff_id, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		step.TaskID, step.From, step.To, nullable(step.HandoffID), step.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting workflow step: %w", err)
	}
	step.ID, _ = res.LastInsertId()
	return nil
}

// Chain returns the delegation chain for a task in order.
func (s *WorkflowStore) Chain(taskID string) ([]*WorkflowStep, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, from_account, to_account, COALESCE(handoff_id, ''), timestamp
		 FROM workflow_steps WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying workflow chain: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowStep
	for rows.Next() {
		var st WorkflowStep
		if err := rows.Scan(&st.ID, &st.TaskID, &st.From, &st.To, &st.HandoffID, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning workflow step: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
