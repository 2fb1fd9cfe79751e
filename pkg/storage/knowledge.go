package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentctl/agentd/pkg/types"
)

// Note is an indexed knowledge entry.
type Note struct {
	ID        int64    `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags,omitempty"`
	Author    string   `json:"author,omitempty"`
	CreatedAt string   `json:"createdAt"`
}

// TaskLink relates a board task to a note.
type TaskLink struct {
	TaskID    string `json:"taskId"`
	NoteID    int64  `json:"noteId"`
	Relation  string `json:"relation,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// KnowledgeStore persists notes and their links to board tasks.
type KnowledgeStore struct {
	db *DB
}

// NewKnowledgeStore opens the knowledge database at path.
func NewKnowledgeStore(path string) (*KnowledgeStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			author TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_links (
			task_id TEXT NOT NULL,
			note_id INTEGER NOT NULL REFERENCES notes(id),
			relation TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (task_id, note_id)
		)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &KnowledgeStore{db: db}, nil
}

// Close closes the store.
func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// IndexNote stores a note and returns its id.
func (s *KnowledgeStore) IndexNote(note *Note) (int64, error) {
	if note.CreatedAt == "" {
		note.CreatedAt = types.Now()
	}
	tags, err := json.Marshal(note.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshaling tags: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO notes (title, body, tags, author, created_at) VALUES (?, ?, ?, ?, ?)`,
		note.Title, note.Body, string(tags), note.Author, note.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading note id: %w", err)
	}
	note.ID = id
	return id, nil
}

// Search matches query case-insensitively against title, body, and
// tags. Newest notes first.
func (s *KnowledgeStore) Search(query string, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.Query(
		`SELECT id, title, body, tags, COALESCE(author, ''), created_at FROM notes
		 WHERE lower(title) LIKE ? OR lower(body) LIKE ? OR lower(tags) LIKE ?
		 ORDER BY id DESC LIMIT ?`,
		pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching notes: %w", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		var (
			n    Note
			tags string
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &tags, &n.Author, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			n.Tags = nil
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// LinkTask relates a task to a note. Re-linking updates the relation.
func (s *KnowledgeStore) LinkTask(taskID string, noteID int64, relation string) error {
	_, err := s.db.Exec(
		`INSERT INTO task_links (task_id, note_id, relation, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id, note_id) DO UPDATE SET relation = excluded.relation`,
		taskID, noteID, relation, types.Now(),
	)
	if err != nil {
		return fmt.Errorf("linking task: %w", err)
	}
	return nil
}

// GetTaskLinks returns the notes linked to a task.
func (s *KnowledgeStore) GetTaskLinks(taskID string) ([]*TaskLink, error) {
	rows, err := s.db.Query(
		`SELECT task_id, note_id, COALESCE(relation, ''), created_at
		 FROM task_links WHERE task_id = ? ORDER BY created_at`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying task links: %w", err)
	}
	defer rows.Close()

	var out []*TaskLink
	for rows.Next() {
		var l TaskLink
		if err := rows.Scan(&l.TaskID, &l.NoteID, &l.Relation, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning task link: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
