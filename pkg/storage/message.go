package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentctl/agentd/pkg/types"
)

// MessageStore persists inter-account deliveries.
type MessageStore struct {
	db *DB
}

// MessageQuery carries optional pagination for GetMessages.
type MessageQuery struct {
	Limit  int
	Offset int
}

// NewMessageStore opens the message database at path.
func NewMessageStore(path string) (*MessageStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_account TEXT NOT NULL,
			to_account TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'message',
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			context TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_account, read)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &MessageStore{db: db}, nil
}

// Close closes the store.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

// AddMessage persists msg and returns its assigned id. A zero
// timestamp is filled in with the current time.
func (s *MessageStore) AddMessage(msg *types.Message) (int64, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = types.Now()
	}
	if msg.Type == "" {
		msg.Type = types.MessageTypeMessage
	}

	var ctx sql.NullString
	if len(msg.Context) > 0 {
		data, err := json.Marshal(msg.Context)
		if err != nil {
			return 0, fmt.Errorf("marshaling message context: %w", err)
		}
		ctx = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO messages (from_account, to_account, type, content, timestamp, read, context)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		msg.From, msg.To, string(msg.Type), msg.Content, msg.Timestamp, ctx,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading message id: %w", err)
	}
	msg.ID = id
	return id, nil
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer rows.Close()
	var out []*types.Message
	for rows.Next() {
		var (
			m       types.Message
			mt      string
			read    int
			context sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &mt, &m.Content, &m.Timestamp, &read, &context); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Type = types.MessageType(mt)
		m.Read = read != 0
		if context.Valid && context.String != "" {
			if err := json.Unmarshal([]byte(context.String), &m.Context); err != nil {
				// Context is advisory; a bad blob should not hide the message.
				m.Context = nil
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

const messageColumns = `id, from_account, to_account, type, content, timestamp, read, context`

// GetMessages returns messages for an account, newest first.
func (s *MessageStore) GetMessages(to string, q MessageQuery) ([]*types.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE to_account = ?
		 ORDER BY id DESC LIMIT ? OFFSET ?`,
		to, limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return scanMessages(rows)
}

// GetUnreadMessages returns unread messages for an account, newest first.
func (s *MessageStore) GetUnreadMessages(to string) ([]*types.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE to_account = ? AND read = 0 ORDER BY id DESC`,
		to,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread messages: %w", err)
	}
	return scanMessages(rows)
}

// CountUnread counts unread messages for an account.
func (s *MessageStore) CountUnread(to string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE to_account = ? AND read = 0`, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// MarkRead flags one message as read.
func (s *MessageStore) MarkRead(to string, id int64) error {
	_, err := s.db.Exec(`UPDATE messages SET read = 1 WHERE to_account = ? AND id = ?`, to, id)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	return nil
}

// MarkAllRead flags every message for an account as read. Idempotent.
func (s *MessageStore) MarkAllRead(to string) error {
	_, err := s.db.Exec(`UPDATE messages SET read = 1 WHERE to_account = ?`, to)
	if err != nil {
		return fmt.Errorf("marking all read: %w", err)
	}
	return nil
}

// GetHandoffs returns type=handoff messages for an account, newest first.
func (s *MessageStore) GetHandoffs(to string) ([]*types.Message, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE to_account = ? AND type = 'handoff' ORDER BY id DESC`,
		to,
	)
	if err != nil {
		return nil, fmt.Errorf("querying handoffs: %w", err)
	}
	return scanMessages(rows)
}

// GetByID fetches a single message regardless of recipient.
func (s *MessageStore) GetByID(id int64) (*types.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ArchiveOld deletes read messages older than the cutoff and returns
// how many were removed. Unread messages are never archived.
func (s *MessageStore) ArchiveOld(days int) (int, error) {
	cutoff := types.Timestamp(time.Now().AddDate(0, 0, -days))
	res, err := s.db.Exec(`DELETE FROM messages WHERE read = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiving messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading archive count: %w", err)
	}
	return int(n), nil
}
