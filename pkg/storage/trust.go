package storage

import (
	"database/sql"
	"fmt"

	"github.com/agentctl/agentd/pkg/types"
)

// Outcome kinds accepted by TrustStore.RecordOutcome.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Score deltas per outcome. Failures cost more than rejections so a
// crashing agent loses trust faster than a sloppy one.
const (
	deltaCompleted = 2.0
	deltaRejected  = -5.0
	deltaFailed    = -10.0

	initialScore = 50.0
)

// TrustStore persists per-account reputation and its history.
type TrustStore struct {
	db *DB
}

// NewTrustStore opens the trust database at path.
func NewTrustStore(path string) (*TrustStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trust (
			account TEXT PRIMARY KEY,
			score REAL NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			rejected INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			avg_completion_minutes REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS trust_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			delta REAL NOT NULL,
			reason TEXT NOT NULL,
			old_score REAL NOT NULL,
			new_score REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_history_account ON trust_history(account, id)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &TrustStore{db: db}, nil
}

// Close closes the store.
func (s *TrustStore) Close() error {
	return s.db.Close()
}

// RecordOutcome folds one task outcome into the account's reputation.
// kind must be one of the Outcome constants. durationMinutes < 0 means
// unknown and leaves the completion average untouched.
func (s *TrustStore) RecordOutcome(account, kind string, durationMinutes float64) (*types.TrustReputation, error) {
	var delta float64
	switch kind {
	case OutcomeCompleted:
		delta = deltaCompleted
	case OutcomeRejected:
		delta = deltaRejected
	case OutcomeFailed:
		delta = deltaFailed
	default:
		return nil, fmt.Errorf("unknown outcome kind %q", kind)
	}

	rep, err := s.Get(account)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		rep = &types.TrustReputation{Account: account, Score: initialScore}
	}

	old := rep.Score
	rep.Score = clampScore(rep.Score + delta)

	switch kind {
	case OutcomeCompleted:
		if durationMinutes >= 0 {
			n := float64(rep.Completed)
			rep.AvgCompletionMinutes = (rep.AvgCompletionMinutes*n + durationMinutes) / (n + 1)
		}
		rep.Completed++
	case OutcomeRejected:
		rep.Rejected++
	case OutcomeFailed:
		rep.Failed++
	}

	_, err = s.db.Exec(
		`INSERT INTO trust (account, score, completed, rejected, failed, avg_completion_minutes)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
			score = excluded.score,
			completed = excluded.completed,
			rejected = excluded.rejected,
			failed = excluded.failed,
			avg_completion_minutes = excluded.avg_completion_minutes`,
		account, rep.Score, rep.Completed, rep.Rejected, rep.Failed, rep.AvgCompletionMinutes,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting trust: %w", err)
	}

	ts := types.Now()
	_, err = s.db.Exec(
		`INSERT INTO trust_history (account, timestamp, delta, reason, old_score, new_score)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account, ts, delta, "task "+kind, old, rep.Score,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting trust history: %w", err)
	}

	rep.History = append(rep.History, types.TrustEvent{
		Timestamp: ts, Delta: delta, Reason: "task " + kind,
		OldScore: old, NewScore: rep.Score,
	})
	return rep, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Get fetches one reputation record without history, or nil.
func (s *TrustStore) Get(account string) (*types.TrustReputation, error) {
	var rep types.TrustReputation
	err := s.db.QueryRow(
		`SELECT account, score, completed, rejected, failed, avg_completion_minutes
		 FROM trust WHERE account = ?`, account,
	).Scan(&rep.Account, &rep.Score, &rep.Completed, &rep.Rejected, &rep.Failed, &rep.AvgCompletionMinutes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying trust: %w", err)
	}
	return &rep, nil
}

// GetAll lists every reputation record.
func (s *TrustStore) GetAll() ([]*types.TrustReputation, error) {
	rows, err := s.db.Query(
		`SELECT account, score, completed, rejected, failed, avg_completion_minutes
		 FROM trust ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("querying trust: %w", err)
	}
	defer rows.Close()

	var out []*types.TrustReputation
	for rows.Next() {
		var rep types.TrustReputation
		if err := rows.Scan(&rep.Account, &rep.Score, &rep.Completed, &rep.Rejected,
			&rep.Failed, &rep.AvgCompletionMinutes); err != nil {
			return nil, fmt.Errorf("scanning trust: %w", err)
		}
		out = append(out, &rep)
	}
	return out, rows.Err()
}

// GetHistory returns the most recent history rows for an account.
func (s *TrustStore) GetHistory(account string, limit int) ([]types.TrustEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT timestamp, delta, reason, old_score, new_score
		 FROM trust_history WHERE account = ? ORDER BY id DESC LIMIT ?`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trust history: %w", err)
	}
	defer rows.Close()

	var out []types.TrustEvent
	for rows.Next() {
		var ev types.TrustEvent
		if err := rows.Scan(&ev.Timestamp, &ev.Delta, &ev.Reason, &ev.OldScore, &ev.NewScore); err != nil {
			return nil, fmt.Errorf("scanning trust history: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentDeltaSum sums deltas recorded at or after the cutoff
// timestamp. The circuit breaker's trust-drop window uses it.
func (s *TrustStore) RecentDeltaSum(account, sinceTimestamp string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(delta) FROM trust_history WHERE account = ? AND timestamp >= ?`,
		account, sinceTimestamp,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing trust deltas: %w", err)
	}
	return sum.Float64, nil
}
