package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentctl/agentd/pkg/types"
)

// CapabilityStore persists per-account routing records.
type CapabilityStore struct {
	db *DB
}

// NewCapabilityStore opens the capability database at path.
func NewCapabilityStore(path string) (*CapabilityStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS capabilities (
			account TEXT PRIMARY KEY,
			skills TEXT NOT NULL DEFAULT '[]',
			total_tasks INTEGER NOT NULL DEFAULT 0,
			accepted_tasks INTEGER NOT NULL DEFAULT 0,
			avg_delivery_ms REAL NOT NULL DEFAULT 0,
			last_active_at TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT ''
		)`,
	}
	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &CapabilityStore{db: db}, nil
}

// Close closes the store.
func (s *CapabilityStore) Close() error {
	return s.db.Close()
}

// Upsert writes the full capability record keyed by account name.
func (s *CapabilityStore) Upsert(cap *types.Capability) error {
	skills, err := json.Marshal(cap.Skills)
	if err != nil {
		return fmt.Errorf("marshaling skills: %w", err)
	}
	last := ""
	if !cap.LastActiveAt.IsZero() {
		last = types.Timestamp(cap.LastActiveAt)
	}
	_, err = s.db.Exec(
		`INSERT INTO capabilities (account, skills, total_tasks, accepted_tasks, avg_delivery_ms, last_active_at, provider)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
			skills = excluded.skills,
			total_tasks = excluded.total_tasks,
			accepted_tasks = excluded.accepted_tasks,
			avg_delivery_ms = excluded.avg_delivery_ms,
			last_active_at = excluded.last_active_at,
			provider = excluded.provider`,
		cap.Account, string(skills), cap.TotalTasks, cap.AcceptedTasks,
		cap.AvgDeliveryMs, last, string(cap.Provider),
	)
	if err != nil {
		return fmt.Errorf("upserting capability: %w", err)
	}
	return nil
}

// RecordTaskCompletion folds one finished task into the running
// totals: avg' = (avg*n + d) / (n+1), then n+1, and refreshes
// last_active_at. deliveryMs < 0 means unknown and leaves the
// delivery average untouched.
func (s *CapabilityStore) RecordTaskCompletion(account string, accepted bool, deliveryMs float64) error {
	cap, err := s.Get(account)
	if err != nil {
		return err
	}
	if cap == nil {
		cap = &types.Capability{Account: account}
	}

	if deliveryMs >= 0 {
		n := float64(cap.TotalTasks)
		cap.AvgDeliveryMs = (cap.AvgDeliveryMs*n + deliveryMs) / (n + 1)
	}
	cap.TotalTasks++
	if accepted {
		cap.AcceptedTasks++
	}
	cap.LastActiveAt = time.Now()
	return s.Upsert(cap)
}

// UpdateSkills replaces the declared skill set.
func (s *CapabilityStore) UpdateSkills(account string, skills []string) error {
	data, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("marshaling skills: %w", err)
	}
	res, err := s.db.Exec(`UPDATE capabilities SET skills = ? WHERE account = ?`, string(data), account)
	if err != nil {
		return fmt.Errorf("updating skills: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.Upsert(&types.Capability{Account: account, Skills: skills})
	}
	return nil
}

// TouchActive refreshes last_active_at for an account.
func (s *CapabilityStore) TouchActive(account string) error {
	_, err := s.db.Exec(
		`UPDATE capabilities SET last_active_at = ? WHERE account = ?`,
		types.Now(), account,
	)
	if err != nil {
		return fmt.Errorf("touching capability: %w", err)
	}
	return nil
}

const capabilityColumns = `account, skills, total_tasks, accepted_tasks, avg_delivery_ms, last_active_at, provider`

func scanCapability(scan func(...interface{}) error) (*types.Capability, error) {
	var (
		cap      types.Capability
		skills   string
		last     string
		provider string
	)
	err := scan(&cap.Account, &skills, &cap.TotalTasks, &cap.AcceptedTasks,
		&cap.AvgDeliveryMs, &last, &provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning capability: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &cap.Skills); err != nil {
		cap.Skills = nil
	}
	if last != "" {
		if t, err := time.Parse(time.RFC3339, last); err == nil {
			cap.LastActiveAt = t
		}
	}
	cap.Provider = types.Provider(provider)
	return &cap, nil
}

// Get fetches one capability record, or nil.
func (s *CapabilityStore) Get(account string) (*types.Capability, error) {
	row := s.db.QueryRow(`SELECT `+capabilityColumns+` FROM capabilities WHERE account = ?`, account)
	return scanCapability(row.Scan)
}

// GetAll lists every capability record.
func (s *CapabilityStore) GetAll() ([]*types.Capability, error) {
	rows, err := s.db.Query(`SELECT ` + capabilityColumns + ` FROM capabilities ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("querying capabilities: %w", err)
	}
	defer rows.Close()

	var out []*types.Capability
	for rows.Next() {
		cap, err := scanCapability(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cap)
	}
	return out, rows.Err()
}
