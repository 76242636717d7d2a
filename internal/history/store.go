// Package history persists drift-check summaries and fix attempts so
// operators can audit what the daemon saw and did.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a sqlite-backed history of drift checks and fix attempts.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the history database at path and
// initializes the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS drift_checks (
		id TEXT PRIMARY KEY,
		checked_at TIMESTAMP NOT NULL,
		total_resources INTEGER NOT NULL,
		drifted_resources INTEGER NOT NULL,
		immediate_action INTEGER NOT NULL,
		directory_errors INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_drift_checks_time ON drift_checks(checked_at);

	CREATE TABLE IF NOT EXISTS fix_attempts (
		id TEXT PRIMARY KEY,
		attempted_at TIMESTAMP NOT NULL,
		resource_id TEXT NOT NULL,
		patch_type TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		success INTEGER NOT NULL,
		reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_fix_attempts_resource ON fix_attempts(resource_id);
	CREATE INDEX IF NOT EXISTS idx_fix_attempts_time ON fix_attempts(attempted_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// CheckRecord summarizes one drift check cycle.
type CheckRecord struct {
	ID               string
	CheckedAt        time.Time
	TotalResources   int
	DriftedResources int
	ImmediateAction  int
	DirectoryErrors  int
}

// RecordCheck stores a drift-check summary.
func (s *Store) RecordCheck(rec CheckRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = time.Now()
	}
	_, err := s.conn.Exec(
		`INSERT INTO drift_checks (id, checked_at, total_resources, drifted_resources, immediate_action, directory_errors)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CheckedAt, rec.TotalResources, rec.DriftedResources, rec.ImmediateAction, rec.DirectoryErrors,
	)
	if err != nil {
		return fmt.Errorf("recording drift check: %w", err)
	}
	return nil
}

// FixRecord is one fix attempt and its outcome.
type FixRecord struct {
	ID          string
	AttemptedAt time.Time
	ResourceID  string
	PatchType   string
	RiskLevel   string
	Success     bool
	Reason      string
}

// RecordFix stores a fix attempt outcome.
func (s *Store) RecordFix(rec FixRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now()
	}
	_, err := s.conn.Exec(
		`INSERT INTO fix_attempts (id, attempted_at, resource_id, patch_type, risk_level, success, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AttemptedAt, rec.ResourceID, rec.PatchType, rec.RiskLevel, rec.Success, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("recording fix attempt: %w", err)
	}
	return nil
}

// RecentFixes returns the most recent fix attempts, newest first.
func (s *Store) RecentFixes(limit int) ([]FixRecord, error) {
	rows, err := s.conn.Query(
		`SELECT id, attempted_at, resource_id, patch_type, risk_level, success, reason
		 FROM fix_attempts ORDER BY attempted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying fix attempts: %w", err)
	}
	defer rows.Close()

	var records []FixRecord
	for rows.Next() {
		var rec FixRecord
		if err := rows.Scan(&rec.ID, &rec.AttemptedAt, &rec.ResourceID, &rec.PatchType, &rec.RiskLevel, &rec.Success, &rec.Reason); err != nil {
			return nil, fmt.Errorf("scanning fix attempt: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}
