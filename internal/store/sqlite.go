// Package store persists submitted Cortex job handles and an audit trail
// of submissions in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed job store.
type Store struct {
	db *sql.DB
}

// Job is a stored job handle.
type Job struct {
	ID           string    `json:"id"`
	AnalyzerID   string    `json:"analyzer_id"`
	AnalyzerName string    `json:"analyzer_name"`
	Data         string    `json:"data"`
	DataType     string    `json:"data_type"`
	TLP          int       `json:"tlp"`
	PAP          int       `json:"pap"`
	Status       string    `json:"status"`
	SID          string    `json:"sid,omitempty"`
	Message      string    `json:"message,omitempty"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobFilter narrows ListJobs and CountJobs. Zero values match everything.
type JobFilter struct {
	SID      string
	DataType string
	Status   string
	Data     string
	Since    time.Time
	Limit    int
	Offset   int
}

// NewStore opens (and creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open(sqliteDriver, dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			analyzer_id TEXT NOT NULL,
			analyzer_name TEXT NOT NULL,
			data TEXT NOT NULL,
			data_type TEXT NOT NULL,
			tlp INTEGER NOT NULL,
			pap INTEGER NOT NULL,
			status TEXT NOT NULL,
			sid TEXT,
			message TEXT,
			source TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_sid ON jobs(sid)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_data_type ON jobs(data_type)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,

		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			job_id TEXT,
			sid TEXT,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			details TEXT NOT NULL,
			metadata TEXT,
			timestamp INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_job_id ON audit_entries(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_sid ON audit_entries(sid)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// SaveJob inserts or replaces a job handle.
func (s *Store) SaveJob(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	query := `INSERT OR REPLACE INTO jobs (
		id, analyzer_id, analyzer_name, data, data_type, tlp, pap, status,
		sid, message, source, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.AnalyzerID, job.AnalyzerName, job.Data, job.DataType,
		job.TLP, job.PAP, job.Status, job.SID, job.Message, job.Source,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// UpdateJobStatus changes the status of a stored job.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetJob returns one job handle.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJobs+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return &jobs[0], nil
}

const selectJobs = `SELECT id, analyzer_id, analyzer_name, data, data_type, tlp, pap,
	status, sid, message, source, created_at, updated_at FROM jobs`

func (f JobFilter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	if f.SID != "" {
		clause += " AND sid = ?"
		args = append(args, f.SID)
	}
	if f.DataType != "" {
		clause += " AND data_type = ?"
		args = append(args, strings.ToLower(f.DataType))
	}
	if f.Status != "" {
		clause += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Data != "" {
		clause += " AND data LIKE ?"
		args = append(args, "%"+f.Data+"%")
	}
	if !f.Since.IsZero() {
		clause += " AND created_at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	return clause, args
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	clause, args := f.where()
	query := selectJobs + clause + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobs counts jobs matching f, ignoring its pagination.
func (s *Store) CountJobs(ctx context.Context, f JobFilter) (int, error) {
	clause, args := f.where()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return total, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var j Job
		var sid, message, source sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&j.ID, &j.AnalyzerID, &j.AnalyzerName, &j.Data, &j.DataType,
			&j.TLP, &j.PAP, &j.Status, &sid, &message, &source, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.SID = sid.String
		j.Message = message.String
		j.Source = source.String
		j.CreatedAt = time.UnixMilli(createdAt)
		j.UpdatedAt = time.UnixMilli(updatedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
