package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	ActionSubmit     = "submit"
	ActionSubmitFail = "submit_failed"
	ActionStatus     = "status_update"
)

// AuditEntry records something that happened to a job or a search.
type AuditEntry struct {
	ID        string                 `json:"id"`
	JobID     string                 `json:"job_id,omitempty"`
	SID       string                 `json:"sid,omitempty"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Details   map[string]interface{} `json:"details"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	CreatedAt time.Time              `json:"created_at"`
}

// AuditFilter narrows GetAuditEntries.
type AuditFilter struct {
	JobID  string
	SID    string
	Action string
}

// AddAuditEntry stores entry, assigning an id and timestamps when missing.
func (s *Store) AddAuditEntry(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.CreatedAt = time.Now()
	if entry.Details == nil {
		entry.Details = map[string]interface{}{}
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	var metadata sql.NullString
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO audit_entries (
		id, job_id, sid, action, actor, details, metadata, timestamp, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.JobID, entry.SID, entry.Action, entry.Actor,
		string(detailsJSON), metadata, entry.Timestamp.UnixMilli(), entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditEntries returns matching entries, newest first. limit <= 0 means all.
func (s *Store) GetAuditEntries(ctx context.Context, f AuditFilter, limit int) ([]AuditEntry, error) {
	query := `SELECT id, job_id, sid, action, actor, details, metadata, timestamp, created_at
		FROM audit_entries WHERE 1=1`
	var args []interface{}
	if f.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, f.JobID)
	}
	if f.SID != "" {
		query += " AND sid = ?"
		args = append(args, f.SID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var jobID, sid, metadataJSON sql.NullString
		var detailsJSON string
		var timestamp, createdAt int64
		if err := rows.Scan(&e.ID, &jobID, &sid, &e.Action, &e.Actor,
			&detailsJSON, &metadataJSON, &timestamp, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.JobID = jobID.String
		e.SID = sid.String
		e.Timestamp = time.UnixMilli(timestamp)
		e.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			e.Details = map[string]interface{}{"raw": detailsJSON}
		}
		if metadataJSON.Valid {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				e.Metadata = map[string]string{"raw": metadataJSON.String}
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogSubmission records a successful analyzer run.
func (s *Store) LogSubmission(ctx context.Context, job Job, actor string) error {
	return s.AddAuditEntry(ctx, AuditEntry{
		JobID:  job.ID,
		SID:    job.SID,
		Action: ActionSubmit,
		Actor:  actor,
		Details: map[string]interface{}{
			"analyzer":  job.AnalyzerName,
			"data":      job.Data,
			"data_type": job.DataType,
		},
		Metadata: map[string]string{
			"tlp": fmt.Sprintf("%d", job.TLP),
			"pap": fmt.Sprintf("%d", job.PAP),
		},
	})
}

// LogFailure records a failed submission.
func (s *Store) LogFailure(ctx context.Context, sid, actor string, cause error, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["error"] = cause.Error()
	return s.AddAuditEntry(ctx, AuditEntry{
		SID:     sid,
		Action:  ActionSubmitFail,
		Actor:   actor,
		Details: details,
	})
}
