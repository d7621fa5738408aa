package session

import (
	"context"
	"fmt"
	"time"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

// PendingStore lists stored jobs and records their status changes.
type PendingStore interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	AddAuditEntry(ctx context.Context, entry store.AuditEntry) error
}

// Refresh asks Cortex for the state of up to limit stored jobs that are
// still Waiting or InProgress. Changed statuses are stored, audited and
// published. It returns the number of jobs that changed.
func (s *Session) Refresh(ctx context.Context, st PendingStore, limit int) (int, error) {
	var pending []store.Job
	for _, status := range []string{cortex.StatusWaiting, cortex.StatusInProgress} {
		jobs, err := st.ListJobs(ctx, store.JobFilter{Status: status, Limit: limit})
		if err != nil {
			return 0, fmt.Errorf("list %s jobs: %w", status, err)
		}
		pending = append(pending, jobs...)
	}

	changed := 0
	for _, sj := range pending {
		current, err := s.api.GetJob(ctx, sj.ID)
		if err != nil {
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			s.logger.Printf("Failed to refresh job %s: %v", sj.ID, err)
			continue
		}
		if current.Status == sj.Status {
			continue
		}
		if err := st.UpdateJobStatus(ctx, sj.ID, current.Status); err != nil {
			s.logger.Printf("Failed to update job %s: %v", sj.ID, err)
			continue
		}
		changed++
		s.debug.Printf("Job %s: %s -> %s", sj.ID, sj.Status, current.Status)

		entry := store.AuditEntry{
			JobID:  sj.ID,
			SID:    sj.SID,
			Action: store.ActionStatus,
			Actor:  s.opts.Source,
			Details: map[string]interface{}{
				"from": sj.Status,
				"to":   current.Status,
			},
			Timestamp: time.Now(),
		}
		if err := st.AddAuditEntry(ctx, entry); err != nil {
			s.logger.Printf("Failed to audit job %s: %v", sj.ID, err)
		}

		if s.opts.Bus != nil {
			msg := bus.JobMessage{
				JobID:        sj.ID,
				AnalyzerID:   sj.AnalyzerID,
				AnalyzerName: sj.AnalyzerName,
				Data:         sj.Data,
				DataType:     sj.DataType,
				TLP:          sj.TLP,
				PAP:          sj.PAP,
				SID:          sj.SID,
				Status:       current.Status,
			}
			if err := s.opts.Bus.PublishJob(ctx, msg); err != nil {
				s.logger.Printf("Failed to publish job %s: %v", sj.ID, err)
			}
		}
	}
	return changed, nil
}
