package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/job"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

var (
	jobsSID      string
	jobsDataType string
	jobsStatus   string
	jobsData     string
	jobsSince    string
	jobsLimit    int
	jobsOffset   int
	jobsJSON     bool
)

// jobsCmd lists stored job handles
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List submitted jobs",
	Long: `List the job handles recorded in the job store, newest first.
This command works without a Cortex connection.

Examples:
  # Latest jobs
  ta-cortex jobs

  # Jobs of one search, still running
  ta-cortex jobs --sid 1700000000.42 --status InProgress

  # Jobs of the last hour for one data type
  ta-cortex jobs --since 1h --data-type ip`,
	RunE: runJobs,
}

// jobsShowCmd prints one stored job and its audit trail
var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a stored job and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsCmd.Flags().StringVar(&jobsSID, "sid", "", "Only jobs of this search id")
	jobsCmd.Flags().StringVar(&jobsDataType, "data-type", "", "Only jobs of this data type")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Only jobs in this status (Waiting, InProgress, Success, Failure)")
	jobsCmd.Flags().StringVar(&jobsData, "data", "", "Only jobs whose observable contains this text")
	jobsCmd.Flags().StringVar(&jobsSince, "since", "", "Only jobs created since an RFC3339 time or a duration ago (e.g. 24h)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to show")
	jobsCmd.Flags().IntVar(&jobsOffset, "offset", 0, "Number of jobs to skip")
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "Print the jobs as JSON")
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since value %q: use RFC3339 or a duration like 24h", v)
	}
	return now.Add(-d), nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	since, err := parseSince(jobsSince, time.Now())
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, openOptions{component: "jobs", needStore: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := store.JobFilter{
		SID:      jobsSID,
		DataType: jobsDataType,
		Status:   jobsStatus,
		Data:     jobsData,
		Since:    since,
		Limit:    jobsLimit,
		Offset:   jobsOffset,
	}
	return listJobs(ctx, cmd.OutOrStdout(), rt.store, filter, jobsJSON)
}

func listJobs(ctx context.Context, out io.Writer, st *store.Store, filter store.JobFilter, asJSON bool) error {
	jobs, err := st.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if asJSON {
		if jobs == nil {
			jobs = []store.Job{}
		}
		return printJSON(out, jobs)
	}

	total, err := st.CountJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}

	fmt.Fprintf(out, "Showing %d of %d jobs:\n\n", len(jobs), total)
	for i, j := range jobs {
		fmt.Fprintf(out, "%d. [%s] %s (%s)\n", filter.Offset+i+1, strings.ToUpper(j.Status), j.Data, j.DataType)
		fmt.Fprintf(out, "   ID: %s\n", j.ID)
		fmt.Fprintf(out, "   Analyzer: %s\n", j.AnalyzerName)
		fmt.Fprintf(out, "   TLP: %s  PAP: %s\n", job.LevelName(j.TLP), job.LevelName(j.PAP))
		if j.SID != "" {
			fmt.Fprintf(out, "   SID: %s\n", j.SID)
		}
		fmt.Fprintf(out, "   Created: %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintln(out)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := openRuntime(ctx, openOptions{component: "jobs", needStore: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	j, err := rt.store.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	entries, err := rt.store.GetAuditEntries(ctx, store.AuditFilter{JobID: j.ID}, 50)
	if err != nil {
		return fmt.Errorf("failed to get audit trail: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s\n", j.ID)
	fmt.Fprintf(out, "  Status:   %s\n", j.Status)
	fmt.Fprintf(out, "  Analyzer: %s (%s)\n", j.AnalyzerName, j.AnalyzerID)
	fmt.Fprintf(out, "  Data:     %s (%s)\n", j.Data, j.DataType)
	fmt.Fprintf(out, "  TLP/PAP:  %s/%s\n", job.LevelName(j.TLP), job.LevelName(j.PAP))
	fmt.Fprintf(out, "  SID:      %s\n", j.SID)
	fmt.Fprintf(out, "  Source:   %s\n", j.Source)
	fmt.Fprintf(out, "  Created:  %s\n", j.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Updated:  %s\n", j.UpdatedAt.Format(time.RFC3339))

	if len(entries) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nAudit trail:")
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  %-14s by %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor)
	}
	return nil
}
