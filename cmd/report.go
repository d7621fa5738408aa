package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

var reportWait time.Duration

// reportCmd fetches the report of one job
var reportCmd = &cobra.Command{
	Use:   "report <job-id>",
	Short: "Fetch the report of a Cortex job",
	Long: `Fetch a job and its report from Cortex and refresh the stored status.

Examples:
  ta-cortex report AWx3y4z
  ta-cortex report AWx3y4z --wait 2m`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().DurationVar(&reportWait, "wait", 0, "Let Cortex hold the request until the job ends, up to this long")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID := args[0]

	rt, err := openRuntime(ctx, openOptions{component: "report", source: "cli", needSession: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	var report *cortex.Report
	if reportWait > 0 {
		report, err = rt.session.API().WaitReport(ctx, jobID, reportWait)
	} else {
		report, err = rt.session.API().JobReport(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch report for job %s: %w", jobID, err)
	}

	if err := rt.store.UpdateJobStatus(ctx, jobID, report.Status); err != nil && !errors.Is(err, store.ErrNotFound) {
		rt.logger.Printf("Failed to update job %s: %v", jobID, err)
	}
	return printJSON(cmd.OutOrStdout(), report)
}
