package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/ui"
)

var forceTUI bool

// browseCmd opens the terminal job browser
var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse submitted jobs in a terminal UI",
	Long: `Open a terminal browser over the job store. Reports are fetched from Cortex
when settings are available.

Keys:
  Enter  show the report of the selected job
  s      cycle the status filter
  r      refresh
  Esc    clear the detail pane
  q      quit

Logs go to logs/ta-cortex-browse.log to keep the terminal clean.`,
	RunE: runBrowse,
}

func init() {
	rootCmd.AddCommand(browseCmd)

	browseCmd.Flags().BoolVar(&forceTUI, "force-tui", false, "Start even when stdout is not a terminal")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !forceTUI && !isTerminal() {
		return fmt.Errorf("browse needs a terminal; use 'ta-cortex jobs' instead or pass --force-tui")
	}

	var logOut io.Writer = io.Discard
	if logFile := setupFileLogger("browse"); logFile != nil {
		defer logFile.Close()
		logOut = logFile
	}

	rt, err := openRuntime(ctx, openOptions{component: "browse", needStore: true, logWriter: logOut})
	if err != nil {
		return err
	}
	defer rt.Close()

	var reports ui.ReportFunc
	if rt.settings != nil {
		client, err := cortex.NewClient(cortex.Options{
			BaseURL:    rt.settings.URL(),
			APIKey:     rt.settings.APIKey(),
			VerifyTLS:  rt.settings.VerifyTLS(),
			Timeout:    rt.cfg.Client.Timeout,
			RPS:        rt.cfg.Client.RPS,
			MaxRetries: rt.cfg.Client.MaxRetries,
			Logger:     rt.logger,
		})
		if err != nil {
			rt.logger.Printf("Reports disabled: %v", err)
		} else {
			defer client.Close()
			reports = client.JobReport
		}
	} else {
		rt.logger.Println("Reports disabled: Cortex settings are not configured")
	}

	return ui.NewBrowser(ctx, rt.store, reports, rt.logger).Run()
}
