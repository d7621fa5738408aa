package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/ingest"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
)

var (
	runData          string
	runDataType      string
	runTLP           string
	runPAP           string
	runAnalyzerNames string
	runSID           string
	runInput         string
	runWait          time.Duration
	runSkipInvalid   bool
)

// runCmd submits observables to Cortex analyzers
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit observables to Cortex analyzers",
	Long: `Submit one observable from flags, or many from JSON lines read from a file
or stdin, then run every queued job and print the returned job handles.

Each input line is {"data", "dataType", "tlp", "pap", "analyzers"};
tlp and pap accept WHITE/GREEN/AMBER/RED or 0-3 and default to AMBER,
analyzers is "all" or a ";" separated list of analyzer names. Queued jobs
share the --sid of the run.

Examples:
  # Run every IP analyzer on one address
  ta-cortex run --data 8.8.8.8 --data-type ip

  # Run two analyzers and wait up to a minute for the reports
  ta-cortex run --data evil.example --data-type domain \
      --analyzers "Abuse_Finder_3_0;DShield_lookup_1_0" --wait 1m

  # Queue search results exported as JSON lines
  cat results.jsonl | ta-cortex run --input - --sid 1700000000.42`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runData, "data", "", "Observable value")
	runCmd.Flags().StringVar(&runDataType, "data-type", "", "Observable data type (ip, domain, hash, url...)")
	runCmd.Flags().StringVar(&runTLP, "tlp", "AMBER", "Traffic Light Protocol level")
	runCmd.Flags().StringVar(&runPAP, "pap", "AMBER", "Permissible Actions Protocol level")
	runCmd.Flags().StringVar(&runAnalyzerNames, "analyzers", "all", `"all" or a ";" separated list of analyzer names`)
	runCmd.Flags().StringVar(&runSID, "sid", "", "Search id forwarded to Cortex as sid:<sid>")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Read JSON line requests from a file ('-' for stdin)")
	runCmd.Flags().DurationVar(&runWait, "wait", 0, "Wait up to this long for each report (0 prints handles only)")
	runCmd.Flags().BoolVar(&runSkipInvalid, "skip-invalid", false, "Skip invalid input lines instead of failing")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if runInput == "" && runData == "" {
		return fmt.Errorf("either --data or --input is required")
	}

	rt, err := openRuntime(ctx, openOptions{
		component:   "run",
		source:      "cli",
		sid:         runSID,
		needSession: true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if runInput != "" {
		if err := queueInput(ctx, rt, runInput); err != nil {
			return err
		}
	} else {
		tlp := job.ConvertLevel(runTLP, job.Amber, rt.debug)
		pap := job.ConvertLevel(runPAP, job.Amber, rt.debug)
		if err := rt.session.AddJob(ctx, runData, runDataType, tlp, pap, runAnalyzerNames); err != nil {
			return err
		}
	}

	handles, err := rt.session.RunJobs(ctx)
	if err != nil {
		printJSON(cmd.OutOrStdout(), handles)
		return err
	}
	rt.logger.Printf("Submitted %d job(s)", len(handles))

	if runWait <= 0 {
		return printJSON(cmd.OutOrStdout(), handles)
	}
	reports, err := rt.session.Wait(ctx, handles, runWait)
	if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil && err == nil {
		err = perr
	}
	return err
}

// queueInput adds every request read from path to the session queue.
func queueInput(ctx context.Context, rt *runtime, path string) error {
	var input io.Reader
	name := path
	if path == "-" {
		input = os.Stdin
		name = "stdin"
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		input = f
	}

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	queued := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req, err := ingest.ParseRequest([]byte(line), rt.debug)
		if err == nil {
			err = rt.session.AddJob(ctx, req.Data, req.DataType, req.TLP, req.PAP, req.Analyzers)
		}
		if err != nil {
			if runSkipInvalid {
				rt.logger.Printf("Skipping invalid request at %s:%d: %v", name, lineNum, err)
				continue
			}
			return err
		}
		queued++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", name, err)
	}
	rt.debug.Printf("Queued %d request(s) from %s", queued, name)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	if handles, ok := v.([]cortex.Job); ok && handles == nil {
		v = []cortex.Job{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
