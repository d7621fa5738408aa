package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/job"
)

var (
	analyzersDataType string
	analyzersJSON     bool
)

// analyzersCmd lists the analyzers enabled on the Cortex instance
var analyzersCmd = &cobra.Command{
	Use:   "analyzers",
	Short: "List Cortex analyzers",
	Long: `List the analyzers enabled for the configured API key, optionally only those
accepting one data type.

Examples:
  ta-cortex analyzers
  ta-cortex analyzers --data-type ip
  ta-cortex analyzers --json`,
	RunE: runAnalyzers,
}

func init() {
	rootCmd.AddCommand(analyzersCmd)

	analyzersCmd.Flags().StringVar(&analyzersDataType, "data-type", "", "Only list analyzers accepting this data type")
	analyzersCmd.Flags().BoolVar(&analyzersJSON, "json", false, "Print the analyzers as JSON")
}

func runAnalyzers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := openRuntime(ctx, openOptions{component: "analyzers", source: "cli", needSession: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	var analyzers []cortex.Analyzer
	if analyzersDataType != "" {
		dataType, err := job.NormalizeDataType(analyzersDataType)
		if err != nil {
			return err
		}
		analyzers, err = rt.session.API().AnalyzersByType(ctx, dataType)
		if err != nil {
			return fmt.Errorf("failed to list analyzers for %s: %w", dataType, err)
		}
	} else {
		analyzers, err = rt.session.API().FindAllAnalyzers(ctx)
		if err != nil {
			return fmt.Errorf("failed to list analyzers: %w", err)
		}
	}
	sort.Slice(analyzers, func(i, j int) bool { return analyzers[i].Name < analyzers[j].Name })

	if analyzersJSON {
		return printJSON(cmd.OutOrStdout(), analyzers)
	}

	out := cmd.OutOrStdout()
	if len(analyzers) == 0 {
		fmt.Fprintln(out, "No analyzers found.")
		return nil
	}
	fmt.Fprintf(out, "Found %d analyzers:\n\n", len(analyzers))
	for i, a := range analyzers {
		fmt.Fprintf(out, "%d. %s\n", i+1, a.Name)
		fmt.Fprintf(out, "   ID: %s\n", a.ID)
		fmt.Fprintf(out, "   Data types: %s\n", strings.Join(a.DataTypeList, ", "))
		if a.Description != "" {
			fmt.Fprintf(out, "   Description: %s\n", a.Description)
		}
		fmt.Fprintln(out)
	}
	return nil
}
