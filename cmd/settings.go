package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/settings"
)

var settingsJSON bool

// settingsCmd shows the loaded Cortex settings with the API key masked
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show the Cortex settings in use",
	Long: `Load the cortex and logging pages from the configured source and print them
with the API key masked. Fails like every Cortex command when a required
field is missing.`,
	RunE: runSettings,
}

func init() {
	rootCmd.AddCommand(settingsCmd)

	settingsCmd.Flags().BoolVar(&settingsJSON, "json", false, "Print the settings as JSON")
}

func runSettings(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context(), openOptions{component: "settings", needSettings: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	pages := rt.settings.Masked()
	if settingsJSON {
		return printJSON(cmd.OutOrStdout(), pages)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Source: %s\n", rt.cfg.Settings.Source)
	fmt.Fprintf(out, "URL: %s\n", rt.settings.URL())
	fmt.Fprintf(out, "Verify TLS: %v\n", rt.settings.VerifyTLS())
	fmt.Fprintf(out, "Log level: %s\n", rt.level)
	for _, page := range []string{settings.PageCortex, settings.PageLogging} {
		fmt.Fprintf(out, "\n[%s]\n", page)
		keys := make([]string, 0, len(pages[page]))
		for k := range pages[page] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s = %s\n", k, pages[page][k])
		}
	}
	return nil
}
