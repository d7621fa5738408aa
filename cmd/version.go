package cmd

import (
	"fmt"
	"io"
	goruntime "runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/job"
)

var (
	appVersion string
	buildTime  string
)

// SetVersion records build metadata and enables --version.
func SetVersion(v, bt string) {
	appVersion = v
	buildTime = bt
	rootCmd.Version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and supported observable data types",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func printVersion(w io.Writer) {
	v := appVersion
	if v == "" {
		v = "dev"
	}
	fmt.Fprintf(w, "ta-cortex %s (%s, %s/%s)\n", v, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
	if buildTime != "" {
		fmt.Fprintf(w, "Build Time: %s\n", buildTime)
	}
	fmt.Fprintf(w, "Data types: %s\n", strings.Join(job.DataTypes, ", "))
	fmt.Fprintf(w, "TLP/PAP levels: WHITE=%d GREEN=%d AMBER=%d RED=%d\n", job.White, job.Green, job.Amber, job.Red)
}
