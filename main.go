package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ashfaaq98/ta-cortex/cmd"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
)

// Set with -ldflags "-X main.Version=... -X main.BuildTime=...".
var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	cmd.SetVersion(Version, BuildTime)

	// SIGINT and SIGTERM cancel ctx so serve and watch shut down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		// Splunk reads the exit status: 10, 11, 12, 21, 22 or 127.
		os.Exit(exitcode.Code(err))
	}
}
