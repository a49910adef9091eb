package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rawserve",
		Short: "HTTP/1.1 server with routing, static files and WebSocket",
		Long: `rawserve serves route trees, static directories (local or S3) with
byte-range streaming, and WebSocket sessions over a single HTTP/1.1 engine.

Settings are read from RAWSERVE_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
