package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "exthost",
		Short:         "Sandboxed extension host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides EXTHOST_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides EXTHOST_DATA_DIR)")

	rootCmd.AddCommand(
		serveCmd(),
		runtimeCmd(),
		extensionsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
