package main

import (
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree; tests build a fresh one per run
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blelog",
		Short: "Record BLE sensor notifications to a durable log",
		Long: `blelog connects to a Bluetooth Low Energy sensor, subscribes to its
measurement characteristic and appends every received record, with a
reconstructed timestamp, to a CSV file or a SQLite database.

Recording stops on Ctrl+C, SIGTERM, a 'q' keypress, a run duration, a record
count or a stop file. Records received before the stop are always written.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
	}

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(newRecordCmd())
	rootCmd.AddCommand(newScanCmd())

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(ExitCode(err))
	}
}
