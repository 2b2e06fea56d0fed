package main

import (
	"context"
	"errors"
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

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blueconsole",
	Short: "Console for BLE boards running the BASIC interpreter",
	Long: `Console client for microcontroller boards running the BASIC
interpreter firmware over Bluetooth Low Energy:

- Scan for nearby boards
- Interactive console, optionally bridged to a pseudo-terminal
- Upload BASIC programs
- Check for and install firmware upgrades over the air

Settings are read from ` + "`~/.config/blueconsole/config.yaml`" + ` when present.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(firmwareCmd)

	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/blueconsole/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Verbose output (same as --log-level=debug)")
	rootCmd.PersistentFlags().String("backend", "", "BLE backend (goble, tinygo, simulated)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
