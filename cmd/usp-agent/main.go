// USP Agent - error reporting core and request dispatcher
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "usp-agent",
		Short: "USP agent",
		Long: `USP agent serves controller requests read as newline-delimited JSON-RPC
on stdin, reporting failures through a single canonical error message.
Fatal terminations are recorded in a crash journal for later inspection.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: off, error, warn, info, debug (overrides config)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newCrashesCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "usp-agent v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
			fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
