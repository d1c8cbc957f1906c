package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/uspagent/agent/pkg/config"
)

func newInitCmd() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = config.ConfigPaths()[0]
			}

			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			if err := config.GenerateExampleConfig(output); err != nil {
				return err
			}

			abs, _ := filepath.Abs(output)
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", abs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default ~/.usp-agent/config.toml)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}
