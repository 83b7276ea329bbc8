// Command scoperegistry runs the scope registry daemon in the foreground.
//
// It publishes the registry on the runtime endpoint directory, spawns scope
// runners on demand, and exits on SIGINT or SIGTERM. Use `scopes start` to
// launch it detached.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scopes/internal/config"
	"scopes/internal/daemonrun"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "scoperegistry: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var logLevel string
	var development bool
	var diagnostic bool

	cmd := &cobra.Command{
		Use:           "scoperegistry",
		Short:         "Run the scope registry daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolved, exists, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts := daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
				Diagnostic:  diagnostic,
			}
			if exists {
				opts.ConfigPath = resolved
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&development, "development", false, "Log source locations")
	cmd.Flags().BoolVar(&diagnostic, "diagnostic", false, "Write a separate debug-level JSON log")
	return cmd
}
