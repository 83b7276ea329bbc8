// Command scoperunner hosts one scope in its own process.
//
// The registry starts it with the scope's description file as the only
// argument and the scope id in SCOPES_SCOPE_ID. The runtime configuration is
// read from SCOPES_RUNTIME_CONFIG when set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"scopes/internal/config"
	"scopes/internal/logging"
	"scopes/internal/registry"
	"scopes/internal/runner"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "scoperunner: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var scopeID string

	cmd := &cobra.Command{
		Use:           "scoperunner <description.toml>",
		Short:         "Run a single scope",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			id := strings.TrimSpace(scopeID)
			if id == "" {
				id = strings.TrimSpace(os.Getenv(registry.EnvScopeID))
			}
			fileName := "scoperunner.log"
			if id != "" {
				fileName = "scope-" + id + ".log"
			}
			logger, err := logging.NewFromConfig(cfg, fileName)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return runner.Run(ctx, cfg, runner.Options{ScopeID: id, DescriptionPath: args[0]}, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path (defaults to $"+config.EnvConfig+")")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "Scope id to publish (defaults to $"+registry.EnvScopeID+")")
	return cmd
}
