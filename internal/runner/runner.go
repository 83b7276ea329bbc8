package runner

import (
	"context"
	"fmt"
	"log/slog"

	"scopes/internal/config"
	"scopes/internal/logging"
	"scopes/internal/rpc"
	"scopes/internal/scope"
	"scopes/internal/scopesdir"
)

// Options describes one scope process.
type Options struct {
	// ScopeID is the identity to publish. Empty means the description's id.
	ScopeID string
	// DescriptionPath is the scope's <scope_id>.toml file.
	DescriptionPath string
}

// Run loads the description, publishes its scope on the main adapter, and
// serves until ctx ends.
func Run(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	desc, err := scopesdir.LoadDescription(opts.DescriptionPath)
	if err != nil {
		return fmt.Errorf("load scope description: %w", err)
	}
	scopeID := opts.ScopeID
	if scopeID == "" {
		scopeID = desc.ScopeID
	}
	logger = logging.WithContext(logging.ContextWithScope(ctx, scopeID), logging.NewComponentLogger(logger, "scoperunner"))
	if scopeID != desc.ScopeID {
		logging.WarnWithContext(logger, "scope id differs from description file name", "scope_id_mismatch",
			logging.String("description_id", desc.ScopeID),
			logging.String(logging.FieldErrorHint, "rename the description to <scope_id>.toml"),
			logging.String(logging.FieldImpact, "the scope is published under the requested id"),
		)
	}

	mw, err := rpc.New(rpc.OptionsFromConfig(cfg, scopeID, logger, nil))
	if err != nil {
		return fmt.Errorf("create middleware: %w", err)
	}
	defer mw.Stop()

	if _, err := scope.Publish(mw, scopeID, NewExecScope(desc, logger)); err != nil {
		return fmt.Errorf("publish scope %s: %w", scopeID, err)
	}
	logger.Info("scope serving",
		logging.String(logging.FieldEventType, "scope_serving"),
		logging.String("endpoint", mw.EndpointFor(scopeID)),
		logging.Bool("exec_backed", len(desc.Command) > 0),
	)

	<-ctx.Done()
	logger.Info("scope shutting down")
	return nil
}
