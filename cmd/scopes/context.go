package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"scopes/internal/config"
	"scopes/internal/daemonctl"
	"scopes/internal/logging"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) logger() *slog.Logger {
	if c.verbose == nil || !*c.verbose {
		return logging.NewNop()
	}
	logger, err := logging.New(logging.Options{Level: "debug", OutputPaths: []string{"stderr"}})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// withClient runs fn against a registry that answers pings.
func (c *commandContext) withClient(ctx context.Context, fn func(*daemonctl.Client) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	client, err := daemonctl.Dial(cfg, c.logger())
	if err != nil {
		return err
	}
	defer client.Close()
	if !client.Alive(ctx) {
		return fmt.Errorf("connect to registry: %s is not answering; start it with `scopes start`", client.Registry.Endpoint())
	}
	return fn(client)
}

func (c *commandContext) launchOptions(diagnostic bool) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{Diagnostic: diagnostic}
	if c.configExists {
		opts.ConfigPath = c.configPath
	}
	return opts
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
