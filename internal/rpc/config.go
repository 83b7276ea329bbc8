package rpc

import (
	"log/slog"

	"scopes/internal/config"
	"scopes/internal/metrics"
	"scopes/internal/wire"
)

// OptionsFromConfig builds middleware options for the process named server.
// An empty server name is left for NewClient to fill in.
func OptionsFromConfig(cfg *config.Config, server string, logger *slog.Logger, reg *metrics.Registry) Options {
	limits := wire.DefaultLimits()
	limits.MaxPayloadBytes = uint64(cfg.Middleware.MaxPayloadBytes)
	return Options{
		ServerName:    server,
		EndpointDir:   cfg.Runtime.EndpointDir,
		TwowayTimeout: cfg.TwowayTimeout(),
		DialTimeout:   cfg.DialTimeout(),
		MainThreads:   cfg.Middleware.MainThreads,
		CtrlThreads:   cfg.Middleware.CtrlThreads,
		InvokeThreads: cfg.Middleware.InvokeThreads,
		QueueSize:     cfg.Middleware.QueueSize,
		Limits:        limits,
		Logger:        logger,
		Metrics:       reg,
	}
}
