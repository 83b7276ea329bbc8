// Package config loads, normalizes, and validates scopes runtime configuration.
//
// It supplies repository defaults (XDG runtime and state directories),
// expands user paths including tilde shortcuts, reads TOML files, and honours
// SCOPES_RUNTIME_CONFIG so spawned scopes share the registry's configuration.
// The Config type centralizes every knob the registry daemon, the scope runner,
// and the CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, resolved runner locations, and clear validation errors.
package config
