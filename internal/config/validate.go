package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// maxSocketPath is the usable length of sun_path on Linux.
	maxSocketPath = 107
	// socketNameReserve fits "/c-<uuid>-r".
	socketNameReserve = 41
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRuntime(); err != nil {
		return err
	}
	if err := c.validateMiddleware(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Bind == "" {
		return errors.New("metrics.bind must be set when metrics.enabled is true")
	}
	return nil
}

func (c *Config) validateRuntime() error {
	if c.Runtime.EndpointDir == "" {
		return errors.New("runtime.endpoint_dir must be set")
	}
	if len(c.Runtime.EndpointDir)+socketNameReserve > maxSocketPath {
		return fmt.Errorf("runtime.endpoint_dir %q is too long for unix socket paths (max %d bytes)",
			c.Runtime.EndpointDir, maxSocketPath-socketNameReserve)
	}
	if strings.ContainsAny(c.Runtime.RegistryName, "/\\") {
		return fmt.Errorf("runtime.registry_name %q must not contain path separators", c.Runtime.RegistryName)
	}
	return nil
}

func (c *Config) validateMiddleware() error {
	return ensurePositiveMap(map[string]int{
		"middleware.twoway_timeout_ms": c.Middleware.TwowayTimeoutMS,
		"middleware.dial_timeout_ms":   c.Middleware.DialTimeoutMS,
		"middleware.main_threads":      c.Middleware.MainThreads,
		"middleware.ctrl_threads":      c.Middleware.CtrlThreads,
		"middleware.invoke_threads":    c.Middleware.InvokeThreads,
		"middleware.queue_size":        c.Middleware.QueueSize,
		"middleware.max_payload_bytes": c.Middleware.MaxPayloadBytes,
	})
}

func (c *Config) validateRegistry() error {
	if err := ensurePositiveMap(map[string]int{
		"registry.locate_timeout_ms": c.Registry.LocateTimeoutMS,
		"registry.stop_grace_ms":     c.Registry.StopGraceMS,
	}); err != nil {
		return err
	}
	if remote := c.Registry.RemoteRegistry; remote != "" && !strings.HasPrefix(remote, "ipc://") {
		return fmt.Errorf("registry.remote_registry %q must be an ipc:// endpoint", remote)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
