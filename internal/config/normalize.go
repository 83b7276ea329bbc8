package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeRuntime(); err != nil {
		return err
	}
	if err := c.normalizeRegistry(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	if c.Metrics.Bind == "" {
		c.Metrics.Bind = defaultMetricsBind
	}
	return nil
}

func (c *Config) normalizeRuntime() error {
	var err error
	if strings.TrimSpace(c.Runtime.EndpointDir) == "" {
		c.Runtime.EndpointDir = defaultEndpointDir()
	}
	if c.Runtime.EndpointDir, err = expandPath(strings.TrimSpace(c.Runtime.EndpointDir)); err != nil {
		return fmt.Errorf("runtime.endpoint_dir: %w", err)
	}
	if strings.TrimSpace(c.Runtime.StateDir) == "" {
		c.Runtime.StateDir = defaultStateDir()
	}
	if c.Runtime.StateDir, err = expandPath(strings.TrimSpace(c.Runtime.StateDir)); err != nil {
		return fmt.Errorf("runtime.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Runtime.LogDir) == "" {
		c.Runtime.LogDir = filepath.Join(c.Runtime.StateDir, "logs")
	}
	if c.Runtime.LogDir, err = expandPath(strings.TrimSpace(c.Runtime.LogDir)); err != nil {
		return fmt.Errorf("runtime.log_dir: %w", err)
	}
	c.Runtime.RegistryName = strings.TrimSpace(c.Runtime.RegistryName)
	if c.Runtime.RegistryName == "" {
		c.Runtime.RegistryName = defaultRegistryName
	}
	return nil
}

func (c *Config) normalizeRegistry() error {
	dirs := make([]string, 0, len(c.Registry.ScopeInstallDirs))
	for _, dir := range c.Registry.ScopeInstallDirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		expanded, err := expandPath(dir)
		if err != nil {
			return fmt.Errorf("registry.scope_install_dirs: %w", err)
		}
		if !slices.Contains(dirs, expanded) {
			dirs = append(dirs, expanded)
		}
	}
	c.Registry.ScopeInstallDirs = dirs

	runner := strings.TrimSpace(c.Registry.ScopeRunner)
	if runner == "" {
		runner = defaultScopeRunner
	}
	if strings.ContainsRune(runner, filepath.Separator) || strings.HasPrefix(runner, "~") {
		expanded, err := expandPath(runner)
		if err != nil {
			return fmt.Errorf("registry.scoperunner: %w", err)
		}
		runner = expanded
	} else {
		runner = lookupRunner(runner)
	}
	c.Registry.ScopeRunner = runner

	c.Registry.RemoteRegistry = strings.TrimSpace(c.Registry.RemoteRegistry)
	return nil
}

// lookupRunner resolves a bare runner name next to the running executable
// first, then on PATH. An unresolved name is returned unchanged and fails at
// spawn time.
func lookupRunner(name string) string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	}
	return name
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
