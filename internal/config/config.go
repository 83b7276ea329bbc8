package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Runtime contains the directories shared by every scopes process.
type Runtime struct {
	EndpointDir  string `toml:"endpoint_dir"`
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
	RegistryName string `toml:"registry_name"`
}

// Middleware contains transport and dispatch settings. Timeouts are in
// milliseconds.
type Middleware struct {
	TwowayTimeoutMS int `toml:"twoway_timeout_ms"`
	DialTimeoutMS   int `toml:"dial_timeout_ms"`
	MainThreads     int `toml:"main_threads"`
	CtrlThreads     int `toml:"ctrl_threads"`
	InvokeThreads   int `toml:"invoke_threads"`
	QueueSize       int `toml:"queue_size"`
	MaxPayloadBytes int `toml:"max_payload_bytes"`
}

// Registry contains scope discovery and process management settings.
type Registry struct {
	ScopeInstallDirs []string `toml:"scope_install_dirs"`
	ScopeRunner      string   `toml:"scoperunner"`
	LocateTimeoutMS  int      `toml:"locate_timeout_ms"`
	StopGraceMS      int      `toml:"stop_grace_ms"`
	Watch            bool     `toml:"watch"`
	// RemoteRegistry is the endpoint of a registry consulted for scopes
	// that are not installed locally.
	RemoteRegistry string `toml:"remote_registry"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Metrics controls the Prometheus endpoint of the registry daemon.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Config encapsulates all configuration values for the scopes runtime.
//
// Configuration sections by subsystem:
//   - Runtime: socket, state, and log directories plus the registry name
//   - Middleware: invocation timeouts, worker counts, and frame limits
//   - Registry: install directories, scope runner, spawn timeouts
//   - Logging: log format, level, and retention
//   - Metrics: Prometheus exposition for the registry daemon
type Config struct {
	Runtime    Runtime    `toml:"runtime"`
	Middleware Middleware `toml:"middleware"`
	Registry   Registry   `toml:"registry"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		if env, ok := os.LookupEnv(EnvConfig); ok {
			path = strings.TrimSpace(env)
		}
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("scopes.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the runtime directories. The endpoint directory
// is private to the user since anyone able to connect can invoke scopes.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Runtime.EndpointDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Runtime.EndpointDir, err)
	}
	for _, dir := range []string{c.Runtime.StateDir, c.Runtime.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// TwowayTimeout bounds every twoway invocation.
func (c *Config) TwowayTimeout() time.Duration {
	return time.Duration(c.Middleware.TwowayTimeoutMS) * time.Millisecond
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Middleware.DialTimeoutMS) * time.Millisecond
}

// LocateTimeout bounds how long a spawned scope has to become reachable.
func (c *Config) LocateTimeout() time.Duration {
	return time.Duration(c.Registry.LocateTimeoutMS) * time.Millisecond
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Registry.StopGraceMS) * time.Millisecond
}

// LockPath is the single-instance lock held by the registry daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.Runtime.StateDir, "scoperegistry.lock")
}

// PIDPath records the pid of the running registry daemon.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Runtime.StateDir, "scoperegistry.pid")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// defaultEndpointDir prefers the per-user runtime directory; sockets
// elsewhere risk exceeding the unix socket path limit.
func defaultEndpointDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "scopes")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("scopes-%d", os.Getuid()))
}

func defaultStateDir() string {
	if base, ok := os.LookupEnv("XDG_STATE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "scopes")
	}
	return "~/.local/state/scopes"
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
