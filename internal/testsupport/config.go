package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"scopes/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Sockets live in a short directory of their own; everything else lives
// under BaseDir.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Runtime.EndpointDir = SocketDir(t)
	cfgVal.Runtime.StateDir = filepath.Join(base, "state")
	cfgVal.Runtime.LogDir = filepath.Join(base, "state", "logs")
	cfgVal.Registry.ScopeInstallDirs = []string{filepath.Join(base, "scopes")}
	cfgVal.Registry.ScopeRunner = filepath.Join(base, "bin", "scoperunner")
	cfgVal.Registry.LocateTimeoutMS = 10000
	cfgVal.Registry.StopGraceMS = 1000
	cfgVal.Middleware.TwowayTimeoutMS = 2000
	cfgVal.Middleware.DialTimeoutMS = 500
	cfgVal.Logging.Level = "debug"
	cfgVal.Metrics.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := os.MkdirAll(cfgVal.Registry.ScopeInstallDirs[0], 0o755); err != nil {
		t.Fatalf("mkdir install dir: %v", err)
	}
	return builder.cfg
}

// WithScopeRunner sets the executable the registry launches scopes with.
func WithScopeRunner(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Registry.ScopeRunner = path
	}
}

// WithRegistryName overrides the registry server name.
func WithRegistryName(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Runtime.RegistryName = name
	}
}

// WithInstallDirs replaces the scope install directories.
func WithInstallDirs(dirs ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Registry.ScopeInstallDirs = dirs
	}
}

// InstallDir returns the first scope install directory of cfg.
func InstallDir(cfg *config.Config) string {
	return cfg.Registry.ScopeInstallDirs[0]
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Runtime.StateDir)
}

// WriteConfig marshals cfg to BaseDir/config.toml so child processes can
// load it, and returns the path.
func WriteConfig(t testing.TB, cfg *config.Config) string {
	t.Helper()

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
