package config

// EnvConfig names the runtime configuration file. The registry sets it for
// every scope it spawns.
const EnvConfig = "SCOPES_RUNTIME_CONFIG"

const (
	defaultConfigPath      = "~/.config/scopes/config.toml"
	defaultRegistryName    = "Registry"
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
	defaultLogRetention    = 14
	defaultTwowayTimeoutMS = 5000
	defaultDialTimeoutMS   = 1000
	defaultMainThreads     = 4
	defaultCtrlThreads     = 2
	defaultInvokeThreads   = 4
	defaultQueueSize       = 64
	defaultMaxPayloadBytes = 8 * 1024 * 1024
	defaultLocateTimeoutMS = 5000
	defaultStopGraceMS     = 2000
	defaultScopeRunner     = "scoperunner"
	defaultMetricsBind     = "127.0.0.1:9477"
)

func defaultInstallDirs() []string {
	return []string{"~/.local/share/scopes", "/usr/share/scopes"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	stateDir := defaultStateDir()
	return Config{
		Runtime: Runtime{
			EndpointDir:  defaultEndpointDir(),
			StateDir:     stateDir,
			LogDir:       stateDir + "/logs",
			RegistryName: defaultRegistryName,
		},
		Middleware: Middleware{
			TwowayTimeoutMS: defaultTwowayTimeoutMS,
			DialTimeoutMS:   defaultDialTimeoutMS,
			MainThreads:     defaultMainThreads,
			CtrlThreads:     defaultCtrlThreads,
			InvokeThreads:   defaultInvokeThreads,
			QueueSize:       defaultQueueSize,
			MaxPayloadBytes: defaultMaxPayloadBytes,
		},
		Registry: Registry{
			ScopeInstallDirs: defaultInstallDirs(),
			ScopeRunner:      defaultScopeRunner,
			LocateTimeoutMS:  defaultLocateTimeoutMS,
			StopGraceMS:      defaultStopGraceMS,
			Watch:            true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetention,
		},
		Metrics: Metrics{
			Bind: defaultMetricsBind,
		},
	}
}
