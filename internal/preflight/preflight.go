package preflight

import (
	"scopes/internal/config"
)

// Result is the outcome of one check. Optional results describe things the
// runtime can do without.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// RunAll executes every check that applies to cfg.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("Endpoint directory", cfg.Runtime.EndpointDir),
		CheckDirectoryAccess("State directory", cfg.Runtime.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Runtime.LogDir),
		CheckExecutable("Scope runner", cfg.Registry.ScopeRunner),
	}
	for _, dir := range cfg.Registry.ScopeInstallDirs {
		r := CheckDirectoryReadable("Install directory", dir)
		r.Optional = true
		results = append(results, r)
	}
	results = append(results, CheckDescriptions(cfg.Registry.ScopeInstallDirs)...)
	return results
}

// Failures returns the failed results that are not optional.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}
