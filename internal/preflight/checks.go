package preflight

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"scopes/internal/scopesdir"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok")
}

// CheckDirectoryReadable verifies that the directory exists and can be listed.
func CheckDirectoryReadable(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.X_OK, "readable")
}

func checkDirectory(name, path string, mode uint32, okDetail string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, okDetail)}
}

// CheckExecutable resolves command through PATH when it has no slash and
// reports whether the result can be executed.
func CheckExecutable(name, command string) Result {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Result{Name: name, Detail: "command not configured"}
	}
	resolved, err := exec.LookPath(cmd)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{Name: name, Detail: fmt.Sprintf("binary %q not found", cmd)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", cmd, err)}
	}
	info, err := os.Stat(resolved)
	if err != nil || !isExecutable(info) {
		return Result{Name: name, Detail: fmt.Sprintf("%s is not executable", resolved)}
	}
	return Result{Name: name, Passed: true, Detail: resolved}
}

// CheckDescriptions reports scope descriptions that fail to parse and scopes
// whose runner override cannot be executed. Healthy scopes produce no result.
func CheckDescriptions(installDirs []string) []Result {
	descs, errs := scopesdir.Scan(installDirs)
	var results []Result
	for _, err := range errs {
		results = append(results, Result{Name: "Scope description", Detail: err.Error()})
	}
	for _, d := range descs {
		if d.ScopeRunner == "" {
			continue
		}
		if r := CheckExecutable("Scope runner for "+d.ScopeID, d.ScopeRunner); !r.Passed {
			results = append(results, r)
		}
	}
	return results
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
