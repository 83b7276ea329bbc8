package scopesdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Extension of scope description files.
const Extension = ".toml"

// ErrInvalidDescription reports a description file that cannot describe a
// scope.
var ErrInvalidDescription = errors.New("invalid scope description")

// Description is the parsed contents of <scope dir>/<scope_id>.toml.
type Description struct {
	ScopeID   string `toml:"-"`
	Path      string `toml:"-"`
	Directory string `toml:"-"`

	DisplayName string `toml:"display_name"`
	Description string `toml:"description"`
	Author      string `toml:"author"`
	Art         string `toml:"art"`
	Icon        string `toml:"icon"`
	SearchHint  string `toml:"search_hint"`
	HotKey      string `toml:"hot_key"`

	// ScopeRunner overrides the registry's default runner executable.
	ScopeRunner string `toml:"scope_runner"`
	// Command, when set, is run once per query by the exec-backed scope;
	// each line of its stdout becomes a result. The query string is
	// appended as the last argument.
	Command []string `toml:"command"`
	// QueryTimeout bounds one command run ("30s"). Empty means no limit.
	QueryTimeout string `toml:"query_timeout"`

	modTime time.Time
}

// LoadDescription parses the description at path. The scope id is the file
// name without its extension; relative art and icon paths resolve against
// the file's directory.
func LoadDescription(path string) (*Description, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve description path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read description %q: %w", abs, err)
	}
	var d Description
	if err := toml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidDescription, abs, err)
	}
	d.Path = abs
	d.Directory = filepath.Dir(abs)
	d.ScopeID = strings.TrimSuffix(filepath.Base(abs), Extension)
	d.modTime = info.ModTime()
	d.normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Description) normalize() {
	d.DisplayName = strings.TrimSpace(d.DisplayName)
	d.Description = strings.TrimSpace(d.Description)
	d.Author = strings.TrimSpace(d.Author)
	d.Art = d.resolve(d.Art)
	d.Icon = d.resolve(d.Icon)
	d.ScopeRunner = d.resolve(d.ScopeRunner)
	d.QueryTimeout = strings.TrimSpace(d.QueryTimeout)
}

func (d *Description) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.Directory, p)
}

// Validate checks the mandatory keys.
func (d *Description) Validate() error {
	if d.ScopeID == "" {
		return fmt.Errorf("%w: %s: empty scope id", ErrInvalidDescription, d.Path)
	}
	missing := []string{}
	if d.DisplayName == "" {
		missing = append(missing, "display_name")
	}
	if d.Description == "" {
		missing = append(missing, "description")
	}
	if d.Author == "" {
		missing = append(missing, "author")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s: missing %s", ErrInvalidDescription, d.Path, strings.Join(missing, ", "))
	}
	if d.QueryTimeout != "" {
		if _, err := time.ParseDuration(d.QueryTimeout); err != nil {
			return fmt.Errorf("%w: %s: query_timeout: %v", ErrInvalidDescription, d.Path, err)
		}
	}
	return nil
}

// Timeout returns the parsed query timeout, zero when unset.
func (d *Description) Timeout() time.Duration {
	t, _ := time.ParseDuration(d.QueryTimeout)
	return t
}

// changed reports whether other describes a different file version.
func (d *Description) changed(other *Description) bool {
	return d.Path != other.Path || !d.modTime.Equal(other.modTime)
}

// Scan loads every description in the scope directories of the given
// install directories. Invalid descriptions are returned as errors alongside
// the valid ones. When two install dirs provide the same scope id, the
// earlier directory wins.
func Scan(installDirs []string) ([]*Description, []error) {
	var (
		out  []*Description
		errs []error
		seen = map[string]bool{}
	)
	for _, dir := range installDirs {
		for _, path := range descriptionFiles(dir) {
			d, err := LoadDescription(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if seen[d.ScopeID] {
				continue
			}
			seen[d.ScopeID] = true
			out = append(out, d)
		}
	}
	return out, errs
}

// descriptionFiles lists <dir>/<scope dir>/*.toml, following symlinked scope
// dirs.
func descriptionFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		scopeDir := filepath.Join(dir, e.Name())
		info, err := os.Stat(scopeDir)
		if err != nil || !info.IsDir() {
			continue
		}
		inner, err := os.ReadDir(scopeDir)
		if err != nil {
			continue
		}
		for _, f := range inner {
			if f.IsDir() || filepath.Ext(f.Name()) != Extension {
				continue
			}
			files = append(files, filepath.Join(scopeDir, f.Name()))
		}
	}
	slices.Sort(files)
	return files
}

// scopeDirs lists the scope directories under dir.
func scopeDirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			dirs = append(dirs, p)
		}
	}
	return dirs
}
