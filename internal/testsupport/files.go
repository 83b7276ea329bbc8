package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

// ScopeDescription is the on-disk shape of a scope description. Empty
// mandatory fields are filled from the scope id.
type ScopeDescription struct {
	DisplayName  string   `toml:"display_name"`
	Description  string   `toml:"description"`
	Author       string   `toml:"author"`
	Art          string   `toml:"art,omitempty"`
	Icon         string   `toml:"icon,omitempty"`
	SearchHint   string   `toml:"search_hint,omitempty"`
	HotKey       string   `toml:"hot_key,omitempty"`
	ScopeRunner  string   `toml:"scope_runner,omitempty"`
	Command      []string `toml:"command,omitempty"`
	QueryTimeout string   `toml:"query_timeout,omitempty"`
}

// WriteScopeDescription writes <installDir>/<scopeID>/<scopeID>.toml and
// returns its path.
func WriteScopeDescription(t testing.TB, installDir, scopeID string, desc ScopeDescription) string {
	t.Helper()

	if desc.DisplayName == "" {
		desc.DisplayName = scopeID + ".DisplayName"
	}
	if desc.Description == "" {
		desc.Description = scopeID + ".Description"
	}
	if desc.Author == "" {
		desc.Author = "Canonical Ltd."
	}
	data, err := toml.Marshal(desc)
	if err != nil {
		t.Fatalf("marshal description for %s: %v", scopeID, err)
	}
	dir := filepath.Join(installDir, scopeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", dir, err)
	}
	path := filepath.Join(dir, scopeID+".toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteExecutable writes a shell script to path with the executable bit set.
func WriteExecutable(t testing.TB, path, script string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
