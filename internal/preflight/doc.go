// Package preflight checks the filesystem and executables the scopes
// runtime depends on.
//
// The registry daemon runs RunAll at startup and logs every failure; the
// `scopes status` command renders the same results. Checks never modify
// anything.
package preflight
