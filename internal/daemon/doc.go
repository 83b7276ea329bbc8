// Package daemon coordinates the long-running scope registry process.
//
// It wires configuration, the middleware, the scope registry, and the scopes
// directory watcher into a single lifecycle with flock-based locking to
// prevent multiple instances per state directory. Stopping the daemon
// terminates every scope process it spawned.
//
// Keep orchestration logic here: registry semantics live in the registry
// package while the daemon focuses on startup, shutdown, and high level
// coordination.
package daemon
