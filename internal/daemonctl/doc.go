// Package daemonctl controls a scoperegistry process from outside it.
//
// It launches the registry detached, waits for it to answer pings, stops it
// with SIGTERM and then SIGKILL, and gathers status snapshots over the
// registry's own RPC interface. The pid file written by daemonrun identifies
// the process to signal.
package daemonctl
