// Package logging assembles the slog loggers used by the registry daemon, the
// scope runner, and the command line client.
//
// It owns the console and JSON handlers, output routing to stdout/stderr and
// log files, per-run session tagging, and log retention. Components derive
// their loggers with NewComponentLogger; warnings go through WarnWithContext
// so each one names an event type, a hint, and its impact. NewNop serves tests
// and wiring code that has no logger to hand.
package logging
