// Package logs reads the registry and scope log files written under the
// runtime log directory.
//
// Tail returns the last lines of a file or the lines appended after an
// offset; Follow keeps reading until its context ends and powers
// `scopes logs --follow`.
package logs
