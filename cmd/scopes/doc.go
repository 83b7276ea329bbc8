// Package main hosts the scopes client CLI.
//
// The Cobra command tree talks to the scope registry over the local RPC
// middleware: it lists and inspects installed scopes, runs searches, previews
// and activations against them, reports running scope processes, tails the logs, and starts
// or stops the registry daemon. Configuration resolution and the client
// middleware live in commandContext so subcommands stay declarative.
package main
