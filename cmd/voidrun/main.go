// Package main is the entry point for Voidrun.
//
// Voidrun is a sandbox execution service: it runs untrusted JavaScript,
// TypeScript, and Bun programs inside isolated containers, exposes persistent
// dev servers through a reverse proxy, and layers FaaS-style deployments with
// autoscale-to-zero on top.
//
// Usage:
//
//	voidrun serve [flags]    Start the server
//	voidrun run [code]       Run code in an ephemeral sandbox
//	voidrun deploy [dir]     Deploy a directory as a FaaS function
//	voidrun list             List sandboxes
//	voidrun logs [id]        Show sandbox logs
package main

import "github.com/vaderyang/voidrun/internal/cli"

// Version information (set via ldflags at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.Execute()
}
