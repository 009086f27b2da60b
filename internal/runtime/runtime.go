// Package runtime enumerates the guest runtimes Voidrun can execute and maps
// each to its base image, source extension, and default launch command.
package runtime

import (
	"fmt"
	"strings"
)

// Runtime identifies a supported guest runtime.
type Runtime string

const (
	// Node runs plain JavaScript under node.
	Node Runtime = "node"

	// Bun runs JavaScript/TypeScript under the bun runtime.
	Bun Runtime = "bun"

	// TypeScript runs TypeScript sources; bun executes them directly without
	// a separate compile step.
	TypeScript Runtime = "typescript"
)

// ErrUnknownRuntime is returned by Parse for values outside the supported set.
var ErrUnknownRuntime = fmt.Errorf("unknown runtime")

// Parse resolves a user-supplied runtime tag. Matching is case-insensitive.
func Parse(s string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "node", "nodejs", "javascript":
		return Node, nil
	case "bun":
		return Bun, nil
	case "typescript", "ts":
		return TypeScript, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRuntime, s)
	}
}

// Image returns the default base image tag for the runtime.
func (r Runtime) Image() string {
	switch r {
	case Node:
		return "node:20-slim"
	default:
		// Bun images carry both bun and a TypeScript-capable loader.
		return "oven/bun:latest"
	}
}

// Extension returns the source-file extension, including the dot.
func (r Runtime) Extension() string {
	if r == Node {
		return ".js"
	}
	return ".ts"
}

// MainFile returns the conventional entry file name for generated sources.
func (r Runtime) MainFile() string {
	return "index" + r.Extension()
}

// LaunchCommand returns the default argv used to run the given main file when
// the client supplies no explicit entry point.
func (r Runtime) LaunchCommand(main string) []string {
	switch r {
	case Node:
		return []string{"node", main}
	case Bun:
		return []string{"bun", "run", main}
	default:
		return []string{"bun", main}
	}
}

// InstallCommand returns the dependency install argv for the runtime.
func (r Runtime) InstallCommand() []string {
	if r == Node {
		return []string{"npm", "install"}
	}
	return []string{"bun", "install"}
}

// HotReload reports whether the runtime picks up file changes without a
// process restart. Bun's dev server watches the filesystem natively.
func (r Runtime) HotReload() bool {
	return r == Bun || r == TypeScript
}

// All returns the closed set of supported runtimes.
func All() []Runtime {
	return []Runtime{Node, Bun, TypeScript}
}
