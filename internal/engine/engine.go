// Package engine is the boundary to the instrumentation engine: the tool
// that spawns or attaches to an app, injects hook scripts and emits trace
// records. The rest of dynamon only sees the Engine interface.
package engine

import (
	"context"

	"dynamon/internal/target"
)

// Process is one entry of a device process listing.
type Process struct {
	PID        int    `json:"pid"`
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
}

// AttachRequest selects the process to attach to. A zero PID attaches to
// the engine's own target (the freshly spawned app, or the running app with
// the target's package name).
type AttachRequest struct {
	PID     int
	Package string

	// OnAttached, if set, is called once the engine holds the process.
	OnAttached func()
}

// Engine drives one instrumentation target with a fixed hook selection.
type Engine interface {
	// Spawn starts the target app under instrumentation control.
	Spawn(ctx context.Context) error

	// Attach injects the hook script and blocks for the lifetime of the
	// instrumented session.
	Attach(ctx context.Context, req AttachRequest) error

	// EnumerateProcesses lists processes on the device.
	EnumerateProcesses(ctx context.Context) ([]Process, error)

	// InjectedScript renders the script Attach would inject.
	InjectedScript(ctx context.Context) (string, error)
}

// Factory builds an Engine bound to a target and hook selection.
type Factory interface {
	New(t target.Target, sel target.HookSelection) Engine
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(t target.Target, sel target.HookSelection) Engine

// New calls f.
func (f FactoryFunc) New(t target.Target, sel target.HookSelection) Engine {
	return f(t, sel)
}
