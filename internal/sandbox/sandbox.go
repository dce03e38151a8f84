// Package sandbox defines the provider abstraction for isolated command
// execution. Providers prepare handles from a policy; handles run
// commands, answer access checks, and release resources on teardown.
package sandbox

import (
	"context"

	"github.com/odysseyml/odyssey/pkg/types"
)

// PrepareSpec carries everything a provider needs to build a handle.
type PrepareSpec struct {
	SessionID     types.SessionID
	Mode          types.SandboxMode
	WorkspaceRoot string
	Policy        types.SandboxPolicy
}

// Provider creates sandbox handles. Implementations (bwrap, docker,
// local, mock) are interchangeable behind this interface.
type Provider interface {
	// Name returns the provider's registry name.
	Name() string

	// Available reports whether the provider can run on this host and,
	// when it cannot, a human-readable report of what is missing.
	Available(ctx context.Context) DependencyReport

	// Prepare validates the spec and builds a handle. A handle must be
	// torn down when no longer needed.
	Prepare(ctx context.Context, spec *PrepareSpec) (Handle, error)
}

// StreamSink receives live output chunks from a running command.
type StreamSink interface {
	// Write delivers one chunk of the named stream. Implementations
	// must not retain the chunk slice after returning.
	Write(stream types.ExecStream, chunk []byte)
}

// StreamSinkFunc adapts a function to the StreamSink interface.
type StreamSinkFunc func(stream types.ExecStream, chunk []byte)

// Write implements StreamSink.
func (f StreamSinkFunc) Write(stream types.ExecStream, chunk []byte) {
	f(stream, chunk)
}

// Handle is one prepared sandbox. A handle may run any number of
// commands before teardown; commands within a handle share the policy
// but not process state.
type Handle interface {
	// Provider returns the name of the provider that built this handle.
	Provider() string

	// Exec runs a command to completion and returns its bounded result.
	// A policy violation surfaces as an error wrapping
	// types.ErrPermissionDenied, not as a nonzero exit code.
	Exec(ctx context.Context, spec *types.CommandSpec) (*types.CommandResult, error)

	// ExecStreaming runs a command, forwarding output chunks to sink as
	// they arrive. The returned result holds the same bounded output as
	// Exec would.
	ExecStreaming(ctx context.Context, spec *types.CommandSpec, sink StreamSink) (*types.CommandResult, error)

	// CheckAccess evaluates the policy for a path and access mode
	// without performing any I/O.
	CheckAccess(path string, access types.AccessMode) types.AccessDecision

	// Teardown releases all resources held by the handle. It is
	// idempotent; commands still running are killed.
	Teardown(ctx context.Context) error
}

// DependencyReport describes whether a provider's host dependencies are
// satisfied.
type DependencyReport struct {
	Provider string   `json:"provider"`
	OK       bool     `json:"ok"`
	Missing  []string `json:"missing,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Satisfied returns a passing report for the provider.
func Satisfied(provider string) DependencyReport {
	return DependencyReport{Provider: provider, OK: true}
}

// Unsatisfied returns a failing report listing what is missing.
func Unsatisfied(provider, detail string, missing ...string) DependencyReport {
	return DependencyReport{Provider: provider, OK: false, Missing: missing, Detail: detail}
}
