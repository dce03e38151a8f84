// Package mock provides an in-memory sandbox provider for testing.
// Behavior is customized through function hooks; unset hooks fall back
// to permissive defaults that record calls.
package mock

import (
	"context"
	"sync"

	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

// Provider is a mock implementation of sandbox.Provider.
type Provider struct {
	// Hooks for customizing behavior in tests.
	OnAvailable func(ctx context.Context) sandbox.DependencyReport
	OnPrepare   func(ctx context.Context, spec *sandbox.PrepareSpec) (sandbox.Handle, error)

	mu       sync.Mutex
	prepared []*sandbox.PrepareSpec
}

var _ sandbox.Provider = (*Provider)(nil)

// New creates a mock provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider's registry name.
func (p *Provider) Name() string {
	return "mock"
}

// Available reports satisfied unless OnAvailable overrides it.
func (p *Provider) Available(ctx context.Context) sandbox.DependencyReport {
	if p.OnAvailable != nil {
		return p.OnAvailable(ctx)
	}
	return sandbox.Satisfied(p.Name())
}

// Prepare records the spec and returns a Handle (or the OnPrepare
// override's result).
func (p *Provider) Prepare(ctx context.Context, spec *sandbox.PrepareSpec) (sandbox.Handle, error) {
	p.mu.Lock()
	p.prepared = append(p.prepared, spec)
	p.mu.Unlock()

	if p.OnPrepare != nil {
		return p.OnPrepare(ctx, spec)
	}

	checker, err := sandbox.NewAccessChecker(spec.Mode, spec.WorkspaceRoot, nil, &spec.Policy.Filesystem)
	if err != nil {
		return nil, err
	}
	return &Handle{checker: checker, policy: spec.Policy}, nil
}

// Prepared returns the specs passed to Prepare so far.
func (p *Provider) Prepared() []*sandbox.PrepareSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sandbox.PrepareSpec, len(p.prepared))
	copy(out, p.prepared)
	return out
}

// Handle is a mock implementation of sandbox.Handle. It never runs real
// processes; Exec answers from hooks or a canned success result.
type Handle struct {
	// Hooks for customizing behavior in tests.
	OnExec        func(ctx context.Context, spec *types.CommandSpec) (*types.CommandResult, error)
	OnCheckAccess func(path string, access types.AccessMode) types.AccessDecision
	OnTeardown    func(ctx context.Context) error

	checker *sandbox.AccessChecker
	policy  types.SandboxPolicy

	mu       sync.Mutex
	executed []*types.CommandSpec
	tornDown bool
}

var _ sandbox.Handle = (*Handle)(nil)

// NewHandle creates a standalone mock handle for tests that do not go
// through Prepare.
func NewHandle() *Handle {
	return &Handle{}
}

// Provider returns the mock provider name.
func (h *Handle) Provider() string {
	return "mock"
}

// Exec records the spec and returns the hook result or an empty
// success.
func (h *Handle) Exec(ctx context.Context, spec *types.CommandSpec) (*types.CommandResult, error) {
	h.mu.Lock()
	h.executed = append(h.executed, spec)
	h.mu.Unlock()

	if h.OnExec != nil {
		return h.OnExec(ctx, spec)
	}
	return &types.CommandResult{ExitCode: 0}, nil
}

// ExecStreaming behaves like Exec and forwards the result's output to
// the sink as single chunks.
func (h *Handle) ExecStreaming(ctx context.Context, spec *types.CommandSpec, sink sandbox.StreamSink) (*types.CommandResult, error) {
	result, err := h.Exec(ctx, spec)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		if result.Stdout != "" {
			sink.Write(types.StreamStdout, []byte(result.Stdout))
		}
		if result.Stderr != "" {
			sink.Write(types.StreamStderr, []byte(result.Stderr))
		}
	}
	return result, nil
}

// CheckAccess answers from the hook, the real checker when prepared
// with one, or a blanket allow.
func (h *Handle) CheckAccess(path string, access types.AccessMode) types.AccessDecision {
	if h.OnCheckAccess != nil {
		return h.OnCheckAccess(path, access)
	}
	if h.checker != nil {
		return h.checker.Check(path, access)
	}
	return types.Allow()
}

// Teardown marks the handle torn down.
func (h *Handle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	h.tornDown = true
	h.mu.Unlock()

	if h.OnTeardown != nil {
		return h.OnTeardown(ctx)
	}
	return nil
}

// Executed returns the specs passed to Exec so far.
func (h *Handle) Executed() []*types.CommandSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*types.CommandSpec, len(h.executed))
	copy(out, h.executed)
	return out
}

// TornDown reports whether Teardown has been called.
func (h *Handle) TornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tornDown
}
