// Package local implements the sandbox provider that runs commands
// directly on the host with no isolation. It is only eligible in
// danger-full-access mode; provider selection never falls back to it.
package local

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

// Provider builds unisolated handles.
type Provider struct{}

var _ sandbox.Provider = (*Provider)(nil)

// New creates the local provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider's registry name.
func (p *Provider) Name() string {
	return sandbox.LocalProviderName
}

// Available always passes; running a process needs nothing from the host.
func (p *Provider) Available(context.Context) sandbox.DependencyReport {
	return sandbox.Satisfied(p.Name())
}

// Prepare validates the spec and builds a handle.
func (p *Provider) Prepare(ctx context.Context, spec *sandbox.PrepareSpec) (sandbox.Handle, error) {
	if spec.Mode != types.ModeDangerFullAccess {
		return nil, types.NewSandboxError(p.Name(), "prepare",
			fmt.Errorf("%w: local provider requires danger-full-access mode, got %s", types.ErrInvalidPolicy, spec.Mode))
	}

	checker, err := sandbox.NewAccessChecker(spec.Mode, spec.WorkspaceRoot, nil, &spec.Policy.Filesystem)
	if err != nil {
		return nil, types.NewSandboxError(p.Name(), "prepare", err)
	}

	return &handle{
		checker: checker,
		policy:  spec.Policy,
		cancels: make(map[int]context.CancelFunc),
	}, nil
}

type handle struct {
	checker *sandbox.AccessChecker
	policy  types.SandboxPolicy

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
	closed  bool
}

var _ sandbox.Handle = (*handle)(nil)

func (h *handle) Provider() string {
	return sandbox.LocalProviderName
}

func (h *handle) Exec(ctx context.Context, spec *types.CommandSpec) (*types.CommandResult, error) {
	return h.ExecStreaming(ctx, spec, nil)
}

func (h *handle) ExecStreaming(ctx context.Context, spec *types.CommandSpec, sink sandbox.StreamSink) (*types.CommandResult, error) {
	ctx, release, err := h.track(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cwd := spec.Cwd
	if cwd == "" {
		cwd = h.checker.WorkspaceRoot()
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = cwd
	cmd.Env = sandbox.BuildEnv(&h.policy.Env, spec.Env)

	logging.Debug("executing command without isolation",
		logging.Strings("argv", spec.Argv()),
		logging.String("cwd", cwd),
	)

	result, err := sandbox.RunCommand(ctx, cmd, spec, h.policy.Limits, sink)
	if err != nil {
		return nil, types.NewSandboxError(h.Provider(), "exec", err)
	}
	return result, nil
}

func (h *handle) CheckAccess(path string, access types.AccessMode) types.AccessDecision {
	return h.checker.Check(path, access)
}

func (h *handle) Teardown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, cancel := range h.cancels {
		cancel()
		delete(h.cancels, id)
	}
	return nil
}

// track derives a cancelable context registered with the handle so that
// Teardown kills in-flight commands.
func (h *handle) track(ctx context.Context) (context.Context, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, types.NewSandboxError(h.Provider(), "exec", types.ErrInvalidState)
	}

	ctx, cancel := context.WithCancel(ctx)
	id := h.nextID
	h.nextID++
	h.cancels[id] = cancel

	release := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.cancels[id]; ok {
			c()
			delete(h.cancels, id)
		}
	}
	return ctx, release, nil
}
