// Package bwrap implements the sandbox provider backed by bubblewrap.
// Each command runs inside fresh user, pid, ipc, and uts namespaces with
// a mount layout derived from the policy; network access is removed via
// --unshare-net when the policy denies it.
package bwrap

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

const providerName = "bwrap"

// Config holds bubblewrap provider configuration.
type Config struct {
	// BwrapPath is the bwrap binary path or name (default "bwrap").
	BwrapPath string
}

// Provider builds namespace-isolated handles.
type Provider struct {
	config Config
}

var _ sandbox.Provider = (*Provider)(nil)

// New creates the bwrap provider.
func New(config Config) *Provider {
	if config.BwrapPath == "" {
		config.BwrapPath = "bwrap"
	}
	return &Provider{config: config}
}

// Name returns the provider's registry name.
func (p *Provider) Name() string {
	return providerName
}

// Available checks that the host is Linux and the bwrap binary resolves.
func (p *Provider) Available(context.Context) sandbox.DependencyReport {
	if runtime.GOOS != "linux" {
		return sandbox.Unsatisfied(providerName, "bubblewrap requires Linux", "linux")
	}
	if _, err := exec.LookPath(p.config.BwrapPath); err != nil {
		return sandbox.Unsatisfied(providerName,
			fmt.Sprintf("bwrap binary %q not found in PATH", p.config.BwrapPath), "bwrap")
	}
	return sandbox.Satisfied(providerName)
}

// Prepare validates the spec and builds a handle. The mount layout and
// namespace flags are fixed at prepare time; each Exec spawns a fresh
// bwrap process reusing them.
func (p *Provider) Prepare(ctx context.Context, spec *sandbox.PrepareSpec) (sandbox.Handle, error) {
	if report := p.Available(ctx); !report.OK {
		return nil, types.NewSandboxError(providerName, "prepare",
			fmt.Errorf("%w: %s", types.ErrDependencyMissing, report.Detail))
	}
	if spec.Mode == types.ModeDangerFullAccess {
		return nil, types.NewSandboxError(providerName, "prepare",
			fmt.Errorf("%w: danger-full-access runs on the local provider, not bwrap", types.ErrInvalidPolicy))
	}

	checker, err := sandbox.NewAccessChecker(spec.Mode, spec.WorkspaceRoot, writableRoots(&spec.Policy), &spec.Policy.Filesystem)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "prepare", err)
	}

	base, err := baseArgs(spec.Mode, checker, &spec.Policy)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "prepare", err)
	}

	logging.Debug("prepared bwrap sandbox",
		logging.String("mode", string(spec.Mode)),
		logging.String("workspace", checker.WorkspaceRoot()),
		logging.Bool("network", spec.Policy.NetworkEnabled()),
	)

	return &handle{
		bwrapPath: p.config.BwrapPath,
		baseArgs:  base,
		checker:   checker,
		policy:    spec.Policy,
		cancels:   make(map[int]context.CancelFunc),
	}, nil
}

func writableRoots(policy *types.SandboxPolicy) []string {
	// Explicit write allows double as extra writable mounts.
	return policy.Filesystem.AllowWrite
}

type handle struct {
	bwrapPath string
	baseArgs  []string
	checker   *sandbox.AccessChecker
	policy    types.SandboxPolicy

	mu       sync.Mutex
	cancels  map[int]context.CancelFunc
	sessions map[*Session]struct{}
	nextID   int
	closed   bool
}

var _ sandbox.Handle = (*handle)(nil)

func (h *handle) Provider() string {
	return providerName
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
	if d := h.checker.Check(cwd, types.AccessRead); !d.Allowed {
		return nil, &types.PermissionDeniedError{
			Request: types.PathRequest(cwd, types.AccessRead),
			Reason:  d.Reason,
		}
	}

	env := sandbox.BuildEnv(&h.policy.Env, spec.Env)
	argv := commandArgs(h.baseArgs, cwd, env, spec)

	cmd := exec.Command(h.bwrapPath, argv...)

	logging.Debug("executing command in bwrap sandbox",
		logging.Strings("argv", spec.Argv()),
		logging.String("cwd", cwd),
	)

	result, err := sandbox.RunCommand(ctx, cmd, spec, h.policy.Limits, sink)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "exec", err)
	}
	return result, nil
}

func (h *handle) CheckAccess(path string, access types.AccessMode) types.AccessDecision {
	return h.checker.Check(path, access)
}

func (h *handle) Teardown(context.Context) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = nil
	h.closed = true
	for id, cancel := range h.cancels {
		cancel()
		delete(h.cancels, id)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (h *handle) track(ctx context.Context) (context.Context, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, types.NewSandboxError(providerName, "exec", types.ErrInvalidState)
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
