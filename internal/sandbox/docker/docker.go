// Package docker implements the sandbox provider backed by Docker
// containers. Each handle owns one long-lived container; commands run
// as exec sessions inside it. Isolation is stronger than bwrap at the
// cost of requiring a reachable daemon and a pulled image.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

const providerName = "docker"

// Config holds Docker provider configuration.
type Config struct {
	// Host is the daemon socket address; empty uses DOCKER_HOST or the
	// default socket.
	Host string

	// Image is the container image handles run in.
	Image string
}

// Provider builds container-isolated handles.
type Provider struct {
	config Config

	mu  sync.Mutex
	cli *client.Client
}

var _ sandbox.Provider = (*Provider)(nil)

// New creates the docker provider. The daemon is not contacted until
// Available or Prepare is called.
func New(config Config) *Provider {
	if config.Image == "" {
		config.Image = "ubuntu:24.04"
	}
	return &Provider{config: config}
}

// Name returns the provider's registry name.
func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) dockerClient() (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli != nil {
		return p.cli, nil
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if p.config.Host != "" {
		opts = append(opts, client.WithHost(p.config.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	p.cli = cli
	return cli, nil
}

// Available checks that the daemon answers a ping.
func (p *Provider) Available(ctx context.Context) sandbox.DependencyReport {
	cli, err := p.dockerClient()
	if err != nil {
		return sandbox.Unsatisfied(providerName, fmt.Sprintf("docker client: %v", err), "docker")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return sandbox.Unsatisfied(providerName, fmt.Sprintf("docker daemon unreachable: %v", err), "docker")
	}
	return sandbox.Satisfied(providerName)
}

// Prepare creates and starts the handle's container. The workspace is
// bind-mounted read-only or writable depending on the mode, and the
// container joins no network when the policy denies it.
func (p *Provider) Prepare(ctx context.Context, spec *sandbox.PrepareSpec) (sandbox.Handle, error) {
	if spec.Mode == types.ModeDangerFullAccess {
		return nil, types.NewSandboxError(providerName, "prepare",
			fmt.Errorf("%w: danger-full-access runs on the local provider, not docker", types.ErrInvalidPolicy))
	}

	cli, err := p.dockerClient()
	if err != nil {
		return nil, types.NewSandboxError(providerName, "prepare", err)
	}

	checker, err := sandbox.NewAccessChecker(spec.Mode, spec.WorkspaceRoot, spec.Policy.Filesystem.AllowWrite, &spec.Policy.Filesystem)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "prepare", err)
	}

	containerConfig := &container.Config{
		Image:      p.config.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: checker.WorkspaceRoot(),
		Labels: map[string]string{
			"odyssey.session-id": spec.SessionID.String(),
			"odyssey.mode":       string(spec.Mode),
		},
	}

	plan, err := sandbox.BuildMounts(spec.Mode, checker.WorkspaceRoot(), &spec.Policy.Filesystem)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "prepare", err)
	}
	hostConfig := &container.HostConfig{}
	for _, m := range plan {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: !m.Writable,
		})
	}

	if spec.Policy.NetworkEnabled() {
		hostConfig.NetworkMode = "bridge"
	} else {
		hostConfig.NetworkMode = "none"
	}

	if spec.Policy.Limits.MemoryBytes > 0 {
		hostConfig.Resources.Memory = int64(spec.Policy.Limits.MemoryBytes)
	}
	if spec.Policy.Limits.Pids > 0 {
		pids := int64(spec.Policy.Limits.Pids)
		hostConfig.Resources.PidsLimit = &pids
	}

	name := "odyssey-" + spec.SessionID.String()
	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		if strings.Contains(err.Error(), "No such image") || strings.Contains(err.Error(), "not found") {
			if pullErr := p.pullImage(p.config.Image); pullErr != nil {
				return nil, types.NewSandboxError(providerName, "pull image", pullErr)
			}
			resp, err = cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
		}
		if err != nil {
			return nil, types.NewSandboxError(providerName, "create container", err)
		}
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, types.NewSandboxError(providerName, "start container", err)
	}

	logging.Debug("prepared docker sandbox",
		logging.String("container_id", resp.ID),
		logging.String("image", p.config.Image),
		logging.String("mode", string(spec.Mode)),
	)

	return &handle{
		cli:         cli,
		containerID: resp.ID,
		checker:     checker,
		policy:      spec.Policy,
	}, nil
}

// pullImage pulls the image with its own deadline so a short caller
// context does not abort a long first pull.
func (p *Provider) pullImage(image string) error {
	cli, err := p.dockerClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reader, err := cli.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

type handle struct {
	cli         *client.Client
	containerID string
	checker     *sandbox.AccessChecker
	policy      types.SandboxPolicy

	mu     sync.Mutex
	closed bool
}

var _ sandbox.Handle = (*handle)(nil)

func (h *handle) Provider() string {
	return providerName
}

func (h *handle) Exec(ctx context.Context, spec *types.CommandSpec) (*types.CommandResult, error) {
	return h.ExecStreaming(ctx, spec, nil)
}

func (h *handle) ExecStreaming(ctx context.Context, spec *types.CommandSpec, sink sandbox.StreamSink) (*types.CommandResult, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, types.NewSandboxError(providerName, "exec", types.ErrInvalidState)
	}
	h.mu.Unlock()

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

	timeout := h.policy.Limits.Timeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execConfig := container.ExecOptions{
		Cmd:          spec.Argv(),
		WorkingDir:   cwd,
		Env:          sandbox.BuildEnv(&h.policy.Env, spec.Env),
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(spec.Stdin) > 0,
	}

	start := time.Now()
	execResp, err := h.cli.ContainerExecCreate(ctx, h.containerID, execConfig)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "exec create", err)
	}

	attachResp, err := h.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, types.NewSandboxError(providerName, "exec attach", err)
	}
	defer attachResp.Close()

	if len(spec.Stdin) > 0 {
		go func() {
			defer attachResp.CloseWrite()
			io.Copy(attachResp.Conn, bytes.NewReader(spec.Stdin))
		}()
	}

	collector := sandbox.NewOutputCollector(h.policy.Limits.MaxOutputBytes, sink)
	// Docker multiplexes both streams over one connection with 8-byte
	// frame headers; stdcopy demultiplexes them.
	_, copyErr := stdcopy.StdCopy(collector.StdoutWriter(), collector.StderrWriter(), attachResp.Reader)

	result := &types.CommandResult{
		Stdout:    collector.Stdout(),
		Stderr:    collector.Stderr(),
		Truncated: collector.Truncated(),
		Duration:  time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if copyErr != nil && copyErr != io.EOF {
		return nil, types.NewSandboxError(providerName, "exec stream", copyErr)
	}

	inspectResp, err := h.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, types.NewSandboxError(providerName, "exec inspect", err)
	}
	result.ExitCode = inspectResp.ExitCode
	return result, nil
}

func (h *handle) CheckAccess(path string, access types.AccessMode) types.AccessDecision {
	return h.checker.Check(path, access)
}

func (h *handle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	if err != nil {
		logging.Warn("failed to remove container",
			logging.String("container_id", h.containerID),
			logging.Err(err),
		)
		return types.NewSandboxError(providerName, "teardown", err)
	}
	return nil
}
