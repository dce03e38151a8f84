package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/metrics"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

var (
	execMode      string
	execProvider  string
	execWorkspace string
	execTimeout   time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a single command inside the sandbox",
	Long: `Exec selects a sandbox provider for the requested isolation mode,
provisions a handle over the workspace, runs the command, and streams its
output. Selection fails closed: without a usable isolating backend the
command does not run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execMode, "mode", "m", "", "sandbox mode: read-only, workspace-write, danger-full-access")
	execCmd.Flags().StringVarP(&execProvider, "provider", "p", "", "provider: auto, bwrap, docker, local")
	execCmd.Flags().StringVarP(&execWorkspace, "workspace", "w", "", "workspace root (default: configured root)")
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "execution timeout (default: configured timeout)")
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	if execMode == "" {
		execMode = cfg.Sandbox.Mode
	}
	mode, ok := types.ParseSandboxMode(execMode)
	if !ok {
		return fmt.Errorf("unknown sandbox mode %q", execMode)
	}
	if execProvider == "" {
		execProvider = cfg.Sandbox.Provider
	}

	root := execWorkspace
	if root == "" {
		root = cfg.Workspace.Root
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		go func() {
			if err := m.Serve(cfg.Metrics.Addr); err != nil {
				logging.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	ctx := cmd.Context()
	provider, err := sandbox.Select(ctx, mode, execProvider, buildProviders(cfg))
	if err != nil {
		return err
	}

	policy := sandbox.PolicyForMode(mode)
	policy.Filesystem.AllowWrite = append(policy.Filesystem.AllowWrite, cfg.Sandbox.WritableRoots...)
	timeout := execTimeout
	if timeout <= 0 {
		timeout = cfg.Sandbox.GetDefaultTimeout()
	}
	if max := cfg.Sandbox.GetMaxTimeout(); timeout > max {
		timeout = max
	}
	policy.Limits.Timeout = timeout
	policy.Limits.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes

	handle, err := provider.Prepare(ctx, &sandbox.PrepareSpec{
		SessionID:     uuid.New(),
		Mode:          mode,
		WorkspaceRoot: root,
		Policy:        policy,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Teardown(ctx); err != nil {
			logging.Error("teardown failed", logging.Err(err))
		}
	}()

	sink := sandbox.StreamSinkFunc(func(stream types.ExecStream, chunk []byte) {
		switch stream {
		case types.StreamStderr:
			os.Stderr.Write(chunk)
		default:
			os.Stdout.Write(chunk)
		}
	})

	result, err := handle.ExecStreaming(ctx, &types.CommandSpec{
		Program: args[0],
		Args:    args[1:],
		Cwd:     root,
	}, sink)
	if err != nil {
		return err
	}

	if result.TimedOut {
		fmt.Fprintf(os.Stderr, "command timed out after %s\n", timeout)
	}
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// exitError carries the sandboxed command's exit code out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}
