package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/internal/sandbox/bwrap"
	"github.com/odysseyml/odyssey/pkg/types"
)

var (
	shellMode      string
	shellWorkspace string
	shellProgram   string
)

var shellCmd = &cobra.Command{
	Use:   "shell [flags]",
	Short: "Open an interactive shell inside the sandbox",
	Long: `Shell provisions a bubblewrap sandbox over the workspace and attaches
a persistent shell to it. Commands entered at the prompt share one shell
process, so working directory and environment changes carry over between
them. Type "exit" or press Ctrl-D to leave.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVarP(&shellMode, "mode", "m", "", "sandbox mode: read-only, workspace-write")
	shellCmd.Flags().StringVarP(&shellWorkspace, "workspace", "w", "", "workspace root (default: configured root)")
	shellCmd.Flags().StringVar(&shellProgram, "shell", "/bin/bash", "shell program to run")
}

// sheller is satisfied by handles that can host persistent shells.
type sheller interface {
	OpenShell(ctx context.Context, shell string) (*bwrap.Session, error)
}

func runShell(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	if shellMode == "" {
		shellMode = cfg.Sandbox.Mode
	}
	mode, ok := types.ParseSandboxMode(shellMode)
	if !ok {
		return fmt.Errorf("unknown sandbox mode %q", shellMode)
	}
	if mode == types.ModeDangerFullAccess {
		return fmt.Errorf("shell requires an isolating mode; use read-only or workspace-write")
	}

	root := shellWorkspace
	if root == "" {
		root = cfg.Workspace.Root
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	provider := bwrap.New(bwrap.Config{BwrapPath: cfg.Sandbox.BwrapPath})
	if report := provider.Available(ctx); !report.OK {
		return fmt.Errorf("%w: %s", types.ErrDependencyMissing, report.Detail)
	}

	policy := sandbox.PolicyForMode(mode)
	policy.Filesystem.AllowWrite = append(policy.Filesystem.AllowWrite, cfg.Sandbox.WritableRoots...)
	policy.Limits.Timeout = cfg.Sandbox.GetMaxTimeout()
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

	sh, ok := handle.(sheller)
	if !ok {
		return fmt.Errorf("provider %s does not support shell sessions", handle.Provider())
	}
	sess, err := sh.OpenShell(ctx, shellProgram)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Printf("sandboxed shell in %s (%s mode)\n", root, mode)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("sbx$ ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}

		result, err := sess.Run(ctx, line, cfg.Sandbox.GetDefaultTimeout())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if result.Stdout != "" {
			fmt.Println(result.Stdout)
		}
		if result.TimedOut {
			fmt.Fprintf(os.Stderr, "command timed out after %s\n", cfg.Sandbox.GetDefaultTimeout())
		} else if result.ExitCode != 0 {
			fmt.Fprintf(os.Stderr, "[exit code %d]\n", result.ExitCode)
		}
	}
}
