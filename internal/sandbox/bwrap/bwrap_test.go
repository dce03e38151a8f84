package bwrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

func skipIfNoBwrap(t *testing.T) {
	t.Helper()
	if goruntime.GOOS != "linux" {
		t.Skipf("bwrap sandbox requires Linux, running on %s", goruntime.GOOS)
	}
	if _, err := exec.LookPath("bwrap"); err != nil {
		t.Skip("bwrap not found in PATH")
	}
}

// prepareSandbox builds a handle and verifies the sandbox can actually
// start a process, skipping the test on hosts where bwrap is installed
// but unprivileged user namespaces are unavailable.
func prepareSandbox(t *testing.T, mode types.SandboxMode, policy types.SandboxPolicy, root string) sandbox.Handle {
	t.Helper()
	skipIfNoBwrap(t)

	policy.Limits.Timeout = 30 * time.Second
	p := New(Config{BwrapPath: "bwrap"})
	h, err := p.Prepare(context.Background(), &sandbox.PrepareSpec{
		SessionID:     uuid.New(),
		Mode:          mode,
		WorkspaceRoot: root,
		Policy:        policy,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Cleanup(func() { h.Teardown(context.Background()) })

	res, err := h.Exec(context.Background(), &types.CommandSpec{Program: "true"})
	if err != nil || res.ExitCode != 0 {
		t.Skipf("bwrap cannot start sandboxed processes here (err=%v, result=%+v)", err, res)
	}
	return h
}

func TestBwrap_NetworkDenied(t *testing.T) {
	skipIfNoBwrap(t)
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not found in PATH")
	}
	root := t.TempDir()
	ctx := context.Background()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	dial := &types.CommandSpec{
		Program: "bash",
		Args:    []string{"-c", fmt.Sprintf("exec 3<>/dev/tcp/127.0.0.1/%d", port)},
	}

	open := sandbox.PolicyForMode(types.ModeWorkspaceWrite)
	openHandle := prepareSandbox(t, types.ModeWorkspaceWrite, open, root)
	res, err := openHandle.Exec(ctx, dial)
	if err != nil || res.ExitCode != 0 {
		t.Skipf("cannot reach the host listener even with networking on (err=%v, result=%+v)", err, res)
	}

	denied := sandbox.PolicyForMode(types.ModeWorkspaceWrite)
	denied.Network.DenyDomains = []string{"*"}
	deniedHandle := prepareSandbox(t, types.ModeWorkspaceWrite, denied, root)
	res, err = deniedHandle.Exec(ctx, dial)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("connection from a network-denied sandbox should fail")
	}
}

func TestBwrap_WorkspaceWriteBoundary(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	policy := sandbox.PolicyForMode(types.ModeWorkspaceWrite)
	h := prepareSandbox(t, types.ModeWorkspaceWrite, policy, root)

	res, err := h.Exec(ctx, &types.CommandSpec{
		Program: "sh",
		Args:    []string{"-c", "echo ok > inside.txt"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("workspace write failed: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(root, "inside.txt")); err != nil {
		t.Errorf("workspace write did not reach the host: %v", err)
	}

	res, err = h.Exec(ctx, &types.CommandSpec{
		Program: "sh",
		Args:    []string{"-c", "echo nope > /etc/odyssey-boundary"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("write outside the workspace should fail inside the sandbox")
	}
	if _, err := os.Stat("/etc/odyssey-boundary"); err == nil {
		t.Error("write outside the workspace reached the host")
	}
}

func TestBwrap_ReadOnlyWorkspace(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("data\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	ctx := context.Background()
	policy := sandbox.PolicyForMode(types.ModeReadOnly)
	h := prepareSandbox(t, types.ModeReadOnly, policy, root)

	res, err := h.Exec(ctx, &types.CommandSpec{Program: "cat", Args: []string{"a.txt"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "data\n" {
		t.Errorf("read in read-only workspace = %+v, want stdout %q", res, "data\n")
	}

	res, err = h.Exec(ctx, &types.CommandSpec{
		Program: "sh",
		Args:    []string{"-c", "echo x > a.txt"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("write in a read-only workspace should fail")
	}
}
