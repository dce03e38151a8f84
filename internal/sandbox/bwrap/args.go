package bwrap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

// systemPaths are read-only bound into every sandbox when present on
// the host, so commands find their interpreters and libraries.
var systemPaths = []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/opt"}

// baseArgs builds the bwrap argv prefix shared by every command of a
// handle: namespace flags, system mounts, and the policy mount layout.
// The per-command suffix (chdir, env, argv) is appended by commandArgs.
func baseArgs(mode types.SandboxMode, checker *sandbox.AccessChecker, policy *types.SandboxPolicy) ([]string, error) {
	args := []string{
		"--die-with-parent",
		"--new-session",
		"--unshare-user",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-pid",
	}

	if !policy.NetworkEnabled() {
		args = append(args, "--unshare-net")
	}

	for _, p := range systemPaths {
		if pathExists(p) {
			args = append(args, "--ro-bind", p, p)
		}
	}

	args = append(args, etcArgs(policy.NetworkEnabled())...)

	args = append(args,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	)

	workspace := checker.WorkspaceRoot()
	mounts, err := sandbox.BuildMounts(mode, workspace, &policy.Filesystem)
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		flag := "--ro-bind"
		if m.Writable {
			flag = "--bind"
		}
		args = append(args, flag, m.Source, m.Target)
	}

	// Later mounts shadow earlier ones, so deny masks come last.
	for _, denied := range policy.Filesystem.DenyRead {
		p := denied
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspace, p)
		}
		p = filepath.Clean(p)
		if pathExists(p) {
			args = append(args, "--tmpfs", p)
		}
	}

	return args, nil
}

// etcArgs mounts /etc read-only and, when networking is on, the
// resolv.conf target as well. On systemd hosts /etc/resolv.conf is a
// symlink into /run, which would otherwise dangle inside the sandbox.
func etcArgs(network bool) []string {
	var args []string
	if pathExists("/etc") {
		args = append(args, "--ro-bind", "/etc", "/etc")
	}
	if !network {
		return args
	}
	target, err := filepath.EvalSymlinks("/etc/resolv.conf")
	if err != nil || target == "/etc/resolv.conf" {
		return args
	}
	if strings.HasPrefix(target, "/run/") && pathExists(target) {
		args = append(args, "--ro-bind", target, target)
	}
	return args
}

// commandArgs appends the per-command suffix to the shared prefix. The
// environment is cleared and rebuilt so host variables never leak past
// the policy filter.
func commandArgs(base []string, cwd string, env []string, spec *types.CommandSpec) []string {
	args := make([]string, 0, len(base)+2*len(env)+len(spec.Args)+4)
	args = append(args, base...)
	args = append(args, "--chdir", cwd)
	args = append(args, "--clearenv")
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			args = append(args, "--setenv", k, v)
		}
	}
	args = append(args, spec.Program)
	args = append(args, spec.Args...)
	return args
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
