package sandbox

import (
	"strings"
	"testing"

	"github.com/odysseyml/odyssey/pkg/types"
)

func newChecker(t *testing.T, mode types.SandboxMode, fs types.FilesystemPolicy) *AccessChecker {
	t.Helper()
	c, err := NewAccessChecker(mode, "/ws/project", nil, &fs)
	if err != nil {
		t.Fatalf("NewAccessChecker: %v", err)
	}
	return c
}

func TestAccessChecker_ModeDefaults(t *testing.T) {
	tests := []struct {
		name    string
		mode    types.SandboxMode
		path    string
		access  types.AccessMode
		allowed bool
	}{
		{"read-only allows read in workspace", types.ModeReadOnly, "/ws/project/a.txt", types.AccessRead, true},
		{"read-only denies read outside", types.ModeReadOnly, "/etc/passwd", types.AccessRead, false},
		{"read-only denies write in workspace", types.ModeReadOnly, "/ws/project/a.txt", types.AccessWrite, false},
		{"read-only denies write outside", types.ModeReadOnly, "/tmp/x", types.AccessWrite, false},
		{"read-only denies exec", types.ModeReadOnly, "/ws/project/run.sh", types.AccessExecute, false},
		{"workspace-write allows read in workspace", types.ModeWorkspaceWrite, "/ws/project/a.txt", types.AccessRead, true},
		{"workspace-write denies read outside", types.ModeWorkspaceWrite, "/etc/passwd", types.AccessRead, false},
		{"workspace-write allows write in workspace", types.ModeWorkspaceWrite, "/ws/project/a.txt", types.AccessWrite, true},
		{"workspace-write allows write in tmp", types.ModeWorkspaceWrite, "/tmp/scratch", types.AccessWrite, true},
		{"workspace-write denies write outside", types.ModeWorkspaceWrite, "/etc/passwd", types.AccessWrite, false},
		{"workspace-write allows exec in workspace", types.ModeWorkspaceWrite, "/ws/project/run.sh", types.AccessExecute, true},
		{"workspace-write denies exec outside", types.ModeWorkspaceWrite, "/usr/bin/curl", types.AccessExecute, false},
		{"full access allows everything", types.ModeDangerFullAccess, "/etc/passwd", types.AccessWrite, true},
		{"full access allows read anywhere", types.ModeDangerFullAccess, "/etc/passwd", types.AccessRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChecker(t, tt.mode, types.FilesystemPolicy{})
			d := c.Check(tt.path, tt.access)
			if d.Allowed != tt.allowed {
				t.Errorf("Check(%q, %s) = %+v, want allowed=%v", tt.path, tt.access, d, tt.allowed)
			}
			if !d.Allowed && d.Reason == "" {
				t.Error("denial has no reason")
			}
		})
	}
}

func TestAccessChecker_DenyBeatsAllow(t *testing.T) {
	c := newChecker(t, types.ModeWorkspaceWrite, types.FilesystemPolicy{
		AllowRead: []string{"/ws/project"},
		DenyRead:  []string{"/ws/project/secrets"},
	})

	if d := c.Check("/ws/project/secrets/key.pem", types.AccessRead); d.Allowed {
		t.Errorf("deny rule should win over allow rule, got %+v", d)
	}
	if d := c.Check("/ws/project/readme.md", types.AccessRead); !d.Allowed {
		t.Errorf("allowed path rejected: %+v", d)
	}
}

func TestAccessChecker_AllowListRestricts(t *testing.T) {
	c := newChecker(t, types.ModeWorkspaceWrite, types.FilesystemPolicy{
		AllowWrite: []string{"/ws/project/out"},
	})

	// With a non-empty allow list, even workspace paths outside it are
	// rejected.
	if d := c.Check("/ws/project/src/main.go", types.AccessWrite); d.Allowed {
		t.Errorf("write outside allow list should be denied, got %+v", d)
	}
	if d := c.Check("/ws/project/out/build.log", types.AccessWrite); !d.Allowed {
		t.Errorf("write inside allow list rejected: %+v", d)
	}
}

func TestAccessChecker_RelativePathsResolveAgainstWorkspace(t *testing.T) {
	c := newChecker(t, types.ModeWorkspaceWrite, types.FilesystemPolicy{})

	if d := c.Check("src/main.go", types.AccessWrite); !d.Allowed {
		t.Errorf("relative workspace path rejected: %+v", d)
	}
	if d := c.Check("../other/main.go", types.AccessWrite); d.Allowed {
		t.Errorf("relative escape should be denied, got %+v", d)
	}
}

func TestAccessChecker_PrefixDoesNotMatchSiblings(t *testing.T) {
	c := newChecker(t, types.ModeWorkspaceWrite, types.FilesystemPolicy{
		DenyRead: []string{"/ws/project/secret"},
	})

	if d := c.Check("/ws/project/secretive.txt", types.AccessRead); !d.Allowed {
		t.Errorf("sibling with shared name prefix should not match rule: %+v", d)
	}
	if d := c.Check("/ws/project/secret/x", types.AccessRead); d.Allowed {
		t.Errorf("child of denied dir should be denied: %+v", d)
	}
}

func TestAccessChecker_WritableRoots(t *testing.T) {
	fs := types.FilesystemPolicy{}
	c, err := NewAccessChecker(types.ModeWorkspaceWrite, "/ws/project", []string{"/data/cache"}, &fs)
	if err != nil {
		t.Fatalf("NewAccessChecker: %v", err)
	}

	if d := c.Check("/data/cache/obj", types.AccessWrite); !d.Allowed {
		t.Errorf("writable root rejected: %+v", d)
	}
	if d := c.Check("/data/other", types.AccessWrite); d.Allowed {
		t.Errorf("path outside writable roots should be denied: %+v", d)
	}
}

func TestNewAccessChecker_RejectsGlobs(t *testing.T) {
	fs := types.FilesystemPolicy{AllowRead: []string{"/ws/**/*.md"}}
	_, err := NewAccessChecker(types.ModeReadOnly, "/ws/project", nil, &fs)
	if err == nil {
		t.Fatal("expected error for glob pattern")
	}
	if !strings.Contains(err.Error(), "glob") {
		t.Errorf("error should mention glob: %v", err)
	}
}

func TestNewAccessChecker_RejectsRelativeRoot(t *testing.T) {
	fs := types.FilesystemPolicy{}
	if _, err := NewAccessChecker(types.ModeReadOnly, "project", nil, &fs); err == nil {
		t.Fatal("expected error for relative workspace root")
	}
}

func TestPolicyForMode_ReadOnlyDisablesNetwork(t *testing.T) {
	p := PolicyForMode(types.ModeReadOnly)
	if p.NetworkEnabled() {
		t.Error("read-only preset should disable network")
	}

	p = PolicyForMode(types.ModeWorkspaceWrite)
	if !p.NetworkEnabled() {
		t.Error("workspace-write preset should leave network enabled")
	}
}
