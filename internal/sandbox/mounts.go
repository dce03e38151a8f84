package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/odysseyml/odyssey/pkg/types"
)

// Mount is one bind of a host path into the sandbox.
type Mount struct {
	Source   string
	Target   string
	Writable bool
}

// BuildMounts returns the bind plan for a sandbox: the workspace first,
// writable in every mode but read-only, then the policy's allow paths
// that live outside the workspace. Read and exec allows bind read-only,
// write allows bind writable, and write wins when a path appears in
// both. A missing external path is a policy error, not a silently
// absent mount.
func BuildMounts(mode types.SandboxMode, workspaceRoot string, fs *types.FilesystemPolicy) ([]Mount, error) {
	workspaceRoot = filepath.Clean(workspaceRoot)
	mounts := []Mount{{
		Source:   workspaceRoot,
		Target:   workspaceRoot,
		Writable: mode != types.ModeReadOnly,
	}}

	writable := make(map[string]bool)
	add := func(entries []string, w bool) {
		for _, entry := range entries {
			p := normalizePath(workspaceRoot, entry)
			if underPrefix(p, workspaceRoot) {
				continue
			}
			writable[p] = writable[p] || w
		}
	}
	add(fs.AllowRead, false)
	add(fs.AllowExec, false)
	add(fs.AllowWrite, true)

	paths := make([]string, 0, len(writable))
	for p := range writable {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: mount path %s does not exist", types.ErrInvalidPolicy, p)
		}
		mounts = append(mounts, Mount{Source: p, Target: p, Writable: writable[p]})
	}
	return mounts, nil
}
