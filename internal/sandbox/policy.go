package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/odysseyml/odyssey/pkg/types"
)

// scope is the default breadth of access a mode grants when no explicit
// rule matches.
type scope int

const (
	scopeNone scope = iota
	scopeWorkspace
	scopeAll
)

// defaultScope returns the fallback scope for a mode and access kind.
func defaultScope(mode types.SandboxMode, access types.AccessMode) scope {
	switch mode {
	case types.ModeDangerFullAccess:
		return scopeAll
	case types.ModeReadOnly:
		if access == types.AccessRead {
			return scopeWorkspace
		}
		return scopeNone
	case types.ModeWorkspaceWrite:
		switch access {
		case types.AccessRead, types.AccessWrite, types.AccessExecute:
			return scopeWorkspace
		default:
			return scopeNone
		}
	default:
		return scopeNone
	}
}

// PolicyForMode returns the baseline policy preset for a mode. Callers
// layer explicit filesystem rules and limits on top of the preset.
func PolicyForMode(mode types.SandboxMode) types.SandboxPolicy {
	var p types.SandboxPolicy
	switch mode {
	case types.ModeReadOnly:
		p.Network.DenyDomains = []string{"*"}
	case types.ModeWorkspaceWrite:
		// Network follows the configured policy; filesystem defaults
		// come from the mode scope.
	case types.ModeDangerFullAccess:
	}
	return p
}

// containsGlobMeta reports whether a policy path entry uses glob
// metacharacters, which are not supported.
func containsGlobMeta(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// normalizePath resolves an entry against root and cleans it.
func normalizePath(root, path string) string {
	if path == "" {
		return root
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path)
}

// underPrefix reports whether path equals prefix or lies below it.
func underPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if prefix == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// AccessChecker evaluates filesystem policy questions for one prepared
// sandbox. Deny rules take precedence over allow rules; a non-empty
// allow list for an access kind restricts that kind to its entries; the
// mode-level scope answers everything else.
type AccessChecker struct {
	mode          types.SandboxMode
	workspaceRoot string
	writableRoots []string
	allow         map[types.AccessMode][]string
	deny          map[types.AccessMode][]string
}

// NewAccessChecker validates the policy's path rules and builds a
// checker. Glob patterns in rules are rejected.
func NewAccessChecker(mode types.SandboxMode, workspaceRoot string, writableRoots []string, fs *types.FilesystemPolicy) (*AccessChecker, error) {
	workspaceRoot = filepath.Clean(workspaceRoot)
	if !filepath.IsAbs(workspaceRoot) {
		return nil, fmt.Errorf("%w: workspace root %q is not absolute", types.ErrInvalidPolicy, workspaceRoot)
	}

	c := &AccessChecker{
		mode:          mode,
		workspaceRoot: workspaceRoot,
		allow:         make(map[types.AccessMode][]string),
		deny:          make(map[types.AccessMode][]string),
	}

	for _, root := range writableRoots {
		c.writableRoots = append(c.writableRoots, normalizePath(workspaceRoot, root))
	}

	groups := []struct {
		access  types.AccessMode
		allowed []string
		denied  []string
	}{
		{types.AccessRead, fs.AllowRead, fs.DenyRead},
		{types.AccessWrite, fs.AllowWrite, fs.DenyWrite},
		{types.AccessExecute, fs.AllowExec, fs.DenyExec},
	}
	for _, g := range groups {
		for _, entry := range g.allowed {
			if containsGlobMeta(entry) {
				return nil, fmt.Errorf("%w: glob pattern %q not supported in sandbox paths", types.ErrInvalidPolicy, entry)
			}
			c.allow[g.access] = append(c.allow[g.access], normalizePath(workspaceRoot, entry))
		}
		for _, entry := range g.denied {
			if containsGlobMeta(entry) {
				return nil, fmt.Errorf("%w: glob pattern %q not supported in sandbox paths", types.ErrInvalidPolicy, entry)
			}
			c.deny[g.access] = append(c.deny[g.access], normalizePath(workspaceRoot, entry))
		}
	}

	return c, nil
}

// WorkspaceRoot returns the checker's workspace root.
func (c *AccessChecker) WorkspaceRoot() string {
	return c.workspaceRoot
}

// Check evaluates one path against the policy.
func (c *AccessChecker) Check(path string, access types.AccessMode) types.AccessDecision {
	path = normalizePath(c.workspaceRoot, path)

	for _, prefix := range c.deny[access] {
		if underPrefix(path, prefix) {
			return types.Deny(fmt.Sprintf("%s access to %s denied by policy rule %s", access, path, prefix))
		}
	}

	if allowed := c.allow[access]; len(allowed) > 0 {
		for _, prefix := range allowed {
			if underPrefix(path, prefix) {
				return types.Allow()
			}
		}
		return types.Deny(fmt.Sprintf("%s access to %s is outside the allowed paths", access, path))
	}

	switch defaultScope(c.mode, access) {
	case scopeAll:
		return types.Allow()
	case scopeWorkspace:
		if c.inWorkspaceScope(path) {
			return types.Allow()
		}
		return types.Deny(fmt.Sprintf("%s access to %s is outside the workspace", access, path))
	default:
		return types.Deny(fmt.Sprintf("%s access is not permitted in %s mode", access, c.mode))
	}
}

func (c *AccessChecker) inWorkspaceScope(path string) bool {
	if underPrefix(path, c.workspaceRoot) {
		return true
	}
	for _, root := range c.writableRoots {
		if underPrefix(path, root) {
			return true
		}
	}
	// Scratch space is always writable under workspace scope.
	return underPrefix(path, "/tmp")
}
