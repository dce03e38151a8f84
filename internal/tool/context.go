package tool

import (
	"context"
	"path/filepath"
	"time"

	"github.com/odysseyml/odyssey/internal/permission"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

// TurnServices bundles the shared machinery every tool call of a turn
// uses: the prepared sandbox, the permission checker, the event sink,
// and the output policy. One TurnServices value is shared by all calls
// of a turn.
type TurnServices struct {
	WorkspaceRoot  string
	Cwd            string
	Sandbox        sandbox.Handle
	Permissions    permission.Checker
	Events         types.EventSink
	DefaultTimeout time.Duration
	MaxOutputBytes int64
}

// Context carries the identity of one tool call plus the turn's shared
// services. Tools receive it alongside the cancellation context.
type Context struct {
	SessionID  types.SessionID
	AgentID    string
	TurnID     types.TurnID
	ToolCallID types.ToolCallID
	ToolName   string

	Services *TurnServices
}

// PermissionContext builds the identity part of a permission request.
func (c *Context) PermissionContext() types.PermissionContext {
	turn := c.TurnID
	return types.PermissionContext{
		SessionID: c.SessionID,
		AgentID:   c.AgentID,
		ToolName:  c.ToolName,
		TurnID:    &turn,
	}
}

// CheckPermission runs one request through the permission pipeline. A
// pipeline failure is treated as a denial.
func (c *Context) CheckPermission(ctx context.Context, req types.PermissionRequest) error {
	outcome, err := c.Services.Permissions.Check(ctx, c.PermissionContext(), req)
	if err != nil {
		return &types.PermissionDeniedError{Request: req, Reason: err.Error()}
	}
	if !outcome.Allowed {
		return &types.PermissionDeniedError{Request: req, Reason: outcome.Reason}
	}
	return nil
}

// CheckPath authorizes a filesystem access: first against the sandbox
// policy, then through the permission pipeline. Paths outside the
// workspace escalate as external path requests.
func (c *Context) CheckPath(ctx context.Context, path string, access types.AccessMode) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Services.Cwd, path)
	}
	path = filepath.Clean(path)

	if d := c.Services.Sandbox.CheckAccess(path, access); !d.Allowed {
		req := c.pathRequest(path, access)
		return "", &types.PermissionDeniedError{Request: req, Reason: d.Reason}
	}
	if err := c.CheckPermission(ctx, c.pathRequest(path, access)); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Context) pathRequest(path string, access types.AccessMode) types.PermissionRequest {
	root := c.Services.WorkspaceRoot
	if root != "" && (path == root || len(path) > len(root) && path[:len(root)] == root && path[len(root)] == filepath.Separator) {
		return types.PathRequest(path, access)
	}
	return types.ExternalPathRequest(path, access)
}

// Emit publishes an event stamped with the call's session.
func (c *Context) Emit(event types.EventMsg) {
	event.SessionID = c.SessionID
	c.Services.Events.Emit(event)
}

// Timeout returns the effective timeout for a command, capped by the
// turn default.
func (c *Context) Timeout(requested time.Duration) time.Duration {
	def := c.Services.DefaultTimeout
	if def <= 0 {
		def = 30 * time.Second
	}
	if requested <= 0 || requested > def {
		return def
	}
	return requested
}
