// Package types defines the core domain types shared across the runtime:
// identifiers, sandbox policies, command specifications, and permission
// requests and outcomes.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionID uniquely identifies one conversation.
type SessionID = uuid.UUID

// TurnID scopes a single model turn within a session.
type TurnID = uuid.UUID

// ToolCallID scopes a single tool invocation within a turn.
type ToolCallID = uuid.UUID

// SandboxMode selects the isolation preset for tool execution.
type SandboxMode string

const (
	// ModeReadOnly allows reading the workspace and nothing else.
	ModeReadOnly SandboxMode = "read-only"
	// ModeWorkspaceWrite allows writes within the workspace root.
	ModeWorkspaceWrite SandboxMode = "workspace-write"
	// ModeDangerFullAccess runs without isolation guarantees.
	ModeDangerFullAccess SandboxMode = "danger-full-access"
)

// ParseSandboxMode converts a config string into a SandboxMode.
func ParseSandboxMode(s string) (SandboxMode, bool) {
	switch SandboxMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReadOnly:
		return ModeReadOnly, true
	case ModeWorkspaceWrite:
		return ModeWorkspaceWrite, true
	case ModeDangerFullAccess:
		return ModeDangerFullAccess, true
	default:
		return "", false
	}
}

// AccessMode classifies an attempted operation for policy checks.
type AccessMode string

const (
	AccessRead    AccessMode = "read"
	AccessWrite   AccessMode = "write"
	AccessExecute AccessMode = "execute"
	AccessNetwork AccessMode = "network"
)

// AccessDecision is the verdict for a single access check. A denial always
// carries a reason; an allow never does.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an allowing decision.
func Allow() AccessDecision {
	return AccessDecision{Allowed: true}
}

// Deny returns a denying decision with the given reason.
func Deny(reason string) AccessDecision {
	if reason == "" {
		reason = "access denied"
	}
	return AccessDecision{Allowed: false, Reason: reason}
}

// FilesystemPolicy holds allow/deny path prefixes per access mode.
// Relative entries are resolved against the workspace root.
type FilesystemPolicy struct {
	AllowRead  []string `json:"allow_read,omitempty" yaml:"allow_read"`
	DenyRead   []string `json:"deny_read,omitempty" yaml:"deny_read"`
	AllowWrite []string `json:"allow_write,omitempty" yaml:"allow_write"`
	DenyWrite  []string `json:"deny_write,omitempty" yaml:"deny_write"`
	AllowExec  []string `json:"allow_exec,omitempty" yaml:"allow_exec"`
	DenyExec   []string `json:"deny_exec,omitempty" yaml:"deny_exec"`
}

// EnvPolicy controls which environment variables reach sandboxed commands.
// An empty allow-list inherits everything not denied.
type EnvPolicy struct {
	Allow []string          `json:"allow,omitempty" yaml:"allow"`
	Deny  []string          `json:"deny,omitempty" yaml:"deny"`
	Set   map[string]string `json:"set,omitempty" yaml:"set"`
}

// NetworkPolicy controls network access for sandboxed commands. Any deny
// entry disables networking entirely; per-domain filtering is not enforced.
type NetworkPolicy struct {
	AllowDomains []string `json:"allow_domains,omitempty" yaml:"allow_domains"`
	DenyDomains  []string `json:"deny_domains,omitempty" yaml:"deny_domains"`
}

// Limits bounds resource usage of a single sandboxed execution.
type Limits struct {
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	MaxOutputBytes int64         `json:"max_output_bytes,omitempty" yaml:"max_output_bytes"`
	CPUSeconds     uint64        `json:"cpu_seconds,omitempty" yaml:"cpu_seconds"`
	MemoryBytes    uint64        `json:"memory_bytes,omitempty" yaml:"memory_bytes"`
	NoFile         uint64        `json:"nofile,omitempty" yaml:"nofile"`
	Pids           uint64        `json:"pids,omitempty" yaml:"pids"`
}

// SandboxPolicy aggregates the declarative rules constraining one sandbox.
// It is treated as immutable once a handle has been prepared from it.
type SandboxPolicy struct {
	Filesystem FilesystemPolicy `json:"filesystem" yaml:"filesystem"`
	Env        EnvPolicy        `json:"env" yaml:"env"`
	Network    NetworkPolicy    `json:"network" yaml:"network"`
	Limits     Limits           `json:"limits" yaml:"limits"`
}

// NetworkEnabled reports whether the policy permits network access.
func (p *SandboxPolicy) NetworkEnabled() bool {
	return len(p.Network.DenyDomains) == 0
}

// CommandSpec fully describes one command execution. The runtime performs
// no shell interpolation; callers pass an explicit argv.
type CommandSpec struct {
	Program string            `json:"program"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   []byte            `json:"stdin,omitempty"`
}

// Argv returns the program and arguments as a single slice.
func (s *CommandSpec) Argv() []string {
	argv := make([]string, 0, 1+len(s.Args))
	argv = append(argv, s.Program)
	argv = append(argv, s.Args...)
	return argv
}

// CommandResult reports the outcome of a sandboxed execution. Output is
// bounded by the policy limits; Truncated and TimedOut record why a result
// may be incomplete.
type CommandResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// PermissionContext carries the identity of the actor behind a permission
// request.
type PermissionContext struct {
	SessionID SessionID `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	ToolName  string    `json:"tool_name,omitempty"`
	TurnID    *TurnID   `json:"turn_id,omitempty"`
}

// RequestKind discriminates permission request variants.
type RequestKind string

const (
	RequestTool         RequestKind = "tool"
	RequestPath         RequestKind = "path"
	RequestExternalPath RequestKind = "external_path"
	RequestCommand      RequestKind = "command"
)

// PermissionRequest describes a specific action needing authorization.
// Exactly one variant is populated, selected by Kind.
type PermissionRequest struct {
	Kind RequestKind `json:"kind"`

	// Tool name for RequestTool.
	Tool string `json:"tool,omitempty"`
	// Path and access mode for RequestPath and RequestExternalPath.
	Path   string     `json:"path,omitempty"`
	Access AccessMode `json:"access,omitempty"`
	// Command argv for RequestCommand.
	Argv []string `json:"argv,omitempty"`
}

// ToolRequest builds a tool-invocation permission request.
func ToolRequest(name string) PermissionRequest {
	return PermissionRequest{Kind: RequestTool, Tool: name}
}

// PathRequest builds a workspace path access request.
func PathRequest(path string, access AccessMode) PermissionRequest {
	return PermissionRequest{Kind: RequestPath, Path: path, Access: access}
}

// ExternalPathRequest builds a request for a path outside the workspace.
func ExternalPathRequest(path string, access AccessMode) PermissionRequest {
	return PermissionRequest{Kind: RequestExternalPath, Path: path, Access: access}
}

// CommandRequest builds a command execution request.
func CommandRequest(argv []string) PermissionRequest {
	return PermissionRequest{Kind: RequestCommand, Argv: argv}
}

// Key returns a stable identity for the request. Identical repeated
// requests within a session share the same key, which drives both the
// decision cache and the persistent approval store.
func (r PermissionRequest) Key() string {
	switch r.Kind {
	case RequestTool:
		return "tool:" + r.Tool
	case RequestPath:
		return "path:" + string(r.Access) + ":" + r.Path
	case RequestExternalPath:
		return "external:" + string(r.Access) + ":" + r.Path
	case RequestCommand:
		return "command:" + strings.Join(r.Argv, " ")
	default:
		return "unknown"
	}
}

// Describe renders the request for logs and approval prompts.
func (r PermissionRequest) Describe() string {
	switch r.Kind {
	case RequestTool:
		return "use tool " + r.Tool
	case RequestPath:
		return string(r.Access) + " " + r.Path
	case RequestExternalPath:
		return string(r.Access) + " external path " + r.Path
	case RequestCommand:
		return "run " + strings.Join(r.Argv, " ")
	default:
		return "unknown request"
	}
}

// PermissionOutcome is the engine's verdict. A denied outcome always
// carries a reason.
type PermissionOutcome struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// OutcomeAllowed returns an allowing outcome.
func OutcomeAllowed() PermissionOutcome {
	return PermissionOutcome{Allowed: true}
}

// OutcomeDenied returns a denying outcome with a reason.
func OutcomeDenied(reason string) PermissionOutcome {
	if reason == "" {
		reason = "permission denied"
	}
	return PermissionOutcome{Allowed: false, Reason: reason}
}

// PermissionAction is the action a static rule resolves to.
type PermissionAction string

const (
	ActionAllow PermissionAction = "allow"
	ActionDeny  PermissionAction = "deny"
	ActionAsk   PermissionAction = "ask"
)

// PermissionMode is the fallback behavior when no hook or rule decides.
type PermissionMode string

const (
	// PermissionDefault escalates undecided requests to approval.
	PermissionDefault PermissionMode = "default"
	// PermissionAcceptEdits auto-approves read and edit style requests.
	PermissionAcceptEdits PermissionMode = "accept-edits"
	// PermissionPlan denies all tool execution.
	PermissionPlan PermissionMode = "plan"
	// PermissionBypass allows everything without prompting.
	PermissionBypass PermissionMode = "bypass"
)

// ApprovalDecision is the answer returned by a human or policy layer for
// an escalated request.
type ApprovalDecision string

const (
	// ApproveOnce allows the action for this request only.
	ApproveOnce ApprovalDecision = "allow_once"
	// ApproveAlways allows the action and persists the decision.
	ApproveAlways ApprovalDecision = "allow_always"
	// ApproveDeny denies the action.
	ApproveDeny ApprovalDecision = "deny"
)

// Outcome converts an approval decision into a permission outcome.
func (d ApprovalDecision) Outcome() PermissionOutcome {
	if d == ApproveDeny {
		return OutcomeDenied("denied by user")
	}
	return OutcomeAllowed()
}
