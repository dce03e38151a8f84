// Package types defines error types shared across the runtime.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrToolNotFound      = errors.New("tool not found")
	ErrSandboxNotFound   = errors.New("sandbox not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrApprovalTimeout   = errors.New("approval request timed out")
	ErrNoProvider        = errors.New("no usable sandbox provider")
	ErrInvalidPolicy     = errors.New("invalid sandbox policy")
	ErrInvalidState      = errors.New("invalid state for this operation")
	ErrDependencyMissing = errors.New("required dependency missing")
	ErrTimeout           = errors.New("operation timed out")
)

// SandboxError wraps a failure from a sandbox provider with context.
type SandboxError struct {
	Provider string
	Op       string
	Err      error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}

// NewSandboxError builds a SandboxError for the given provider and operation.
func NewSandboxError(provider, op string, err error) *SandboxError {
	return &SandboxError{Provider: provider, Op: op, Err: err}
}

// ToolError wraps a failure from a tool invocation with context.
type ToolError struct {
	Tool string
	Op   string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Op, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// PermissionDeniedError carries the denial reason for a specific request.
type PermissionDeniedError struct {
	Request PermissionRequest
	Reason  string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s: %s", e.Request.Describe(), e.Reason)
}

func (e *PermissionDeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// ExecError reports a command that ran but exited unsuccessfully.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exec %q: exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("exec %q: exit code %d", e.Command, e.ExitCode)
}
