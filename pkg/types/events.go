package types

import "time"

// EventType names the lifecycle event carried by an EventMsg.
type EventType string

const (
	EventTurnStarted         EventType = "turn_started"
	EventTurnCompleted       EventType = "turn_completed"
	EventToolCallStarted     EventType = "tool_call_started"
	EventToolCallFinished    EventType = "tool_call_finished"
	EventExecCommandBegin    EventType = "exec_command_begin"
	EventExecOutputDelta     EventType = "exec_output_delta"
	EventExecCommandEnd      EventType = "exec_command_end"
	EventPermissionRequested EventType = "permission_requested"
	EventApprovalResolved    EventType = "approval_resolved"
	EventError               EventType = "error"
)

// EventMsg is one entry on the ordered event stream of a session. Exactly
// one payload field is non-nil, matching Type.
type EventMsg struct {
	Type      EventType  `json:"type"`
	SessionID SessionID  `json:"session_id"`
	Timestamp time.Time  `json:"timestamp"`
	Seq       uint64     `json:"seq"`

	TurnStarted         *TurnStartedEvent         `json:"turn_started,omitempty"`
	TurnCompleted       *TurnCompletedEvent       `json:"turn_completed,omitempty"`
	ToolCallStarted     *ToolCallStartedEvent     `json:"tool_call_started,omitempty"`
	ToolCallFinished    *ToolCallFinishedEvent    `json:"tool_call_finished,omitempty"`
	ExecCommandBegin    *ExecCommandBeginEvent    `json:"exec_command_begin,omitempty"`
	ExecOutputDelta     *ExecOutputDeltaEvent     `json:"exec_output_delta,omitempty"`
	ExecCommandEnd      *ExecCommandEndEvent      `json:"exec_command_end,omitempty"`
	PermissionRequested *PermissionRequestedEvent `json:"permission_requested,omitempty"`
	ApprovalResolved    *ApprovalResolvedEvent    `json:"approval_resolved,omitempty"`
	Error               *ErrorEvent               `json:"error,omitempty"`
}

// TurnStartedEvent marks the beginning of a model turn.
type TurnStartedEvent struct {
	TurnID  TurnID `json:"turn_id"`
	AgentID string `json:"agent_id"`
}

// TurnCompletedEvent marks the end of a model turn.
type TurnCompletedEvent struct {
	TurnID    TurnID `json:"turn_id"`
	AgentID   string `json:"agent_id"`
	ToolCalls int    `json:"tool_calls"`
	Aborted   bool   `json:"aborted,omitempty"`
}

// ToolCallStartedEvent marks a tool invocation entering the pipeline.
type ToolCallStartedEvent struct {
	ToolCallID ToolCallID `json:"tool_call_id"`
	TurnID     TurnID     `json:"turn_id"`
	ToolName   string     `json:"tool_name"`
	Arguments  string     `json:"arguments,omitempty"`
}

// ToolCallFinishedEvent marks a tool invocation leaving the pipeline,
// whether it completed, was denied, or failed.
type ToolCallFinishedEvent struct {
	ToolCallID ToolCallID    `json:"tool_call_id"`
	TurnID     TurnID        `json:"turn_id"`
	ToolName   string        `json:"tool_name"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ExecCommandBeginEvent marks a command starting inside a sandbox.
type ExecCommandBeginEvent struct {
	ToolCallID ToolCallID `json:"tool_call_id"`
	Argv       []string   `json:"argv"`
	Cwd        string     `json:"cwd,omitempty"`
	Provider   string     `json:"provider"`
}

// ExecStream names an output stream of a running command.
type ExecStream string

const (
	StreamStdout ExecStream = "stdout"
	StreamStderr ExecStream = "stderr"
)

// ExecOutputDeltaEvent carries one chunk of live command output.
type ExecOutputDeltaEvent struct {
	ToolCallID ToolCallID `json:"tool_call_id"`
	Stream     ExecStream `json:"stream"`
	Chunk      []byte     `json:"chunk"`
}

// ExecCommandEndEvent marks a command finishing inside a sandbox.
type ExecCommandEndEvent struct {
	ToolCallID ToolCallID    `json:"tool_call_id"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// PermissionRequestedEvent marks an escalation awaiting approval.
type PermissionRequestedEvent struct {
	RequestID  string            `json:"request_id"`
	ToolCallID *ToolCallID       `json:"tool_call_id,omitempty"`
	Request    PermissionRequest `json:"request"`
	Context    PermissionContext `json:"context"`
}

// ApprovalResolvedEvent records the answer to an escalated request.
type ApprovalResolvedEvent struct {
	RequestID string           `json:"request_id"`
	Decision  ApprovalDecision `json:"decision"`
}

// ErrorEvent surfaces a failure that terminated part of the pipeline.
type ErrorEvent struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// EventSink receives lifecycle events in order. Implementations must be
// safe for concurrent use and must not block callers indefinitely.
type EventSink interface {
	Emit(event EventMsg)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event EventMsg)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(event EventMsg) {
	f(event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(EventMsg) {}
