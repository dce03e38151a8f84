package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/pkg/types"
)

// Bash runs a shell command inside the turn's sandbox. The command
// string is passed to the shell verbatim; authorization covers the
// exact argv the sandbox will spawn.
type Bash struct {
	// Shell is the interpreter path (default /bin/bash).
	Shell string
}

var _ Tool = (*Bash)(nil)

type bashArgs struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// Name implements Tool.
func (b *Bash) Name() string {
	return "bash"
}

// Description implements Tool.
func (b *Bash) Description() string {
	return "Run a shell command in the sandbox and return its output."
}

// Execute implements Tool.
func (b *Bash) Execute(ctx context.Context, tctx *Context, raw json.RawMessage) (string, error) {
	var args bashArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", &types.ToolError{Tool: b.Name(), Op: "decode arguments", Err: err}
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", &types.ToolError{Tool: b.Name(), Op: "validate", Err: fmt.Errorf("command must not be empty")}
	}

	shell := b.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	spec := &types.CommandSpec{
		Program: shell,
		Args:    []string{"-c", args.Command},
		Cwd:     args.Cwd,
	}

	if err := tctx.CheckPermission(ctx, types.CommandRequest(spec.Argv())); err != nil {
		return "", err
	}

	cwd := spec.Cwd
	if cwd == "" {
		cwd = tctx.Services.Cwd
	}

	tctx.Emit(types.EventMsg{
		Type: types.EventExecCommandBegin,
		ExecCommandBegin: &types.ExecCommandBeginEvent{
			ToolCallID: tctx.ToolCallID,
			Argv:       spec.Argv(),
			Cwd:        cwd,
			Provider:   tctx.Services.Sandbox.Provider(),
		},
	})

	sink := sandbox.StreamSinkFunc(func(stream types.ExecStream, chunk []byte) {
		out := make([]byte, len(chunk))
		copy(out, chunk)
		tctx.Emit(types.EventMsg{
			Type: types.EventExecOutputDelta,
			ExecOutputDelta: &types.ExecOutputDeltaEvent{
				ToolCallID: tctx.ToolCallID,
				Stream:     stream,
				Chunk:      out,
			},
		})
	})

	timeout := tctx.Timeout(time.Duration(args.TimeoutMS) * time.Millisecond)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := tctx.Services.Sandbox.ExecStreaming(execCtx, spec, sink)
	if err != nil {
		return "", err
	}

	tctx.Emit(types.EventMsg{
		Type: types.EventExecCommandEnd,
		ExecCommandEnd: &types.ExecCommandEndEvent{
			ToolCallID: tctx.ToolCallID,
			ExitCode:   result.ExitCode,
			TimedOut:   result.TimedOut,
			Truncated:  result.Truncated,
			Duration:   result.Duration,
		},
	})

	return formatResult(result), nil
}

// formatResult renders a command result for the model.
func formatResult(result *types.CommandResult) string {
	var sb strings.Builder
	sb.WriteString(result.Stdout)
	if result.Stderr != "" {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString(result.Stderr)
	}
	if result.TimedOut {
		sb.WriteString("\n[command timed out]")
	}
	if result.Truncated {
		sb.WriteString("\n[output truncated]")
	}
	if result.ExitCode != 0 {
		sb.WriteString(fmt.Sprintf("\n[exit code %d]", result.ExitCode))
	}
	return sb.String()
}
