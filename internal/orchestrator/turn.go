package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/tool"
	"github.com/odysseyml/odyssey/pkg/types"
)

// callState is a tool call's position in its lifecycle. Permission
// resolution always precedes sandbox provisioning; a command never runs
// without a terminal allow decision.
type callState string

const (
	callRequested         callState = "requested"
	callPermissionPending callState = "permission_pending"
	callDenied            callState = "denied"
	callProvisioning      callState = "sandbox_provisioning"
	callExecuting         callState = "executing"
	callCompleted         callState = "completed"
	callFailed            callState = "failed"
	callSandboxFailed     callState = "sandbox_failed"
)

// TurnResult summarizes one completed turn.
type TurnResult struct {
	TurnID    types.TurnID
	Message   string
	ToolCalls int
	Results   []ToolResult
}

// RunOptions configures a one-shot Run.
type RunOptions struct {
	CreateSessionOptions
	Prompt string
	Client ModelClient
}

// Run creates a session, drives a single turn, and closes the session.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*TurnResult, error) {
	id, err := o.CreateSession(ctx, opts.CreateSessionOptions)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := o.CloseSession(context.WithoutCancel(ctx), id); err != nil {
			logging.Error("failed to close session",
				logging.String("session_id", id.String()),
				logging.Err(err),
			)
		}
	}()

	return o.RunInSession(ctx, id, opts.Prompt, opts.Client)
}

// RunInSession drives one turn in an existing session: the client is
// asked for actions, each requested tool call is sequenced through
// permission and sandbox, and the results are fed back until the client
// returns a final message. Turns within a session run sequentially.
func (o *Orchestrator) RunInSession(ctx context.Context, id types.SessionID, prompt string, client ModelClient) (*TurnResult, error) {
	if client == nil {
		return nil, errors.New("model client cannot be nil")
	}
	sess, err := o.session(id)
	if err != nil {
		return nil, err
	}

	turnID := uuid.New()
	o.events.Emit(types.EventMsg{
		Type:      types.EventTurnStarted,
		SessionID: id,
		TurnStarted: &types.TurnStartedEvent{
			TurnID:  turnID,
			AgentID: sess.record.AgentID,
		},
	})

	result := &TurnResult{TurnID: turnID}
	aborted := false
	defer func() {
		o.events.Emit(types.EventMsg{
			Type:      types.EventTurnCompleted,
			SessionID: id,
			TurnCompleted: &types.TurnCompletedEvent{
				TurnID:    turnID,
				AgentID:   sess.record.AgentID,
				ToolCalls: result.ToolCalls,
				Aborted:   aborted,
			},
		})
	}()

	var feedback []ToolResult
	for {
		if err := ctx.Err(); err != nil {
			aborted = true
			return nil, err
		}

		action, err := client.Next(ctx, prompt, feedback)
		if err != nil {
			aborted = true
			o.events.Emit(types.EventMsg{
				Type:      types.EventError,
				SessionID: id,
				Error:     &types.ErrorEvent{Message: err.Error(), Source: "model"},
			})
			return nil, fmt.Errorf("model client: %w", err)
		}

		if len(action.Intents) == 0 {
			result.Message = action.Message
			sess.record.Turns++
			if err := o.sessions.Update(ctx, sess.record); err != nil {
				logging.Error("failed to persist turn count",
					logging.String("session_id", id.String()),
					logging.Err(err),
				)
			}
			return result, nil
		}

		feedback = feedback[:0]
		for _, intent := range action.Intents {
			res := o.executeToolCall(ctx, sess, turnID, intent)
			result.ToolCalls++
			result.Results = append(result.Results, res)
			feedback = append(feedback, res)
		}
		prompt = ""
	}
}

// executeToolCall runs one tool call through its state machine. Every
// terminal state emits exactly one tool_call_finished event.
func (o *Orchestrator) executeToolCall(ctx context.Context, sess *session, turnID types.TurnID, intent Intent) ToolResult {
	callID := uuid.New()
	start := time.Now()

	o.events.Emit(types.EventMsg{
		Type:      types.EventToolCallStarted,
		SessionID: sess.record.ID,
		ToolCallStarted: &types.ToolCallStartedEvent{
			ToolCallID: callID,
			TurnID:     turnID,
			ToolName:   intent.Name,
			Arguments:  string(intent.Arguments),
		},
	})
	if o.metrics != nil {
		o.metrics.ActiveToolCalls.Inc()
		defer o.metrics.ActiveToolCalls.Dec()
	}

	res := ToolResult{CallID: callID, Tool: intent.Name}
	finish := func(state callState, output, errMsg string) ToolResult {
		res.Output = output
		res.Error = errMsg
		res.Denied = state == callDenied

		o.events.Emit(types.EventMsg{
			Type:      types.EventToolCallFinished,
			SessionID: sess.record.ID,
			ToolCallFinished: &types.ToolCallFinishedEvent{
				ToolCallID: callID,
				TurnID:     turnID,
				ToolName:   intent.Name,
				Success:    state == callCompleted,
				Output:     output,
				Error:      errMsg,
				Duration:   time.Since(start),
			},
		})
		if o.metrics != nil {
			o.metrics.ToolCallsTotal.WithLabelValues(intent.Name, string(state)).Inc()
		}
		return res
	}

	impl, err := o.tools.Get(intent.Name)
	if err != nil {
		return finish(callFailed, "", err.Error())
	}

	pctx := types.PermissionContext{
		SessionID: sess.record.ID,
		AgentID:   sess.record.AgentID,
		ToolName:  intent.Name,
		TurnID:    &turnID,
	}
	outcome, err := sess.engine.Check(ctx, pctx, types.ToolRequest(intent.Name))
	if err != nil {
		// Engine failure is a denial, never a pass-through.
		return finish(callDenied, "", err.Error())
	}
	if !outcome.Allowed {
		return finish(callDenied, "", outcome.Reason)
	}

	handle, err := sess.handleFor(ctx, o)
	if err != nil {
		return finish(callSandboxFailed, "", err.Error())
	}

	tctx := &tool.Context{
		SessionID:  sess.record.ID,
		AgentID:    sess.record.AgentID,
		TurnID:     turnID,
		ToolCallID: callID,
		ToolName:   intent.Name,
		Services: &tool.TurnServices{
			WorkspaceRoot:  sess.record.WorkspaceRoot,
			Cwd:            sess.record.WorkspaceRoot,
			Sandbox:        handle,
			Permissions:    sess.engine,
			Events:         o.events,
			DefaultTimeout: o.cfg.Sandbox.GetDefaultTimeout(),
			MaxOutputBytes: o.cfg.Sandbox.MaxOutputBytes,
		},
	}

	output, err := impl.Execute(ctx, tctx, intent.Arguments)
	if o.metrics != nil {
		o.metrics.ExecDuration.WithLabelValues(handle.Provider()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var sberr *types.SandboxError
		switch {
		case errors.Is(err, types.ErrPermissionDenied):
			return finish(callDenied, "", err.Error())
		case errors.As(err, &sberr):
			if o.metrics != nil {
				o.metrics.SandboxFailures.WithLabelValues(handle.Provider()).Inc()
			}
			return finish(callSandboxFailed, "", err.Error())
		default:
			return finish(callFailed, "", err.Error())
		}
	}
	return finish(callCompleted, output, "")
}
