package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/odysseyml/odyssey/pkg/types"
)

// Intent is a single tool call requested by the model.
type Intent struct {
	Name      string
	Arguments json.RawMessage
}

// Action is one step of a model turn: tool calls to run, or a final
// message when Intents is empty.
type Action struct {
	Message string
	Intents []Intent
}

// ToolResult reports the outcome of one tool call back to the model.
type ToolResult struct {
	CallID types.ToolCallID
	Tool   string
	Output string
	Error  string
	Denied bool
}

// ModelClient is the narrow interface to whatever produces actions for
// a turn. The orchestrator calls Next with the results of the previous
// action's tool calls (nil on the first call) until the client returns
// an action with no intents.
type ModelClient interface {
	Next(ctx context.Context, prompt string, results []ToolResult) (*Action, error)
}

// ModelClientFunc adapts a function to the ModelClient interface.
type ModelClientFunc func(ctx context.Context, prompt string, results []ToolResult) (*Action, error)

// Next implements ModelClient.
func (f ModelClientFunc) Next(ctx context.Context, prompt string, results []ToolResult) (*Action, error) {
	return f(ctx, prompt, results)
}
