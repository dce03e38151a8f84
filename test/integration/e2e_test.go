// Package integration provides end-to-end tests for the agent runtime:
// orchestrator, permission engine, and sandbox providers wired together.
package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odysseyml/odyssey/internal/config"
	"github.com/odysseyml/odyssey/internal/orchestrator"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/internal/sandbox/local"
	"github.com/odysseyml/odyssey/internal/sandbox/mock"
	"github.com/odysseyml/odyssey/internal/state"
	"github.com/odysseyml/odyssey/internal/tool"
	"github.com/odysseyml/odyssey/pkg/types"
)

// setupEnv builds an orchestrator over the given providers with a
// temporary workspace and state directory.
func setupEnv(t *testing.T, permMode string, providers ...sandbox.Provider) *orchestrator.Orchestrator {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Workspace.StateDir = t.TempDir()
	cfg.Permission.Mode = permMode
	cfg.Permission.ApprovalTimeout = "5s"

	o, err := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Providers: providers,
		Tools: tool.NewRegistry(
			&tool.Bash{Shell: "/bin/sh"},
			&tool.ReadFile{},
			&tool.WriteFile{},
			&tool.ListDir{},
		),
		Sessions: state.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Close(context.Background()) })
	return o
}

// oneTurn returns a client that issues the intents once and then a
// final message.
func oneTurn(intents ...orchestrator.Intent) orchestrator.ModelClient {
	issued := false
	return orchestrator.ModelClientFunc(func(ctx context.Context, prompt string, results []orchestrator.ToolResult) (*orchestrator.Action, error) {
		if issued {
			return &orchestrator.Action{Message: "done"}, nil
		}
		issued = true
		return &orchestrator.Action{Intents: intents}, nil
	})
}

func TestEndToEnd_LocalExecution(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	o := setupEnv(t, "bypass", local.New())
	ctx := context.Background()

	id, err := o.CreateSession(ctx, orchestrator.CreateSessionOptions{
		SandboxMode: types.ModeDangerFullAccess,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := o.RunInSession(ctx, id, "say hello",
		oneTurn(orchestrator.Intent{
			Name:      "bash",
			Arguments: json.RawMessage(`{"command":"echo hello from the sandbox"}`),
		}))
	if err != nil {
		t.Fatalf("RunInSession: %v", err)
	}

	res := result.Results[0]
	if res.Denied || res.Error != "" {
		t.Fatalf("command failed: %+v", res)
	}
	if !strings.Contains(res.Output, "hello from the sandbox") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestEndToEnd_LocalRefusesIsolatingModes(t *testing.T) {
	o := setupEnv(t, "bypass", local.New())

	_, err := o.CreateSession(context.Background(), orchestrator.CreateSessionOptions{
		SandboxMode: types.ModeWorkspaceWrite,
	})
	if err == nil {
		t.Fatal("workspace-write must not select the unisolated local provider")
	}
}

func TestEndToEnd_FileToolsRoundTrip(t *testing.T) {
	o := setupEnv(t, "bypass", mock.New())
	ctx := context.Background()

	id, err := o.CreateSession(ctx, orchestrator.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := o.RunInSession(ctx, id, "write then read",
		oneTurn(
			orchestrator.Intent{Name: "write_file", Arguments: json.RawMessage(`{"path":"notes/plan.txt","content":"step one"}`)},
			orchestrator.Intent{Name: "read_file", Arguments: json.RawMessage(`{"path":"notes/plan.txt"}`)},
			orchestrator.Intent{Name: "list_dir", Arguments: json.RawMessage(`{"path":"notes"}`)},
		))
	if err != nil {
		t.Fatalf("RunInSession: %v", err)
	}

	for i, res := range result.Results {
		if res.Denied || res.Error != "" {
			t.Fatalf("call %d failed: %+v", i, res)
		}
	}
	if result.Results[1].Output != "step one" {
		t.Errorf("read back %q", result.Results[1].Output)
	}
	if !strings.Contains(result.Results[2].Output, "plan.txt") {
		t.Errorf("listing = %q", result.Results[2].Output)
	}
}

func TestEndToEnd_ReadOnlyModeBlocksWrites(t *testing.T) {
	o := setupEnv(t, "bypass", mock.New())
	ctx := context.Background()

	id, err := o.CreateSession(ctx, orchestrator.CreateSessionOptions{
		SandboxMode: types.ModeReadOnly,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := o.RunInSession(ctx, id, "try to write",
		oneTurn(orchestrator.Intent{
			Name:      "write_file",
			Arguments: json.RawMessage(`{"path":"x.txt","content":"nope"}`),
		}))
	if err != nil {
		t.Fatalf("RunInSession: %v", err)
	}

	res := result.Results[0]
	if !res.Denied {
		t.Fatalf("read-only mode must deny writes, got %+v", res)
	}
	if res.Error == "" {
		t.Error("denial must carry a reason")
	}
}

func TestEndToEnd_ApprovalQueue(t *testing.T) {
	o := setupEnv(t, "default", mock.New())
	ctx := context.Background()

	id, err := o.CreateSession(ctx, orchestrator.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Resolve every escalation with allow-always in the background, the
	// way an interactive frontend would.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			for _, reqID := range o.ListPendingApprovals() {
				o.ResolveApproval(reqID, types.ApproveAlways)
			}
		}
	}()

	result, err := o.RunInSession(ctx, id, "run twice",
		oneTurn(
			orchestrator.Intent{Name: "bash", Arguments: json.RawMessage(`{"command":"true"}`)},
			orchestrator.Intent{Name: "bash", Arguments: json.RawMessage(`{"command":"true"}`)},
		))
	if err != nil {
		t.Fatalf("RunInSession: %v", err)
	}

	for i, res := range result.Results {
		if res.Denied {
			t.Errorf("call %d denied after approval: %+v", i, res)
		}
	}
	if len(o.ListPendingApprovals()) != 0 {
		t.Error("no approvals should remain pending")
	}
}

func TestEndToEnd_ApprovalTimeoutDenies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Workspace.StateDir = t.TempDir()
	cfg.Permission.Mode = "default"
	// Nobody answers the escalation; expire it quickly.
	cfg.Permission.ApprovalTimeout = "100ms"

	o, err := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Providers: []sandbox.Provider{mock.New()},
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Close(context.Background()) })
	ctx := context.Background()

	id, err := o.CreateSession(ctx, orchestrator.CreateSessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := o.RunInSession(ctx, id, "wait forever",
		oneTurn(orchestrator.Intent{Name: "bash", Arguments: json.RawMessage(`{"command":"true"}`)}))
	if err != nil {
		t.Fatalf("RunInSession: %v", err)
	}
	if !result.Results[0].Denied {
		t.Errorf("unanswered approval must deny, got %+v", result.Results[0])
	}
	if !strings.Contains(result.Results[0].Error, "timed out") {
		t.Errorf("denial reason = %q", result.Results[0].Error)
	}
}

func TestEndToEnd_EventStream(t *testing.T) {
	o := setupEnv(t, "bypass", mock.New())
	ch, cancel := o.Events().Subscribe()
	defer cancel()

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	id, err := o.CreateSession(context.Background(), orchestrator.CreateSessionOptions{
		WorkspaceRoot: workspace,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := o.RunInSession(context.Background(), id, "look around",
		oneTurn(orchestrator.Intent{Name: "list_dir", Arguments: nil})); err != nil {
		t.Fatalf("RunInSession: %v", err)
	}

	var seen []types.EventType
	for {
		select {
		case e := <-ch:
			seen = append(seen, e.Type)
			continue
		default:
		}
		break
	}

	var started, finished, turnDone bool
	for _, typ := range seen {
		switch typ {
		case types.EventToolCallStarted:
			started = true
		case types.EventToolCallFinished:
			if !started {
				t.Error("tool_call_finished before tool_call_started")
			}
			finished = true
		case types.EventTurnCompleted:
			turnDone = true
		}
	}
	if !started || !finished || !turnDone {
		t.Errorf("missing lifecycle events, saw %v", seen)
	}
}
