package permission

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/odysseyml/odyssey/internal/config"
	"github.com/odysseyml/odyssey/pkg/types"
)

func testContext() types.PermissionContext {
	return types.PermissionContext{
		SessionID: uuid.New(),
		AgentID:   "main",
	}
}

func allowHook(name string) Hook {
	return HookFunc{HookName: name, Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		return HookResult{Decision: HookAllow}, nil
	}}
}

func denyHook(name, reason string) Hook {
	return HookFunc{HookName: name, Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		return HookResult{Decision: HookDeny, Reason: reason}, nil
	}}
}

func abstainHook(name string) Hook {
	return HookFunc{HookName: name, Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		return Abstain, nil
	}}
}

func TestEngine_FirstNonAbstainingHookWins(t *testing.T) {
	var thirdCalled bool
	third := HookFunc{HookName: "third", Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		thirdCalled = true
		return HookResult{Decision: HookAllow}, nil
	}}

	engine := NewEngine(Options{
		Hooks: []Hook{abstainHook("first"), denyHook("second", "blocked"), third},
	})

	outcome, err := engine.Check(context.Background(), testContext(), types.ToolRequest("bash"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if outcome.Allowed {
		t.Error("deny from second hook should win")
	}
	if outcome.Reason != "blocked" {
		t.Errorf("reason = %q", outcome.Reason)
	}
	if thirdCalled {
		t.Error("hooks after the deciding hook must not run")
	}
}

func TestEngine_HookErrorFailsClosed(t *testing.T) {
	broken := HookFunc{HookName: "broken", Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		return Abstain, errors.New("backend unreachable")
	}}

	engine := NewEngine(Options{
		Mode:  types.PermissionBypass,
		Hooks: []Hook{broken},
	})

	_, err := engine.Check(context.Background(), testContext(), types.ToolRequest("bash"))
	if err == nil {
		t.Fatal("expected error from failing hook")
	}
}

func TestEngine_CacheSkipsHookChain(t *testing.T) {
	var evaluations int32
	counting := HookFunc{HookName: "counting", Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		atomic.AddInt32(&evaluations, 1)
		return HookResult{Decision: HookAllow}, nil
	}}

	cache, err := NewDecisionCache(1<<16, time.Minute)
	if err != nil {
		t.Fatalf("NewDecisionCache: %v", err)
	}
	defer cache.Close()

	engine := NewEngine(Options{Hooks: []Hook{counting}, Cache: cache})
	pctx := testContext()
	req := types.CommandRequest([]string{"git", "status"})

	for i := 0; i < 2; i++ {
		outcome, err := engine.Check(context.Background(), pctx, req)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !outcome.Allowed {
			t.Fatalf("Check %d denied: %+v", i, outcome)
		}
	}

	if n := atomic.LoadInt32(&evaluations); n != 1 {
		t.Errorf("hook evaluated %d times, want 1 (second request should hit the cache)", n)
	}
}

func TestEngine_CacheIsPerSession(t *testing.T) {
	var evaluations int32
	counting := HookFunc{HookName: "counting", Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		atomic.AddInt32(&evaluations, 1)
		return HookResult{Decision: HookAllow}, nil
	}}

	cache, err := NewDecisionCache(1<<16, time.Minute)
	if err != nil {
		t.Fatalf("NewDecisionCache: %v", err)
	}
	defer cache.Close()

	engine := NewEngine(Options{Hooks: []Hook{counting}, Cache: cache})
	req := types.ToolRequest("bash")

	engine.Check(context.Background(), testContext(), req)
	engine.Check(context.Background(), testContext(), req)

	if n := atomic.LoadInt32(&evaluations); n != 2 {
		t.Errorf("hook evaluated %d times, want 2 (distinct sessions must not share cache entries)", n)
	}
}

func TestEngine_DenialsAreNotCached(t *testing.T) {
	var evaluations int32
	counting := HookFunc{HookName: "counting", Fn: func(context.Context, types.PermissionContext, types.PermissionRequest) (HookResult, error) {
		atomic.AddInt32(&evaluations, 1)
		return HookResult{Decision: HookDeny, Reason: "no"}, nil
	}}

	cache, err := NewDecisionCache(1<<16, time.Minute)
	if err != nil {
		t.Fatalf("NewDecisionCache: %v", err)
	}
	defer cache.Close()

	engine := NewEngine(Options{Hooks: []Hook{counting}, Cache: cache})
	pctx := testContext()
	req := types.ToolRequest("bash")

	engine.Check(context.Background(), pctx, req)
	engine.Check(context.Background(), pctx, req)

	if n := atomic.LoadInt32(&evaluations); n != 2 {
		t.Errorf("hook evaluated %d times, want 2 (denials must be re-evaluated)", n)
	}
}

func TestEngine_RuleOrdering(t *testing.T) {
	rules, err := CompileRules([]config.PermissionRule{
		{Action: "allow", Command: "rm"},
		{Action: "deny", Command: "rm -rf", Reason: "recursive delete is blocked"},
	})
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}

	engine := NewEngine(Options{Mode: types.PermissionBypass, Rules: rules})

	// Deny rules are consulted before allow rules regardless of
	// their config order.
	outcome, err := engine.Check(context.Background(), testContext(), types.CommandRequest([]string{"rm", "-rf", "/tmp/x"}))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if outcome.Allowed {
		t.Error("deny rule should override allow rule")
	}
	if outcome.Reason != "recursive delete is blocked" {
		t.Errorf("reason = %q", outcome.Reason)
	}

	outcome, err = engine.Check(context.Background(), testContext(), types.CommandRequest([]string{"rm", "file.txt"}))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !outcome.Allowed {
		t.Errorf("plain rm should match the allow rule: %+v", outcome)
	}
}

func TestEngine_ModeFallback(t *testing.T) {
	tests := []struct {
		name    string
		mode    types.PermissionMode
		req     types.PermissionRequest
		allowed bool
	}{
		{"bypass allows commands", types.PermissionBypass, types.CommandRequest([]string{"ls"}), true},
		{"plan denies everything", types.PermissionPlan, types.PathRequest("/ws/a", types.AccessRead), false},
		{"accept-edits allows path writes", types.PermissionAcceptEdits, types.PathRequest("/ws/a", types.AccessWrite), true},
		{"accept-edits escalates commands", types.PermissionAcceptEdits, types.CommandRequest([]string{"ls"}), false},
		{"default escalates", types.PermissionDefault, types.ToolRequest("bash"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// No approver configured, so escalation denies.
			engine := NewEngine(Options{Mode: tt.mode})
			outcome, err := engine.Check(context.Background(), testContext(), tt.req)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if outcome.Allowed != tt.allowed {
				t.Errorf("outcome = %+v, want allowed=%v", outcome, tt.allowed)
			}
			if !outcome.Allowed && outcome.Reason == "" {
				t.Error("denial has no reason")
			}
		})
	}
}

func TestEngine_ApprovalAllowOnce(t *testing.T) {
	approver := ApproverFunc(func(context.Context, string, types.PermissionContext, types.PermissionRequest) (types.ApprovalDecision, error) {
		return types.ApproveOnce, nil
	})

	engine := NewEngine(Options{Approver: approver})
	outcome, err := engine.Check(context.Background(), testContext(), types.ToolRequest("bash"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !outcome.Allowed {
		t.Errorf("approved request denied: %+v", outcome)
	}
}

func TestEngine_ApprovalAlwaysPersists(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "permissions.jsonl")
	store, err := OpenStore(storePath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	var asked int32
	approver := ApproverFunc(func(context.Context, string, types.PermissionContext, types.PermissionRequest) (types.ApprovalDecision, error) {
		atomic.AddInt32(&asked, 1)
		return types.ApproveAlways, nil
	})

	engine := NewEngine(Options{Approver: approver, Store: store})
	req := types.CommandRequest([]string{"go", "test", "./..."})

	if outcome, err := engine.Check(context.Background(), testContext(), req); err != nil || !outcome.Allowed {
		t.Fatalf("first check = (%+v, %v)", outcome, err)
	}
	store.Close()

	// A fresh engine with a reopened store must honor the grant
	// without asking again.
	store2, err := OpenStore(storePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	engine2 := NewEngine(Options{Approver: approver, Store: store2})
	outcome, err := engine2.Check(context.Background(), testContext(), req)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !outcome.Allowed {
		t.Errorf("persisted approval not honored: %+v", outcome)
	}
	if n := atomic.LoadInt32(&asked); n != 1 {
		t.Errorf("approver asked %d times, want 1", n)
	}
}

func TestEngine_ApprovalTimeoutDenies(t *testing.T) {
	engine := NewEngine(Options{
		Approver:        NewPendingApprovals(),
		ApprovalTimeout: 50 * time.Millisecond,
	})

	outcome, err := engine.Check(context.Background(), testContext(), types.ToolRequest("bash"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if outcome.Allowed {
		t.Error("timed-out approval must deny")
	}
	if outcome.Reason == "" {
		t.Error("denial has no reason")
	}
}

func TestPendingApprovals_Resolve(t *testing.T) {
	pending := NewPendingApprovals()
	engine := NewEngine(Options{Approver: pending, ApprovalTimeout: 5 * time.Second})

	type result struct {
		outcome types.PermissionOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := engine.Check(context.Background(), testContext(), types.ToolRequest("bash"))
		done <- result{outcome, err}
	}()

	// Wait for the escalation to park.
	var ids []string
	deadline := time.Now().Add(2 * time.Second)
	for len(ids) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pending approval appeared")
		}
		time.Sleep(5 * time.Millisecond)
		ids = pending.Pending()
	}

	if !pending.Resolve(ids[0], types.ApproveOnce) {
		t.Fatal("Resolve reported no pending request")
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("Check: %v", r.err)
	}
	if !r.outcome.Allowed {
		t.Errorf("resolved approval denied: %+v", r.outcome)
	}

	if pending.Resolve("missing", types.ApproveOnce) {
		t.Error("Resolve of unknown ID should report false")
	}
}

func TestCompileRules_Validation(t *testing.T) {
	if _, err := CompileRules([]config.PermissionRule{{Action: "deny"}}); err == nil {
		t.Error("rule without matcher should fail")
	}
	if _, err := CompileRules([]config.PermissionRule{{Action: "deny", Tool: "bash", Path: "/x"}}); err == nil {
		t.Error("rule with two matchers should fail")
	}
	if _, err := CompileRules([]config.PermissionRule{{Action: "deny", Path: "[bad"}}); err == nil {
		t.Error("invalid glob should fail")
	}
}

func TestRule_PathGlob(t *testing.T) {
	rules, err := CompileRules([]config.PermissionRule{
		{Action: "deny", Path: "/ws/*.pem", Access: "read", Reason: "keys are off limits"},
	})
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}

	action, _, ok := EvaluateRules(rules, types.PathRequest("/ws/server.pem", types.AccessRead))
	if !ok || action != types.ActionDeny {
		t.Errorf("pem read should match deny rule, got (%v, %v)", action, ok)
	}
	if _, _, ok := EvaluateRules(rules, types.PathRequest("/ws/server.pem", types.AccessWrite)); ok {
		t.Error("write access should not match a read-scoped rule")
	}
	if _, _, ok := EvaluateRules(rules, types.PathRequest("/ws/readme.md", types.AccessRead)); ok {
		t.Error("non-pem path should not match")
	}
}

func TestStore_Revoke(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "permissions.jsonl")
	store, err := OpenStore(storePath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if err := store.Grant("tool:bash", "main"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !store.Granted("tool:bash") {
		t.Fatal("grant not visible")
	}
	if err := store.Revoke("tool:bash"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if store.Granted("tool:bash") {
		t.Error("revoked grant still visible")
	}
}
