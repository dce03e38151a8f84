// Package permission implements the authorization pipeline for tool
// execution: hook chain, static rules, mode fallback, and approval
// escalation, fronted by a decision cache and a persistent approval
// store.
package permission

import (
	"context"

	"github.com/odysseyml/odyssey/pkg/types"
)

// HookDecision is a hook's answer for one request.
type HookDecision string

const (
	// HookAllow approves the request and stops the chain.
	HookAllow HookDecision = "allow"
	// HookDeny rejects the request and stops the chain.
	HookDeny HookDecision = "deny"
	// HookAbstain passes the request to the next hook.
	HookAbstain HookDecision = "abstain"
)

// HookResult pairs a decision with its reason. The reason is mandatory
// for HookDeny.
type HookResult struct {
	Decision HookDecision
	Reason   string
}

// Abstain is the zero-value pass result.
var Abstain = HookResult{Decision: HookAbstain}

// Hook is one link in the permission chain. Hooks run in registration
// order; the first non-abstaining result wins. A hook returning an
// error fails the whole check closed.
type Hook interface {
	// Name identifies the hook in logs and error messages.
	Name() string

	// Evaluate judges one request.
	Evaluate(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (HookResult, error)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (HookResult, error)
}

// Name implements Hook.
func (h HookFunc) Name() string {
	return h.HookName
}

// Evaluate implements Hook.
func (h HookFunc) Evaluate(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (HookResult, error) {
	return h.Fn(ctx, pctx, req)
}
