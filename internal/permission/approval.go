package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/odysseyml/odyssey/pkg/types"
)

// Approver answers escalated requests. The engine calls it when the
// pipeline resolves to ask; blocking is expected and bounded by the
// engine's approval timeout.
type Approver interface {
	RequestApproval(ctx context.Context, requestID string, pctx types.PermissionContext, req types.PermissionRequest) (types.ApprovalDecision, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, requestID string, pctx types.PermissionContext, req types.PermissionRequest) (types.ApprovalDecision, error)

// RequestApproval implements Approver.
func (f ApproverFunc) RequestApproval(ctx context.Context, requestID string, pctx types.PermissionContext, req types.PermissionRequest) (types.ApprovalDecision, error) {
	return f(ctx, requestID, pctx, req)
}

// PendingApprovals is an Approver that parks each escalation until an
// external caller resolves it by request ID. It bridges the engine to
// an asynchronous surface such as a UI event stream.
type PendingApprovals struct {
	mu      sync.Mutex
	pending map[string]chan types.ApprovalDecision
}

var _ Approver = (*PendingApprovals)(nil)

// NewPendingApprovals creates an empty registry.
func NewPendingApprovals() *PendingApprovals {
	return &PendingApprovals{pending: make(map[string]chan types.ApprovalDecision)}
}

// RequestApproval parks until Resolve is called with the same request
// ID or the context expires.
func (p *PendingApprovals) RequestApproval(ctx context.Context, requestID string, _ types.PermissionContext, _ types.PermissionRequest) (types.ApprovalDecision, error) {
	ch := make(chan types.ApprovalDecision, 1)

	p.mu.Lock()
	if _, exists := p.pending[requestID]; exists {
		p.mu.Unlock()
		return types.ApproveDeny, fmt.Errorf("approval request %s already pending", requestID)
	}
	p.pending[requestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return types.ApproveDeny, ctx.Err()
	}
}

// Resolve answers a pending request. It reports false when no request
// with that ID is waiting.
func (p *PendingApprovals) Resolve(requestID string, decision types.ApprovalDecision) bool {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- decision:
		return true
	default:
		return false
	}
}

// Pending returns the IDs of requests currently waiting.
func (p *PendingApprovals) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	return ids
}
