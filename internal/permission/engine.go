package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/metrics"
	"github.com/odysseyml/odyssey/pkg/types"
)

// Checker is the narrow interface tools and the orchestrator consume.
type Checker interface {
	Check(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (types.PermissionOutcome, error)
}

// Options configures an Engine.
type Options struct {
	Mode            types.PermissionMode
	Hooks           []Hook
	Rules           []Rule
	Cache           *DecisionCache
	Store           *Store
	Approver        Approver
	ApprovalTimeout time.Duration
	Events          types.EventSink
	Metrics         *metrics.Metrics
}

// Engine runs the authorization pipeline. Order per request: decision
// cache, persistent approvals, hook chain, static rules, mode fallback.
// Requests that resolve to ask escalate through the Approver; an absent
// approver or an expired wait denies.
type Engine struct {
	mode            types.PermissionMode
	hooks           []Hook
	rules           []Rule
	cache           *DecisionCache
	store           *Store
	approver        Approver
	approvalTimeout time.Duration
	events          types.EventSink
	metrics         *metrics.Metrics
}

var _ Checker = (*Engine)(nil)

// NewEngine builds an engine from options.
func NewEngine(opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = types.PermissionDefault
	}
	if opts.Events == nil {
		opts.Events = types.NopSink{}
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 5 * time.Minute
	}
	return &Engine{
		mode:            opts.Mode,
		hooks:           opts.Hooks,
		rules:           opts.Rules,
		cache:           opts.Cache,
		store:           opts.Store,
		approver:        opts.Approver,
		approvalTimeout: opts.ApprovalTimeout,
		events:          opts.Events,
		metrics:         opts.Metrics,
	}
}

// Check runs the pipeline for one request. The returned outcome always
// carries a reason when denied. An error means the pipeline itself
// failed (a hook crashed, the store broke) and must be treated as a
// denial by callers.
func (e *Engine) Check(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (types.PermissionOutcome, error) {
	if e.cache != nil {
		if outcome, ok := e.cache.Get(pctx.SessionID, req); ok {
			e.count("cache", outcome)
			return outcome, nil
		}
	}

	if e.store != nil && e.store.Granted(req.Key()) {
		outcome := types.OutcomeAllowed()
		e.remember(pctx, req, outcome)
		e.count("store", outcome)
		return outcome, nil
	}

	for _, hook := range e.hooks {
		result, err := hook.Evaluate(ctx, pctx, req)
		if err != nil {
			// A failing hook fails the check closed.
			logging.Error("permission hook failed",
				logging.String("hook", hook.Name()),
				logging.String("request", req.Describe()),
				logging.Err(err),
			)
			return types.PermissionOutcome{}, fmt.Errorf("permission hook %s: %w", hook.Name(), err)
		}
		switch result.Decision {
		case HookAllow:
			outcome := types.OutcomeAllowed()
			e.remember(pctx, req, outcome)
			e.count("hook", outcome)
			return outcome, nil
		case HookDeny:
			reason := result.Reason
			if reason == "" {
				reason = "denied by hook " + hook.Name()
			}
			outcome := types.OutcomeDenied(reason)
			e.count("hook", outcome)
			return outcome, nil
		}
	}

	if action, reason, ok := EvaluateRules(e.rules, req); ok {
		switch action {
		case types.ActionAllow:
			outcome := types.OutcomeAllowed()
			e.remember(pctx, req, outcome)
			e.count("rule", outcome)
			return outcome, nil
		case types.ActionDeny:
			outcome := types.OutcomeDenied(reason)
			e.count("rule", outcome)
			return outcome, nil
		case types.ActionAsk:
			return e.escalate(ctx, pctx, req)
		}
	}

	switch e.mode {
	case types.PermissionBypass:
		outcome := types.OutcomeAllowed()
		e.count("mode", outcome)
		return outcome, nil
	case types.PermissionPlan:
		outcome := types.OutcomeDenied("tool execution is disabled in plan mode")
		e.count("mode", outcome)
		return outcome, nil
	case types.PermissionAcceptEdits:
		if req.Kind == types.RequestPath {
			outcome := types.OutcomeAllowed()
			e.remember(pctx, req, outcome)
			e.count("mode", outcome)
			return outcome, nil
		}
		return e.escalate(ctx, pctx, req)
	default:
		return e.escalate(ctx, pctx, req)
	}
}

// escalate asks the approver, bounded by the approval timeout. Timeout
// and missing approver both deny.
func (e *Engine) escalate(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (types.PermissionOutcome, error) {
	if e.approver == nil {
		outcome := types.OutcomeDenied("approval required but no approver is configured")
		e.count("approval", outcome)
		return outcome, nil
	}

	requestID := uuid.NewString()
	e.events.Emit(types.EventMsg{
		Type:      types.EventPermissionRequested,
		SessionID: pctx.SessionID,
		PermissionRequested: &types.PermissionRequestedEvent{
			RequestID: requestID,
			Request:   req,
			Context:   pctx,
		},
	})

	ctx, cancel := context.WithTimeout(ctx, e.approvalTimeout)
	defer cancel()

	decision, err := e.approver.RequestApproval(ctx, requestID, pctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			decision = types.ApproveDeny
			e.events.Emit(types.EventMsg{
				Type:      types.EventApprovalResolved,
				SessionID: pctx.SessionID,
				ApprovalResolved: &types.ApprovalResolvedEvent{
					RequestID: requestID,
					Decision:  decision,
				},
			})
			outcome := types.OutcomeDenied("approval request timed out")
			e.count("approval", outcome)
			return outcome, nil
		}
		return types.PermissionOutcome{}, fmt.Errorf("approval request failed: %w", err)
	}

	e.events.Emit(types.EventMsg{
		Type:      types.EventApprovalResolved,
		SessionID: pctx.SessionID,
		ApprovalResolved: &types.ApprovalResolvedEvent{
			RequestID: requestID,
			Decision:  decision,
		},
	})
	if e.metrics != nil {
		e.metrics.ApprovalsTotal.WithLabelValues(string(decision)).Inc()
	}

	if decision == types.ApproveAlways && e.store != nil {
		if err := e.store.Grant(req.Key(), pctx.AgentID); err != nil {
			logging.Error("failed to persist approval",
				logging.String("key", req.Key()),
				logging.Err(err),
			)
		}
	}

	outcome := decision.Outcome()
	e.remember(pctx, req, outcome)
	e.count("approval", outcome)
	return outcome, nil
}

func (e *Engine) remember(pctx types.PermissionContext, req types.PermissionRequest, outcome types.PermissionOutcome) {
	if e.cache != nil {
		e.cache.Put(pctx.SessionID, req, outcome)
	}
}

func (e *Engine) count(source string, outcome types.PermissionOutcome) {
	if e.metrics == nil {
		return
	}
	verdict := "deny"
	if outcome.Allowed {
		verdict = "allow"
	}
	e.metrics.PermissionDecisions.WithLabelValues(source, verdict).Inc()
	if source == "cache" && e.metrics.CacheHitsTotal != nil {
		e.metrics.CacheHitsTotal.Inc()
	}
}
