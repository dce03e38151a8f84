// Package orchestrator drives agent sessions: it sequences every tool
// call through the permission engine before the sandbox, assembles the
// per-call tool context, and emits ordered lifecycle events.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odysseyml/odyssey/internal/config"
	"github.com/odysseyml/odyssey/internal/events"
	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/metrics"
	"github.com/odysseyml/odyssey/internal/permission"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/internal/state"
	"github.com/odysseyml/odyssey/internal/tool"
	"github.com/odysseyml/odyssey/pkg/types"
)

// AgentProfile names a configured agent and its policy overrides.
// Empty fields fall back to the runtime configuration.
type AgentProfile struct {
	ID             string
	PermissionMode types.PermissionMode
	SandboxMode    types.SandboxMode
	Policy         *types.SandboxPolicy
}

// Options configures an Orchestrator.
type Options struct {
	Config    *config.Config
	Providers []sandbox.Provider
	Tools     *tool.Registry
	Sessions  state.Store
	Events    *events.Bus
	Metrics   *metrics.Metrics
}

// Orchestrator is the facade over sessions, agents, permissions, and
// sandbox providers.
type Orchestrator struct {
	cfg       *config.Config
	providers []sandbox.Provider
	tools     *tool.Registry
	sessions  state.Store
	events    *events.Bus
	metrics   *metrics.Metrics

	rules     []permission.Rule
	cache     *permission.DecisionCache
	permStore *permission.Store
	pending   *permission.PendingApprovals
	hooks     *hookChain
	approver  *approverRef

	mu     sync.Mutex
	agents map[string]*AgentProfile
	live   map[types.SessionID]*session
}

// session is the in-memory runtime of one persisted session record.
type session struct {
	record   *state.Session
	profile  *AgentProfile
	policy   types.SandboxPolicy
	provider sandbox.Provider
	engine   permission.Checker

	mu     sync.Mutex
	handle sandbox.Handle
}

// DefaultAgentID is the agent profile used when none is named.
const DefaultAgentID = "main"

// New builds an orchestrator. Missing options get defaults: an
// in-memory session store, the built-in tool registry, and an event bus
// sized per configuration.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	rules, err := permission.CompileRules(cfg.Permission.Rules)
	if err != nil {
		return nil, fmt.Errorf("compiling permission rules: %w", err)
	}

	cache, err := permission.NewDecisionCache(cfg.Permission.CacheMaxCost, cfg.Permission.GetCacheTTL())
	if err != nil {
		return nil, fmt.Errorf("creating decision cache: %w", err)
	}

	// An empty store path disables approval persistence; the engine
	// treats a nil store as "nothing granted".
	var permStore *permission.Store
	if storePath := cfg.Permission.StorePath; storePath != "" {
		if !filepath.IsAbs(storePath) {
			storePath = filepath.Join(cfg.Workspace.StateDir, storePath)
		}
		permStore, err = permission.OpenStore(storePath)
		if err != nil {
			cache.Close()
			return nil, fmt.Errorf("opening permission store: %w", err)
		}
	}

	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(cfg.Events.BufferSize)
	}
	if opts.Metrics != nil {
		bus.OnDrop(func(types.EventMsg) {
			opts.Metrics.EventsDroppedTotal.Inc()
		})
	}

	tools := opts.Tools
	if tools == nil {
		tools = tool.NewRegistry(&tool.Bash{}, &tool.ReadFile{}, &tool.WriteFile{}, &tool.ListDir{})
	}

	sessions := opts.Sessions
	if sessions == nil {
		sessions = state.NewMemoryStore()
	}

	pending := permission.NewPendingApprovals()

	o := &Orchestrator{
		cfg:       cfg,
		providers: opts.Providers,
		tools:     tools,
		sessions:  sessions,
		events:    bus,
		metrics:   opts.Metrics,
		rules:     rules,
		cache:     cache,
		permStore: permStore,
		pending:   pending,
		hooks:     &hookChain{},
		approver:  &approverRef{handler: pending},
		agents: map[string]*AgentProfile{
			DefaultAgentID: {ID: DefaultAgentID},
		},
		live: make(map[types.SessionID]*session),
	}
	return o, nil
}

// RegisterAgent adds or replaces an agent profile.
func (o *Orchestrator) RegisterAgent(profile AgentProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("%w: agent ID cannot be empty", types.ErrAgentNotFound)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	p := profile
	o.agents[profile.ID] = &p
	return nil
}

// AddPermissionHook appends a hook to the shared chain. The hook
// applies to all sessions, existing and future.
func (o *Orchestrator) AddPermissionHook(h permission.Hook) {
	o.hooks.Add(h)
}

// SetApprovalHandler replaces the approver used for escalations. By
// default escalations park in the pending-approval queue until resolved
// via ResolveApproval.
func (o *Orchestrator) SetApprovalHandler(h permission.Approver) {
	o.approver.Set(h)
}

// ResolveApproval answers a pending escalation by request ID. It
// reports whether the request was still pending.
func (o *Orchestrator) ResolveApproval(requestID string, decision types.ApprovalDecision) bool {
	return o.pending.Resolve(requestID, decision)
}

// ListPendingApprovals returns the request IDs awaiting a decision.
func (o *Orchestrator) ListPendingApprovals() []string {
	return o.pending.Pending()
}

// CreateSessionOptions configures a new session. Zero values fall back
// to the agent profile, then the runtime configuration.
type CreateSessionOptions struct {
	AgentID        string
	WorkspaceRoot  string
	SandboxMode    types.SandboxMode
	PermissionMode types.PermissionMode
	Policy         *types.SandboxPolicy
}

// CreateSession resolves the agent profile, selects a sandbox provider
// fail-closed, and persists a session record. The sandbox handle itself
// is provisioned lazily on the first allowed tool call.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateSessionOptions) (types.SessionID, error) {
	agentID := opts.AgentID
	if agentID == "" {
		agentID = DefaultAgentID
	}
	o.mu.Lock()
	profile, ok := o.agents[agentID]
	o.mu.Unlock()
	if !ok {
		return types.SessionID{}, fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}

	mode := opts.SandboxMode
	if mode == "" {
		mode = profile.SandboxMode
	}
	if mode == "" {
		var ok bool
		mode, ok = types.ParseSandboxMode(o.cfg.Sandbox.Mode)
		if !ok {
			return types.SessionID{}, fmt.Errorf("%w: unknown sandbox mode %q", types.ErrInvalidPolicy, o.cfg.Sandbox.Mode)
		}
	}

	permMode := opts.PermissionMode
	if permMode == "" {
		permMode = profile.PermissionMode
	}
	if permMode == "" {
		permMode = types.PermissionMode(o.cfg.Permission.Mode)
	}

	root := opts.WorkspaceRoot
	if root == "" {
		root = o.cfg.Workspace.Root
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return types.SessionID{}, fmt.Errorf("resolving workspace root: %w", err)
	}

	var policy types.SandboxPolicy
	switch {
	case opts.Policy != nil:
		policy = *opts.Policy
	case profile.Policy != nil:
		policy = *profile.Policy
	default:
		policy = sandbox.PolicyForMode(mode)
	}
	policy.Filesystem.AllowWrite = append(policy.Filesystem.AllowWrite, o.cfg.Sandbox.WritableRoots...)

	provider, err := sandbox.Select(ctx, mode, o.cfg.Sandbox.Provider, o.providers)
	if err != nil {
		return types.SessionID{}, err
	}

	now := time.Now()
	record := &state.Session{
		ID:             uuid.New(),
		AgentID:        agentID,
		WorkspaceRoot:  root,
		SandboxMode:    mode,
		PermissionMode: permMode,
		Provider:       provider.Name(),
		Policy:         &policy,
		State:          state.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.sessions.Create(ctx, record); err != nil {
		return types.SessionID{}, err
	}

	sess := &session{
		record:   record,
		profile:  profile,
		policy:   policy,
		provider: provider,
		engine:   o.newEngine(permMode),
	}
	o.mu.Lock()
	o.live[record.ID] = sess
	o.mu.Unlock()

	logging.Info("session created",
		logging.String("session_id", record.ID.String()),
		logging.String("agent_id", agentID),
		logging.String("provider", provider.Name()),
		logging.String("sandbox_mode", string(mode)),
	)
	return record.ID, nil
}

// ResumeSession loads a persisted session back into memory. Resuming an
// already live or closed session is an error.
func (o *Orchestrator) ResumeSession(ctx context.Context, id types.SessionID) error {
	o.mu.Lock()
	_, live := o.live[id]
	o.mu.Unlock()
	if live {
		return fmt.Errorf("%w: session %s is already active", types.ErrInvalidState, id)
	}

	record, err := o.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.State == state.SessionClosed {
		return fmt.Errorf("%w: session %s is closed", types.ErrInvalidState, id)
	}

	o.mu.Lock()
	profile, ok := o.agents[record.AgentID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, record.AgentID)
	}

	provider, err := sandbox.Select(ctx, record.SandboxMode, record.Provider, o.providers)
	if err != nil {
		return err
	}

	// Records written before policies were persisted fall back to the
	// mode preset.
	policy := sandbox.PolicyForMode(record.SandboxMode)
	if record.Policy != nil {
		policy = *record.Policy
	}

	sess := &session{
		record:   record,
		profile:  profile,
		policy:   policy,
		provider: provider,
		engine:   o.newEngine(record.PermissionMode),
	}
	o.mu.Lock()
	o.live[id] = sess
	o.mu.Unlock()
	return nil
}

// ListSessions returns persisted session records, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context, limit, offset int) ([]*state.Session, error) {
	return o.sessions.List(ctx, limit, offset)
}

// CloseSession tears down the session's sandbox handle and marks the
// record closed. The record stays listable.
func (o *Orchestrator) CloseSession(ctx context.Context, id types.SessionID) error {
	o.mu.Lock()
	sess, ok := o.live[id]
	delete(o.live, id)
	o.mu.Unlock()

	if ok {
		sess.teardown(ctx)
		sess.record.State = state.SessionClosed
		if err := o.sessions.Update(ctx, sess.record); err != nil {
			return err
		}
		return nil
	}

	record, err := o.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	record.State = state.SessionClosed
	return o.sessions.Update(ctx, record)
}

// DeleteSession removes the session entirely: the sandbox handle, the
// persisted record, and every cached permission decision for it.
func (o *Orchestrator) DeleteSession(ctx context.Context, id types.SessionID) error {
	o.mu.Lock()
	sess, ok := o.live[id]
	delete(o.live, id)
	o.mu.Unlock()

	if ok {
		sess.teardown(ctx)
	}
	o.cache.Forget(id)
	return o.sessions.Delete(ctx, id)
}

// Close shuts the orchestrator down: every live session is closed and
// the shared permission state is released.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	live := make([]*session, 0, len(o.live))
	for id, sess := range o.live {
		live = append(live, sess)
		delete(o.live, id)
	}
	o.mu.Unlock()

	for _, sess := range live {
		sess.teardown(ctx)
		sess.record.State = state.SessionClosed
		if err := o.sessions.Update(ctx, sess.record); err != nil {
			logging.Error("failed to persist session on close",
				logging.String("session_id", sess.record.ID.String()),
				logging.Err(err),
			)
		}
	}

	o.cache.Close()
	var err error
	if o.permStore != nil {
		err = o.permStore.Close()
	}
	o.events.Close()
	return err
}

// Events returns the orchestrator's event bus.
func (o *Orchestrator) Events() *events.Bus {
	return o.events
}

func (o *Orchestrator) newEngine(mode types.PermissionMode) *permission.Engine {
	return permission.NewEngine(permission.Options{
		Mode:            mode,
		Hooks:           []permission.Hook{o.hooks},
		Rules:           o.rules,
		Cache:           o.cache,
		Store:           o.permStore,
		Approver:        o.approver,
		ApprovalTimeout: o.cfg.Permission.GetApprovalTimeout(),
		Events:          o.events,
		Metrics:         o.metrics,
	})
}

func (o *Orchestrator) session(id types.SessionID) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return sess, nil
}

// handleFor returns the session's sandbox handle, provisioning it on
// first use.
func (s *session) handleFor(ctx context.Context, o *Orchestrator) (sandbox.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return s.handle, nil
	}

	handle, err := s.provider.Prepare(ctx, &sandbox.PrepareSpec{
		SessionID:     s.record.ID,
		Mode:          s.record.SandboxMode,
		WorkspaceRoot: s.record.WorkspaceRoot,
		Policy:        s.policy,
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.SandboxFailures.WithLabelValues(s.provider.Name()).Inc()
		}
		return nil, err
	}
	s.handle = handle
	return handle, nil
}

func (s *session) teardown(ctx context.Context) {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Teardown(ctx); err != nil {
		logging.Error("sandbox teardown failed",
			logging.String("session_id", s.record.ID.String()),
			logging.String("provider", handle.Provider()),
			logging.Err(err),
		)
	}
}

// hookChain is a mutable, concurrency-safe hook list evaluated in
// registration order. The first non-abstaining result wins.
type hookChain struct {
	mu    sync.RWMutex
	hooks []permission.Hook
}

var _ permission.Hook = (*hookChain)(nil)

func (c *hookChain) Add(h permission.Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Name implements permission.Hook.
func (c *hookChain) Name() string {
	return "orchestrator-hooks"
}

// Evaluate implements permission.Hook.
func (c *hookChain) Evaluate(ctx context.Context, pctx types.PermissionContext, req types.PermissionRequest) (permission.HookResult, error) {
	c.mu.RLock()
	hooks := make([]permission.Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.RUnlock()

	for _, h := range hooks {
		result, err := h.Evaluate(ctx, pctx, req)
		if err != nil {
			return permission.Abstain, fmt.Errorf("%s: %w", h.Name(), err)
		}
		if result.Decision != permission.HookAbstain {
			return result, nil
		}
	}
	return permission.Abstain, nil
}

// approverRef is a swappable approver shared by all session engines.
type approverRef struct {
	mu      sync.RWMutex
	handler permission.Approver
}

var _ permission.Approver = (*approverRef)(nil)

func (a *approverRef) Set(h permission.Approver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// RequestApproval implements permission.Approver.
func (a *approverRef) RequestApproval(ctx context.Context, requestID string, pctx types.PermissionContext, req types.PermissionRequest) (types.ApprovalDecision, error) {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h == nil {
		return types.ApproveDeny, nil
	}
	return h.RequestApproval(ctx, requestID, pctx, req)
}
