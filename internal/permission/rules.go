package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/odysseyml/odyssey/internal/config"
	"github.com/odysseyml/odyssey/pkg/types"
)

// Rule is one compiled static rule. Exactly one matcher is active.
type Rule struct {
	Action types.PermissionAction
	Reason string

	tool    string
	path    string
	access  types.AccessMode
	command []string
}

// CompileRules validates and compiles config rules. Rules are
// partitioned so that deny rules are always consulted before allow
// rules, and allow rules before ask rules, regardless of config order.
func CompileRules(rules []config.PermissionRule) ([]Rule, error) {
	compiled := make([]Rule, 0, len(rules))
	for i, r := range rules {
		matchers := 0
		if r.Tool != "" {
			matchers++
		}
		if r.Path != "" {
			matchers++
		}
		if r.Command != "" {
			matchers++
		}
		if matchers != 1 {
			return nil, fmt.Errorf("rule %d: exactly one of tool, path, command must be set", i)
		}

		rule := Rule{
			Action: types.PermissionAction(r.Action),
			Reason: r.Reason,
			tool:   r.Tool,
			path:   r.Path,
			access: types.AccessMode(r.Access),
		}
		if r.Path != "" {
			if _, err := filepath.Match(r.Path, "/probe"); err != nil {
				return nil, fmt.Errorf("rule %d: invalid path pattern %q: %v", i, r.Path, err)
			}
		}
		if r.Command != "" {
			rule.command = strings.Fields(r.Command)
		}
		compiled = append(compiled, rule)
	}

	ordered := make([]Rule, 0, len(compiled))
	for _, action := range []types.PermissionAction{types.ActionDeny, types.ActionAllow, types.ActionAsk} {
		for _, r := range compiled {
			if r.Action == action {
				ordered = append(ordered, r)
			}
		}
	}
	return ordered, nil
}

// Matches reports whether the rule applies to the request.
func (r *Rule) Matches(req types.PermissionRequest) bool {
	switch {
	case r.tool != "":
		return req.Kind == types.RequestTool && req.Tool == r.tool
	case r.path != "":
		if req.Kind != types.RequestPath && req.Kind != types.RequestExternalPath {
			return false
		}
		if r.access != "" && r.access != req.Access {
			return false
		}
		ok, err := filepath.Match(r.path, req.Path)
		return err == nil && ok
	case len(r.command) > 0:
		if req.Kind != types.RequestCommand || len(req.Argv) < len(r.command) {
			return false
		}
		for i, word := range r.command {
			if req.Argv[i] != word {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EvaluateRules returns the first matching rule's action, or ok=false
// when no rule matches.
func EvaluateRules(rules []Rule, req types.PermissionRequest) (types.PermissionAction, string, bool) {
	for i := range rules {
		if rules[i].Matches(req) {
			reason := rules[i].Reason
			if reason == "" && rules[i].Action == types.ActionDeny {
				reason = "denied by rule"
			}
			return rules[i].Action, reason, true
		}
	}
	return "", "", false
}
