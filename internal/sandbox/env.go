package sandbox

import (
	"os"
	"sort"
	"strings"

	"github.com/odysseyml/odyssey/pkg/types"
)

// BuildEnv computes the environment for a sandboxed command. The host
// environment is filtered through the policy's allow and deny lists,
// policy Set entries are layered on top, then per-command overrides win.
func BuildEnv(policy *types.EnvPolicy, override map[string]string) []string {
	env := make(map[string]string)

	denied := make(map[string]bool, len(policy.Deny))
	for _, k := range policy.Deny {
		denied[k] = true
	}

	if len(policy.Allow) > 0 {
		for _, k := range policy.Allow {
			if denied[k] {
				continue
			}
			if v, ok := os.LookupEnv(k); ok {
				env[k] = v
			}
		}
	} else {
		for _, kv := range os.Environ() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || denied[k] {
				continue
			}
			env[k] = v
		}
	}

	for k, v := range policy.Set {
		env[k] = v
	}
	for k, v := range override {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
