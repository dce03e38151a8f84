package sandbox

import (
	"strings"
	"testing"

	"github.com/odysseyml/odyssey/pkg/types"
)

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestBuildEnv_AllowListFilters(t *testing.T) {
	t.Setenv("ODYSSEY_TEST_KEEP", "yes")
	t.Setenv("ODYSSEY_TEST_DROP", "no")

	policy := &types.EnvPolicy{Allow: []string{"ODYSSEY_TEST_KEEP"}}
	env := BuildEnv(policy, nil)

	if v, ok := envValue(env, "ODYSSEY_TEST_KEEP"); !ok || v != "yes" {
		t.Errorf("allowed variable missing, env = %v", env)
	}
	if _, ok := envValue(env, "ODYSSEY_TEST_DROP"); ok {
		t.Error("variable outside allow list leaked through")
	}
}

func TestBuildEnv_DenyBeatsAllow(t *testing.T) {
	t.Setenv("ODYSSEY_TEST_SECRET", "hunter2")

	policy := &types.EnvPolicy{
		Allow: []string{"ODYSSEY_TEST_SECRET"},
		Deny:  []string{"ODYSSEY_TEST_SECRET"},
	}
	env := BuildEnv(policy, nil)

	if _, ok := envValue(env, "ODYSSEY_TEST_SECRET"); ok {
		t.Error("denied variable leaked through")
	}
}

func TestBuildEnv_SetAndOverride(t *testing.T) {
	policy := &types.EnvPolicy{
		Allow: []string{"ODYSSEY_TEST_ABSENT"},
		Set:   map[string]string{"FOO": "from-policy", "BAR": "base"},
	}
	env := BuildEnv(policy, map[string]string{"FOO": "from-command"})

	if v, _ := envValue(env, "FOO"); v != "from-command" {
		t.Errorf("command override should win, got FOO=%q", v)
	}
	if v, _ := envValue(env, "BAR"); v != "base" {
		t.Errorf("policy set value missing, got BAR=%q", v)
	}
}

func TestBuildEnv_Sorted(t *testing.T) {
	policy := &types.EnvPolicy{
		Allow: []string{"ODYSSEY_TEST_ABSENT"},
		Set:   map[string]string{"B": "2", "A": "1", "C": "3"},
	}
	env := BuildEnv(policy, nil)

	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			t.Fatalf("env not sorted: %v", env)
		}
	}
}
