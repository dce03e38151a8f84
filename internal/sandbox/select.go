package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/pkg/types"
)

// LocalProviderName identifies the provider that runs commands without
// isolation. It is only eligible in danger-full-access mode.
const LocalProviderName = "local"

// Select picks a provider for the given mode. A concrete preference is
// honored only if the provider's dependencies are satisfied; "auto"
// probes the registry in order. Selection fails closed: when no
// isolating provider is usable for an isolating mode, the error reports
// what is missing instead of degrading to unisolated execution.
func Select(ctx context.Context, mode types.SandboxMode, preferred string, registry []Provider) (Provider, error) {
	byName := make(map[string]Provider, len(registry))
	for _, p := range registry {
		byName[p.Name()] = p
	}

	if preferred != "" && preferred != "auto" {
		p, ok := byName[preferred]
		if !ok {
			return nil, fmt.Errorf("%w: provider %q is not registered", types.ErrNoProvider, preferred)
		}
		if p.Name() == LocalProviderName && mode != types.ModeDangerFullAccess {
			return nil, fmt.Errorf("%w: provider %q offers no isolation and requires danger-full-access mode", types.ErrNoProvider, preferred)
		}
		report := p.Available(ctx)
		if !report.OK {
			return nil, fmt.Errorf("%w: provider %q unavailable: %s", types.ErrDependencyMissing, preferred, report.Detail)
		}
		return p, nil
	}

	if mode == types.ModeDangerFullAccess {
		if p, ok := byName[LocalProviderName]; ok {
			return p, nil
		}
	}

	var failures []string
	for _, p := range registry {
		if p.Name() == LocalProviderName {
			continue
		}
		report := p.Available(ctx)
		if report.OK {
			logging.Debug("selected sandbox provider", logging.String("provider", p.Name()))
			return p, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %s", p.Name(), report.Detail))
	}

	if len(failures) == 0 {
		return nil, fmt.Errorf("%w: no isolating providers registered", types.ErrNoProvider)
	}
	return nil, fmt.Errorf("%w: %s", types.ErrNoProvider, strings.Join(failures, "; "))
}

// Doctor probes every registered provider and returns the reports in
// registry order.
func Doctor(ctx context.Context, registry []Provider) []DependencyReport {
	reports := make([]DependencyReport, 0, len(registry))
	for _, p := range registry {
		reports = append(reports, p.Available(ctx))
	}
	return reports
}
