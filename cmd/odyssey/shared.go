package main

import (
	"github.com/odysseyml/odyssey/internal/config"
	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/internal/sandbox"
	"github.com/odysseyml/odyssey/internal/sandbox/bwrap"
	"github.com/odysseyml/odyssey/internal/sandbox/docker"
	"github.com/odysseyml/odyssey/internal/sandbox/local"
)

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildProviders returns the provider registry in auto-probe order.
// Isolating providers come first; the local provider is only eligible
// in danger-full-access mode.
func buildProviders(cfg *config.Config) []sandbox.Provider {
	return []sandbox.Provider{
		bwrap.New(bwrap.Config{BwrapPath: cfg.Sandbox.BwrapPath}),
		docker.New(docker.Config{Image: cfg.Sandbox.DockerImage}),
		local.New(),
	}
}
