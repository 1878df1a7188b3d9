package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known adapter names recognized by the built-in
// [Registry]. Used by [Validate] to warn about unrecognized provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "anyllm"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the defaults named in spec §6.3 for any field left
// at its zero value.
func applyDefaults(cfg *Config) {
	if cfg.Routing.DefaultStrategy == "" {
		cfg.Routing.DefaultStrategy = StrategyFailover
	}
	if cfg.Routing.MaxRetries == 0 {
		cfg.Routing.MaxRetries = 3
	}

	if cfg.RunnerFactory.MaxPoolSize == 0 {
		cfg.RunnerFactory.MaxPoolSize = 10
	}
	if cfg.RunnerFactory.IdleTimeout == 0 {
		cfg.RunnerFactory.IdleTimeout = 15 * time.Minute
	}

	if cfg.Session.MaxConcurrent == 0 {
		cfg.Session.MaxConcurrent = 10
	}
	if cfg.Session.MaxIdle == 0 {
		cfg.Session.MaxIdle = 15 * time.Minute
	}
	if cfg.Session.MaxAge == 0 {
		cfg.Session.MaxAge = 60 * time.Minute
	}
	if cfg.Session.WarmPoolSize == 0 {
		cfg.Session.WarmPoolSize = 2
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.FailureRateThreshold == 0 {
		cfg.CircuitBreaker.FailureRateThreshold = 0.5
	}
	if cfg.CircuitBreaker.SlidingWindowSize == 0 {
		cfg.CircuitBreaker.SlidingWindowSize = 10
	}
	if cfg.CircuitBreaker.OpenDuration == 0 {
		cfg.CircuitBreaker.OpenDuration = 60 * time.Second
	}
	if cfg.CircuitBreaker.HalfOpenPermits == 0 {
		cfg.CircuitBreaker.HalfOpenPermits = 3
	}
	if cfg.CircuitBreaker.HalfOpenSuccessThreshold == 0 {
		cfg.CircuitBreaker.HalfOpenSuccessThreshold = 2
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.Routing.DefaultStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("routing.defaultStrategy %q is invalid", cfg.Routing.DefaultStrategy))
	}
	if cfg.Routing.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("routing.maxRetries must be >= 0, got %d", cfg.Routing.MaxRetries))
	}

	for i, pool := range cfg.Routing.Pools {
		prefix := fmt.Sprintf("routing.pools[%d]", i)
		if pool.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		}
		if !pool.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: CLOUD, LOCAL", prefix, pool.Type))
		}
		if !pool.Strategy.IsValid() {
			errs = append(errs, fmt.Errorf("%s.strategy %q is invalid", prefix, pool.Strategy))
		}
		if pool.Strategy == StrategyWeightedRandom && len(pool.Weights) == 0 {
			errs = append(errs, fmt.Errorf("%s: strategy WEIGHTED_RANDOM requires weights", prefix))
		}
		for _, providerID := range pool.Providers {
			if _, ok := cfg.Providers[providerID]; !ok {
				errs = append(errs, fmt.Errorf("%s references unknown provider %q", prefix, providerID))
			}
		}
	}

	if cfg.CircuitBreaker.FailureRateThreshold <= 0 || cfg.CircuitBreaker.FailureRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("circuitBreaker.failureRateThreshold must be in (0, 1], got %v", cfg.CircuitBreaker.FailureRateThreshold))
	}
	if cfg.CircuitBreaker.HalfOpenSuccessThreshold > cfg.CircuitBreaker.HalfOpenPermits {
		errs = append(errs, fmt.Errorf("circuitBreaker.halfOpenSuccessThreshold (%d) must be <= halfOpenPermits (%d)",
			cfg.CircuitBreaker.HalfOpenSuccessThreshold, cfg.CircuitBreaker.HalfOpenPermits))
	}

	for id, entry := range cfg.Providers {
		validateProviderName(id, entry.Name)
		if entry.APIKey == "" && entry.Name != "ollama" {
			slog.Warn("provider has no apiKey configured", "provider", id, "adapter", entry.Name)
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(providerID, name string) {
	if name == "" {
		return
	}
	for _, known := range ValidProviderNames {
		if known == name {
			return
		}
	}
	slog.Warn("unknown adapter name — may be a typo or third-party provider",
		"provider", providerID,
		"adapter", name,
		"known", ValidProviderNames,
	)
}
