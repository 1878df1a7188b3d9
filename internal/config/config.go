// Package config provides the configuration schema, loader, and provider
// registry for the inferd dispatch plane.
package config

import "time"

// Config is the root configuration structure for inferd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig           `yaml:"server"`
	Routing        RoutingConfig          `yaml:"routing"`
	RunnerFactory  RunnerFactoryConfig    `yaml:"runnerFactory"`
	Session        SessionConfig          `yaml:"session"`
	CircuitBreaker CircuitBreakerConfig   `yaml:"circuitBreaker"`
	Quota          QuotaConfig            `yaml:"quota"`
	Manifest       ManifestConfig         `yaml:"manifest"`
	Providers      map[string]ProviderEntry `yaml:"providers"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the health (/healthz, /readyz) and
	// /metrics endpoints listen on; empty disables that HTTP server. The
	// inference API itself is not served on it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// Strategy names a selection policy for the Router (spec §4.6 / §6.3).
type Strategy string

const (
	StrategyFailover          Strategy = "FAILOVER"
	StrategyScored            Strategy = "SCORED"
	StrategyRoundRobin        Strategy = "ROUND_ROBIN"
	StrategyWeightedRandom    Strategy = "WEIGHTED_RANDOM"
	StrategyLeastLoaded       Strategy = "LEAST_LOADED"
	StrategyCostOptimized     Strategy = "COST_OPTIMIZED"
	StrategyLatencyOptimized Strategy = "LATENCY_OPTIMIZED"
	StrategyUserSelected      Strategy = "USER_SELECTED"
)

// IsValid reports whether s is one of the recognized strategies.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyFailover, StrategyScored, StrategyRoundRobin, StrategyWeightedRandom,
		StrategyLeastLoaded, StrategyCostOptimized, StrategyLatencyOptimized, StrategyUserSelected, "":
		return true
	default:
		return false
	}
}

// PoolType classifies a routing pool per spec §6.3.
type PoolType string

const (
	PoolTypeCloud PoolType = "CLOUD"
	PoolTypeLocal PoolType = "LOCAL"
)

// IsValid reports whether t is a recognized pool type.
func (t PoolType) IsValid() bool {
	switch t {
	case PoolTypeCloud, PoolTypeLocal, "":
		return true
	default:
		return false
	}
}

// RoutingConfig controls the Router's (C7) default behavior and the named
// provider pools candidates are drawn from.
type RoutingConfig struct {
	// DefaultStrategy selects the Policy used when a request does not
	// specify its own strategy. Defaults to FAILOVER.
	DefaultStrategy Strategy `yaml:"defaultStrategy"`

	// MaxRetries caps failover attempts across candidate providers.
	MaxRetries int `yaml:"maxRetries"`

	// AutoFailover is parsed from YAML but not passed to the router, which
	// advances to the next candidate on every retryable error whatever its
	// value.
	AutoFailover bool `yaml:"autoFailover"`

	// Pools groups providers into named routing pools.
	Pools []PoolConfig `yaml:"pools"`
}

// PoolConfig describes one named routing pool.
type PoolConfig struct {
	ID        string             `yaml:"id"`
	Type      PoolType           `yaml:"type"`
	Providers []string           `yaml:"providers"`
	Strategy  Strategy           `yaml:"strategy"`
	Weights   map[string]float64 `yaml:"weights"`
}

// RunnerFactoryConfig controls the warm runner cache (C5).
type RunnerFactoryConfig struct {
	MaxPoolSize int           `yaml:"maxPoolSize"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// SessionConfig controls the per-(model,tenant) session pool (C4).
type SessionConfig struct {
	MaxConcurrent int           `yaml:"maxConcurrent"`
	MaxIdle       time.Duration `yaml:"maxIdle"`
	MaxAge        time.Duration `yaml:"maxAge"`

	// ReuseEnabled defaults to true when left unset in YAML; a pointer is
	// needed to distinguish "unset" from an explicit "false", since the
	// spec's documented default is true rather than Go's bool zero value.
	ReuseEnabled *bool `yaml:"reuseEnabled"`
	WarmPoolSize int   `yaml:"warmPoolSize"`
}

// Reuse reports the effective ReuseEnabled value, defaulting to true.
func (c SessionConfig) Reuse() bool {
	return c.ReuseEnabled == nil || *c.ReuseEnabled
}

// CircuitBreakerConfig controls the breaker parameters (C2) applied to every
// provider's breaker; there is no per-provider override.
type CircuitBreakerConfig struct {
	FailureThreshold         int           `yaml:"failureThreshold"`
	FailureRateThreshold     float64       `yaml:"failureRateThreshold"`
	SlidingWindowSize        int           `yaml:"slidingWindowSize"`
	OpenDuration             time.Duration `yaml:"openDuration"`
	HalfOpenPermits          int           `yaml:"halfOpenPermits"`
	HalfOpenSuccessThreshold int           `yaml:"halfOpenSuccessThreshold"`
}

// QuotaConfig controls the per-tenant quota enforcer (C3).
type QuotaConfig struct {
	// WindowSize is the sliding window over which counters are tracked.
	WindowSize time.Duration `yaml:"windowSize"`

	// DefaultLimits maps resource kind ("requests", "inputTokens",
	// "outputTokens", "concurrent") to its default per-tenant limit.
	DefaultLimits map[string]int64 `yaml:"defaultLimits"`

	// TenantOverrides maps a tenant ID to resource-kind limit overrides.
	TenantOverrides map[string]map[string]int64 `yaml:"tenantOverrides"`

	// PostgresDSN, when set, backs the quota counters with a Postgres store
	// for multi-process clustered deployments instead of the in-memory store.
	PostgresDSN string `yaml:"postgresDsn"`
}

// ManifestConfig controls where model manifests (used by the selection
// policy and runner factory to filter candidates) are persisted.
type ManifestConfig struct {
	// PostgresDSN, when set, backs the manifest repository with a Postgres +
	// pgvector store instead of the in-memory one, so manifests (including
	// their description embeddings) survive restarts and stay consistent
	// across multiple inferd instances sharing one control plane.
	PostgresDSN string `yaml:"postgresDsn"`
}

// ProviderEntry is the configuration block for a single named provider
// instance. Name selects which adapter constructor (registered in
// [Registry]) to use; the map key in Config.Providers is the providerId
// referenced by RoutingConfig pools.
type ProviderEntry struct {
	// Name selects the registered adapter implementation
	// (e.g., "openai", "anthropic", "ollama", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"apiKey"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"baseUrl"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]string `yaml:"options"`
}
