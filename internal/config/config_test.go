package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rkvantis/inferd/internal/config"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

routing:
  defaultStrategy: FAILOVER
  maxRetries: 3
  autoFailover: true
  pools:
    - id: primary
      type: CLOUD
      providers: [openai-main]
      strategy: FAILOVER

providers:
  openai-main:
    name: openai
    apiKey: sk-test
    model: gpt-4o
  local-llama:
    name: ollama
    baseUrl: http://127.0.0.1:11434
    model: llama3
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogLevelInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogLevelInfo)
	}
	if cfg.Providers["openai-main"].Name != "openai" {
		t.Errorf("providers[openai-main].name: got %q, want %q", cfg.Providers["openai-main"].Name, "openai")
	}
	if len(cfg.Routing.Pools) != 1 {
		t.Fatalf("routing.pools: got %d, want 1", len(cfg.Routing.Pools))
	}
	if cfg.Routing.Pools[0].ID != "primary" {
		t.Errorf("routing.pools[0].id: got %q", cfg.Routing.Pools[0].ID)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed and pick up defaults.
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Routing.DefaultStrategy != config.StrategyFailover {
		t.Errorf("expected default strategy FAILOVER, got %q", cfg.Routing.DefaultStrategy)
	}
	if cfg.Routing.MaxRetries != 3 {
		t.Errorf("expected default maxRetries 3, got %d", cfg.Routing.MaxRetries)
	}
	if cfg.RunnerFactory.MaxPoolSize != 10 {
		t.Errorf("expected default runnerFactory.maxPoolSize 10, got %d", cfg.RunnerFactory.MaxPoolSize)
	}
	if cfg.Session.MaxConcurrent != 10 || cfg.Session.WarmPoolSize != 2 {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 || cfg.CircuitBreaker.HalfOpenPermits != 3 {
		t.Errorf("unexpected circuit breaker defaults: %+v", cfg.CircuitBreaker)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidStrategy(t *testing.T) {
	yaml := `
routing:
  defaultStrategy: RANDOM_GUESS
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid strategy, got nil")
	}
}

func TestValidate_PoolMissingID(t *testing.T) {
	yaml := `
routing:
  pools:
    - type: CLOUD
      strategy: FAILOVER
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing pool id, got nil")
	}
}

func TestValidate_PoolInvalidType(t *testing.T) {
	yaml := `
routing:
  pools:
    - id: p1
      type: EDGE
      strategy: FAILOVER
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid pool type, got nil")
	}
}

func TestValidate_PoolReferencesUnknownProvider(t *testing.T) {
	yaml := `
routing:
  pools:
    - id: p1
      type: CLOUD
      strategy: FAILOVER
      providers: [ghost]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown provider reference, got nil")
	}
}

func TestValidate_WeightedRandomRequiresWeights(t *testing.T) {
	yaml := `
routing:
  pools:
    - id: p1
      type: CLOUD
      strategy: WEIGHTED_RANDOM
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for WEIGHTED_RANDOM without weights, got nil")
	}
}

func TestValidate_HalfOpenSuccessExceedsPermits(t *testing.T) {
	yaml := `
circuitBreaker:
  halfOpenPermits: 2
  halfOpenSuccessThreshold: 5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for halfOpenSuccessThreshold > halfOpenPermits, got nil")
	}
}

func TestValidate_InvalidFailureRateThreshold(t *testing.T) {
	yaml := `
circuitBreaker:
  failureRateThreshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range failureRateThreshold, got nil")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownAdapter(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.Create(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown adapter")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredAdapter(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubProvider{}
	reg.Register("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.Create(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.Register("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.Create(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_CreateAndInitialize(t *testing.T) {
	reg := config.NewRegistry()
	reg.Register("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return &stubProvider{}, nil
	})
	p, err := reg.CreateAndInitialize(config.ProviderEntry{Name: "stub", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sp := p.(*stubProvider)
	if !sp.initialized {
		t.Error("expected Initialize to have been called")
	}
}

// ── stubProvider implements llm.Provider with no-op methods ──────────────────

type stubProvider struct {
	initialized bool
}

func (s *stubProvider) ID() string                         { return "stub" }
func (s *stubProvider) Capabilities() types.ProviderCapabilities { return types.ProviderCapabilities{} }
func (s *stubProvider) Supports(string, types.InferenceRequest) bool { return true }
func (s *stubProvider) Initialize(context.Context, llm.Config) error {
	s.initialized = true
	return nil
}
func (s *stubProvider) Infer(context.Context, types.InferenceRequest) (*types.InferenceResponse, error) {
	return &types.InferenceResponse{}, nil
}
func (s *stubProvider) InferStream(context.Context, types.InferenceRequest) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk)
	close(ch)
	return ch, nil
}
func (s *stubProvider) Health(context.Context) types.ProviderHealth { return types.ProviderHealth{} }
func (s *stubProvider) Shutdown(context.Context) error              { return nil }

var _ llm.Provider = (*stubProvider)(nil)
