package config_test

import (
	"strings"
	"testing"

	"github.com/rkvantis/inferd/internal/config"
)

func TestValidate_MultiplePoolErrors(t *testing.T) {
	t.Parallel()
	yaml := `
routing:
  pools:
    - type: WEIRD
      strategy: UNKNOWN_STRATEGY
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "id is required") {
		t.Errorf("error should mention missing id, got: %v", err)
	}
	if !strings.Contains(errStr, "type") {
		t.Errorf("error should mention invalid type, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	found := false
	for _, n := range config.ValidProviderNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames should contain \"openai\"")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestApplyDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	t.Parallel()
	yaml := `
routing:
  maxRetries: 7
circuitBreaker:
  failureThreshold: 9
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routing.MaxRetries != 7 {
		t.Errorf("expected explicit maxRetries 7 preserved, got %d", cfg.Routing.MaxRetries)
	}
	if cfg.CircuitBreaker.FailureThreshold != 9 {
		t.Errorf("expected explicit failureThreshold 9 preserved, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	// Untouched fields still get defaults.
	if cfg.CircuitBreaker.HalfOpenPermits != 3 {
		t.Errorf("expected default halfOpenPermits 3, got %d", cfg.CircuitBreaker.HalfOpenPermits)
	}
}
