package policy_test

import (
	"testing"

	"github.com/rkvantis/inferd/internal/config"
	"github.com/rkvantis/inferd/internal/policy"
	"github.com/rkvantis/inferd/pkg/types"
)

func TestFailover_FiltersIneligible(t *testing.T) {
	p := policy.New(config.StrategyFailover)
	candidates := []policy.Candidate{
		{ProviderID: "a", Healthy: true},
		{ProviderID: "b", Healthy: false},
		{ProviderID: "c", Healthy: true, BreakerOpen: true},
	}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if len(ranked) != 1 || ranked[0].ProviderID != "a" {
		t.Fatalf("expected only 'a' eligible, got %+v", ranked)
	}
}

func TestFailover_PreferredProviderFirst(t *testing.T) {
	p := policy.New(config.StrategyFailover)
	candidates := []policy.Candidate{
		{ProviderID: "a", Healthy: true},
		{ProviderID: "b", Healthy: true},
	}
	ranked := p.Rank(types.InferenceRequest{PreferredProvider: "b"}, candidates)
	if ranked[0].ProviderID != "b" {
		t.Fatalf("expected 'b' first, got %+v", ranked)
	}
}

func TestUserSelected_OnlyReturnsPreferred(t *testing.T) {
	p := policy.New(config.StrategyUserSelected)
	candidates := []policy.Candidate{
		{ProviderID: "a", Healthy: true},
		{ProviderID: "b", Healthy: true},
	}
	ranked := p.Rank(types.InferenceRequest{PreferredProvider: "b"}, candidates)
	if len(ranked) != 1 || ranked[0].ProviderID != "b" {
		t.Fatalf("expected only 'b', got %+v", ranked)
	}
}

func TestLeastLoaded_OrdersByLoad(t *testing.T) {
	p := policy.New(config.StrategyLeastLoaded)
	candidates := []policy.Candidate{
		{ProviderID: "busy", Healthy: true, CurrentLoad: 10},
		{ProviderID: "idle", Healthy: true, CurrentLoad: 1},
	}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if ranked[0].ProviderID != "idle" {
		t.Fatalf("expected 'idle' first, got %+v", ranked)
	}
}

func TestCostOptimized_OrdersByCost(t *testing.T) {
	p := policy.New(config.StrategyCostOptimized)
	candidates := []policy.Candidate{
		{ProviderID: "expensive", Healthy: true, CostPerMillionTokens: 20},
		{ProviderID: "cheap", Healthy: true, CostPerMillionTokens: 2},
	}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if ranked[0].ProviderID != "cheap" {
		t.Fatalf("expected 'cheap' first, got %+v", ranked)
	}
}

func TestLatencyOptimized_OrdersByLatency(t *testing.T) {
	p := policy.New(config.StrategyLatencyOptimized)
	candidates := []policy.Candidate{
		{ProviderID: "slow", Healthy: true, P95LatencyMs: 900},
		{ProviderID: "fast", Healthy: true, P95LatencyMs: 90},
	}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if ranked[0].ProviderID != "fast" {
		t.Fatalf("expected 'fast' first, got %+v", ranked)
	}
}

func TestRoundRobin_ReturnsAllEligible(t *testing.T) {
	p := policy.New(config.StrategyRoundRobin)
	candidates := []policy.Candidate{
		{ProviderID: "a", Healthy: true},
		{ProviderID: "b", Healthy: true},
		{ProviderID: "c", Healthy: true},
	}
	ranked := p.Rank(types.InferenceRequest{RequestID: "req-1"}, candidates)
	if len(ranked) != 3 {
		t.Fatalf("expected all 3 candidates returned, got %d", len(ranked))
	}
}

func TestWeightedRandom_ReturnsAllEligible(t *testing.T) {
	p := policy.New(config.StrategyWeightedRandom)
	candidates := []policy.Candidate{
		{ProviderID: "a", Healthy: true, Weight: 0.9},
		{ProviderID: "b", Healthy: true, Weight: 0.1},
	}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 candidates returned, got %d", len(ranked))
	}
}

func TestScored_OrdersByCompositeScore(t *testing.T) {
	p := policy.New(config.StrategyScored)
	candidates := []policy.Candidate{
		{ProviderID: "worse", Healthy: true, CurrentLoad: 10, P95LatencyMs: 900, CostPerMillionTokens: 20},
		{ProviderID: "better", Healthy: true, CurrentLoad: 1, P95LatencyMs: 90, CostPerMillionTokens: 2},
	}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if ranked[0].ProviderID != "better" {
		t.Fatalf("expected 'better' first, got %+v", ranked)
	}
}

func TestUnknownStrategy_FallsBackToFailover(t *testing.T) {
	p := policy.New(config.Strategy("BOGUS"))
	candidates := []policy.Candidate{{ProviderID: "a", Healthy: true}}
	ranked := p.Rank(types.InferenceRequest{}, candidates)
	if len(ranked) != 1 {
		t.Fatalf("expected fallback to return eligible candidates, got %+v", ranked)
	}
}
