// Package policy implements the selection policy (C6): filtering the set of
// providers capable of serving a request down to an ordered candidate list,
// scored and sorted according to one of the router's configured strategies.
//
// Policy implementations never perform I/O — they operate purely on the
// [Candidate] snapshots the router assembles from provider metadata, breaker
// state, and live load/health gauges.
package policy

import (
	"math/rand/v2"
	"sort"

	"github.com/rkvantis/inferd/internal/config"
	"github.com/rkvantis/inferd/pkg/types"
)

// Candidate is a scored snapshot of one eligible provider for a request.
// The router builds a []Candidate from its registered providers, breakers,
// and live metrics before handing it to a Policy.
type Candidate struct {
	ProviderID string
	Weight     float64 // from PoolConfig.Weights; 0 if unweighted

	// CurrentLoad is the provider's in-flight request count.
	CurrentLoad int

	// P95LatencyMs is the provider's recent p95 latency, used by
	// LATENCY_OPTIMIZED.
	P95LatencyMs float64

	// CostPerMillionTokens is used by COST_OPTIMIZED; lower is cheaper.
	CostPerMillionTokens float64

	// SupportsDevice reports whether the candidate matches a request's
	// PreferredDevice. No strategy in this package reads it, so device
	// matching has no effect on ranking.
	SupportsDevice bool

	// Healthy reports the provider's last health probe result. Unhealthy
	// candidates are filtered out before scoring.
	Healthy bool

	// BreakerOpen reports whether the provider's circuit breaker currently
	// rejects calls. Open-breaker candidates are filtered out.
	BreakerOpen bool
}

// Policy orders a list of eligible candidates for one request, returning
// them ranked best-first. The router tries candidates in the returned order,
// advancing to the next on failure (spec.md §4.6/§4.7).
type Policy interface {
	// Rank filters out ineligible candidates (unhealthy, breaker-open) and
	// returns the remainder ordered best-first.
	Rank(req types.InferenceRequest, candidates []Candidate) []Candidate
}

// eligible reports whether a candidate may be considered at all, independent
// of strategy — an open breaker or failed health probe excludes a provider
// regardless of how the pool is configured to pick among the rest.
func eligible(c Candidate) bool {
	return c.Healthy && !c.BreakerOpen
}

// filterEligible returns the subset of candidates passing eligible, also
// moving any candidate matching req.PreferredProvider to the front — a
// preferred provider, when eligible, always ranks first (spec.md §4.6).
func filterEligible(req types.InferenceRequest, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	var preferred *Candidate
	for i := range candidates {
		c := candidates[i]
		if !eligible(c) {
			continue
		}
		if req.PreferredProvider != "" && c.ProviderID == req.PreferredProvider {
			preferred = &c
			continue
		}
		out = append(out, c)
	}
	if preferred != nil {
		out = append([]Candidate{*preferred}, out...)
	}
	return out
}

// New constructs the [Policy] implementation for strategy.
func New(strategy config.Strategy) Policy {
	switch strategy {
	case config.StrategyRoundRobin:
		return &roundRobin{}
	case config.StrategyWeightedRandom:
		return &weightedRandom{}
	case config.StrategyLeastLoaded:
		return &leastLoaded{}
	case config.StrategyCostOptimized:
		return &costOptimized{}
	case config.StrategyLatencyOptimized:
		return &latencyOptimized{}
	case config.StrategyUserSelected:
		return &userSelected{}
	case config.StrategyScored:
		return &scored{}
	case config.StrategyFailover:
		return &failover{}
	default:
		return &failover{}
	}
}

// scored combines load, latency, and cost into one composite score, each
// normalized to [0,1] against the candidate set's own range so no single
// dimension dominates just because its units happen to be larger.
type scored struct{}

func (scored) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	if len(ranked) <= 1 {
		return ranked
	}

	minLoad, maxLoad := minMaxLoad(ranked)
	minLat, maxLat := minMaxLatency(ranked)
	minCost, maxCost := minMaxCost(ranked)

	score := make([]float64, len(ranked))
	for i, c := range ranked {
		score[i] = normalize(float64(c.CurrentLoad), float64(minLoad), float64(maxLoad)) +
			normalize(c.P95LatencyMs, minLat, maxLat) +
			normalize(c.CostPerMillionTokens, minCost, maxCost)
	}

	idx := make([]int, len(ranked))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return score[idx[a]] < score[idx[b]] })
	out := make([]Candidate, len(ranked))
	for i, j := range idx {
		out[i] = ranked[j]
	}
	return promotePreferred(req, out)
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	return (v - min) / (max - min)
}

func minMaxLoad(cs []Candidate) (int, int) {
	min, max := cs[0].CurrentLoad, cs[0].CurrentLoad
	for _, c := range cs[1:] {
		if c.CurrentLoad < min {
			min = c.CurrentLoad
		}
		if c.CurrentLoad > max {
			max = c.CurrentLoad
		}
	}
	return min, max
}

func minMaxLatency(cs []Candidate) (float64, float64) {
	min, max := cs[0].P95LatencyMs, cs[0].P95LatencyMs
	for _, c := range cs[1:] {
		if c.P95LatencyMs < min {
			min = c.P95LatencyMs
		}
		if c.P95LatencyMs > max {
			max = c.P95LatencyMs
		}
	}
	return min, max
}

func minMaxCost(cs []Candidate) (float64, float64) {
	min, max := cs[0].CostPerMillionTokens, cs[0].CostPerMillionTokens
	for _, c := range cs[1:] {
		if c.CostPerMillionTokens < min {
			min = c.CostPerMillionTokens
		}
		if c.CostPerMillionTokens > max {
			max = c.CostPerMillionTokens
		}
	}
	return min, max
}

// failover keeps the configured pool order (as filterEligible left it,
// modulo the PreferredProvider promotion) and walks it front-to-back on
// failure. It is the default strategy (spec.md §6.3).
type failover struct{}

func (failover) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	return filterEligible(req, candidates)
}

// userSelected only ever returns the caller's PreferredProvider, if eligible
// — no failover is attempted. With no PreferredProvider set it returns every
// eligible candidate in pool order.
type userSelected struct{}

func (userSelected) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	if req.PreferredProvider == "" {
		return ranked
	}
	for _, c := range ranked {
		if c.ProviderID == req.PreferredProvider {
			return []Candidate{c}
		}
	}
	return nil
}

// roundRobin cycles the starting candidate across calls. Because roundRobin
// keeps no shared state, rotation is
// approximated by rotating on a hash of the RequestID — distinct requests
// land on different starting points without any shared mutable counter.
type roundRobin struct{}

func (roundRobin) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	if len(ranked) <= 1 {
		return ranked
	}
	offset := int(fnv32(req.RequestID)) % len(ranked)
	return append(append([]Candidate{}, ranked[offset:]...), ranked[:offset]...)
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// weightedRandom orders candidates by a weighted random draw — higher
// Weight means higher probability of ranking first, but every eligible
// candidate remains in the list as a failover fallback.
type weightedRandom struct{}

func (weightedRandom) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	if len(ranked) <= 1 {
		return ranked
	}

	remaining := append([]Candidate{}, ranked...)
	out := make([]Candidate, 0, len(ranked))
	for len(remaining) > 0 {
		total := 0.0
		for _, c := range remaining {
			w := c.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rand.Float64() * total
		var acc float64
		idx := 0
		for i, c := range remaining {
			w := c.Weight
			if w <= 0 {
				w = 1
			}
			acc += w
			if pick <= acc {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// leastLoaded ranks by ascending CurrentLoad.
type leastLoaded struct{}

func (leastLoaded) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CurrentLoad < ranked[j].CurrentLoad
	})
	return promotePreferred(req, ranked)
}

// costOptimized ranks by ascending CostPerMillionTokens.
type costOptimized struct{}

func (costOptimized) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CostPerMillionTokens < ranked[j].CostPerMillionTokens
	})
	return promotePreferred(req, ranked)
}

// latencyOptimized ranks by ascending P95LatencyMs.
type latencyOptimized struct{}

func (latencyOptimized) Rank(req types.InferenceRequest, candidates []Candidate) []Candidate {
	ranked := filterEligible(req, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].P95LatencyMs < ranked[j].P95LatencyMs
	})
	return promotePreferred(req, ranked)
}

// promotePreferred moves req.PreferredProvider back to the front after a
// sort has potentially reordered it away — filterEligible already promoted
// it once, but a stable sort on a different key can displace it.
func promotePreferred(req types.InferenceRequest, ranked []Candidate) []Candidate {
	if req.PreferredProvider == "" {
		return ranked
	}
	for i, c := range ranked {
		if c.ProviderID == req.PreferredProvider && i != 0 {
			out := append([]Candidate{c}, ranked[:i]...)
			return append(out, ranked[i+1:]...)
		}
	}
	return ranked
}
