package runner_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rkvantis/inferd/internal/runner"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// mockProvider implements llm.Provider minimally for runner factory tests.
type mockProvider struct {
	id        string
	shutdowns atomic.Int32
}

func (m *mockProvider) ID() string                               { return m.id }
func (m *mockProvider) Capabilities() types.ProviderCapabilities  { return types.ProviderCapabilities{} }
func (m *mockProvider) Supports(string, types.InferenceRequest) bool { return true }
func (m *mockProvider) Initialize(context.Context, llm.Config) error { return nil }
func (m *mockProvider) Infer(context.Context, types.InferenceRequest) (*types.InferenceResponse, error) {
	return &types.InferenceResponse{}, nil
}
func (m *mockProvider) InferStream(context.Context, types.InferenceRequest) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk)
	close(ch)
	return ch, nil
}
func (m *mockProvider) Health(context.Context) types.ProviderHealth { return types.ProviderHealth{} }
func (m *mockProvider) Shutdown(context.Context) error {
	m.shutdowns.Add(1)
	return nil
}

var _ llm.Provider = (*mockProvider)(nil)

func TestGetRunner_CachesWarmRunner(t *testing.T) {
	var constructed atomic.Int32
	key := types.RunnerCacheKey{ModelID: "m", ProviderID: "p"}

	f := runner.New(runner.Config{MaxPoolSize: 5}, func(ctx context.Context, k types.RunnerCacheKey) (llm.Provider, error) {
		constructed.Add(1)
		return &mockProvider{id: k.ProviderID}, nil
	})

	if _, err := f.GetRunner(context.Background(), key); err != nil {
		t.Fatalf("get runner 1: %v", err)
	}
	if _, err := f.GetRunner(context.Background(), key); err != nil {
		t.Fatalf("get runner 2: %v", err)
	}
	if constructed.Load() != 1 {
		t.Errorf("expected constructor called once, got %d", constructed.Load())
	}
}

func TestGetRunner_SingleflightCoalescesConcurrentMisses(t *testing.T) {
	var constructed atomic.Int32
	key := types.RunnerCacheKey{ModelID: "m", ProviderID: "p"}
	block := make(chan struct{})

	f := runner.New(runner.Config{MaxPoolSize: 5}, func(ctx context.Context, k types.RunnerCacheKey) (llm.Provider, error) {
		constructed.Add(1)
		<-block
		return &mockProvider{id: k.ProviderID}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.GetRunner(context.Background(), key)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	if constructed.Load() != 1 {
		t.Errorf("expected constructor called once, got %d", constructed.Load())
	}
}

func TestEvict_ShutsDownRunner(t *testing.T) {
	key := types.RunnerCacheKey{ModelID: "m", ProviderID: "p"}
	p := &mockProvider{id: "p"}

	f := runner.New(runner.Config{MaxPoolSize: 5}, func(ctx context.Context, k types.RunnerCacheKey) (llm.Provider, error) {
		return p, nil
	})

	_, err := f.GetRunner(context.Background(), key)
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	f.Evict(key)

	if f.WarmCount() != 0 {
		t.Errorf("expected warm count 0 after evict, got %d", f.WarmCount())
	}
	time.Sleep(10 * time.Millisecond) // Evict calls Shutdown before returning; the wait is only a margin
	if p.shutdowns.Load() != 1 {
		t.Errorf("expected 1 shutdown call, got %d", p.shutdowns.Load())
	}
}

func TestMaxPoolSize_EvictsLeastRecentlyUsed(t *testing.T) {
	f := runner.New(runner.Config{MaxPoolSize: 2}, func(ctx context.Context, k types.RunnerCacheKey) (llm.Provider, error) {
		return &mockProvider{id: k.ProviderID}, nil
	})

	keys := []types.RunnerCacheKey{
		{ModelID: "a"}, {ModelID: "b"}, {ModelID: "c"},
	}
	for _, k := range keys {
		if _, err := f.GetRunner(context.Background(), k); err != nil {
			t.Fatalf("get runner %v: %v", k, err)
		}
	}

	if got := f.WarmCount(); got != 2 {
		t.Errorf("expected pool capped at 2, got %d", got)
	}
}
