// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the router sends correct
// InferenceRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    InferResponse: &types.InferenceResponse{Content: "Hello!"},
//	}
//	resp, err := p.Infer(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// InferCall records a single invocation of Infer.
type InferCall struct {
	Ctx context.Context
	Req types.InferenceRequest
}

// InferStreamCall records a single invocation of InferStream.
type InferStreamCall struct {
	Ctx context.Context
	Req types.InferenceRequest
}

// Provider is a mock implementation of llm.Provider. Zero-value response
// fields cause methods to return zero values and nil errors; set the Err
// fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// Name is returned by ID.
	Name string

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities types.ProviderCapabilities

	// SupportsFunc, if set, backs Supports. Defaults to always true.
	SupportsFunc func(modelID string, req types.InferenceRequest) bool

	// InitializeErr, if non-nil, is returned by Initialize.
	InitializeErr error

	// InferResponse is returned by Infer. May be nil.
	InferResponse *types.InferenceResponse
	// InferErr, if non-nil, is returned as the error from Infer.
	InferErr error

	// StreamChunks is the sequence emitted on the channel returned by
	// InferStream. All chunks are sent before the channel is closed.
	StreamChunks []types.StreamChunk
	// StreamErr, if non-nil, is returned from InferStream instead of
	// opening a channel.
	StreamErr error

	// HealthStatus is returned by Health.
	HealthStatus types.ProviderHealth

	// ShutdownErr, if non-nil, is returned by Shutdown.
	ShutdownErr error

	// Call records, read after the test runs.
	InferCalls       []InferCall
	InferStreamCalls []InferStreamCall
	InitializeCalls  int
	ShutdownCalls    int
}

func (p *Provider) ID() string {
	if p.Name == "" {
		return "mock"
	}
	return p.Name
}

func (p *Provider) Capabilities() types.ProviderCapabilities {
	return p.ProviderCapabilities
}

func (p *Provider) Supports(modelID string, req types.InferenceRequest) bool {
	if p.SupportsFunc != nil {
		return p.SupportsFunc(modelID, req)
	}
	return true
}

func (p *Provider) Initialize(ctx context.Context, cfg llm.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitializeCalls++
	return p.InitializeErr
}

func (p *Provider) Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	p.mu.Lock()
	p.InferCalls = append(p.InferCalls, InferCall{Ctx: ctx, Req: req})
	resp, err := p.InferResponse, p.InferErr
	p.mu.Unlock()
	return resp, err
}

func (p *Provider) InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	p.mu.Lock()
	p.InferStreamCalls = append(p.InferStreamCalls, InferStreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]types.StreamChunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan types.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) Health(ctx context.Context) types.ProviderHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthStatus
}

func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ShutdownCalls++
	return p.ShutdownErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InferCalls = nil
	p.InferStreamCalls = nil
	p.InitializeCalls = 0
	p.ShutdownCalls = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
