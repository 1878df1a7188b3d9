// Package llm defines the Provider contract every LLM backend is reduced to:
// a uniform sync/streaming inference surface that the router, runner
// factory, and circuit breaker can drive without coupling to any specific
// vendor SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// InferStream must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/rkvantis/inferd/pkg/types"
)

// Config carries provider-specific initialization data: API keys, base
// URLs, and free-form per-provider options sourced from the provider's
// config entry.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Options map[string]string
}

// Provider is the abstraction over any LLM backend (remote HTTP API or
// in-process runner). Every method must propagate context cancellation
// promptly: when ctx is cancelled, Infer/InferStream must return (or close
// their channel) as quickly as possible.
//
// Adapters MUST NOT retain references to the request after a call returns.
type Provider interface {
	// ID returns the provider's stable identifier, e.g. "openai", "ollama",
	// "gguf". Used as part of RunnerCacheKey and in breaker/metrics labels.
	ID() string

	// Capabilities returns static metadata describing what this provider
	// supports. The result is assumed constant for the provider instance's
	// lifetime.
	Capabilities() types.ProviderCapabilities

	// Supports reports whether this provider can serve modelID under req —
	// implementations may inspect model name patterns and requested
	// features (streaming, tool calling) before the router commits to a
	// candidate.
	Supports(modelID string, req types.InferenceRequest) bool

	// Initialize prepares the provider to serve requests (establishing
	// clients, validating credentials). It is idempotent: a provider
	// already initialized with an identical Config returns nil immediately.
	Initialize(ctx context.Context, cfg Config) error

	// Infer performs a synchronous, non-streaming completion.
	Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error)

	// InferStream performs a streaming completion, valid only when
	// Capabilities().Streaming is true. The returned channel emits
	// StreamChunk values with ascending SequenceNumber starting at 0;
	// exactly one chunk has IsComplete = true. The channel is closed by the
	// implementation when the stream ends or ctx is cancelled.
	//
	// The initial error return is non-nil only for failures that prevent
	// the stream from starting; errors arising mid-stream are surfaced as
	// a terminal StreamChunk with FinishReason = types.FinishError.
	InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error)

	// Health reports the provider's current health, typically via a cheap
	// upstream probe (list-models, ping endpoint) rather than a full
	// inference call.
	Health(ctx context.Context) types.ProviderHealth

	// Shutdown releases all backend handles (HTTP clients, file handles,
	// loaded weights). Must be idempotent.
	Shutdown(ctx context.Context) error
}

// CountTokens is implemented by providers that can estimate token usage for
// a message list ahead of dispatch. Nothing in the dispatch path calls it
// today. Not all providers can do this cheaply, so it is
// a narrow optional interface rather than part of Provider.
type CountTokens interface {
	CountTokens(messages []types.Message) (int, error)
}
