// Package anyllm provides a universal LLM provider adapter backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// local llama.cpp/llamafile servers through one wire protocol.
//
// Usage:
//
//	p := anyllm.New("openai", "gpt-4o")
//	if err := p.Initialize(ctx, llm.Config{APIKey: "sk-..."}); err != nil { ... }
package anyllm

import (
	"context"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

var supportedBackends = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	providerName string
	model        string

	mu          sync.Mutex
	backend     anyllmlib.Provider
	initialized bool
	initCfg     llm.Config
}

// New creates a Provider for the given any-llm-go backend name ("openai",
// "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
// "llamacpp", "llamafile") and model. The backend is constructed lazily on
// the first Initialize call.
func New(providerName, model string) *Provider {
	return &Provider{providerName: strings.ToLower(providerName), model: model}
}

func (p *Provider) ID() string { return p.providerName }

// Initialize constructs (or reconstructs, if cfg changed) the underlying
// any-llm-go backend. Idempotent for repeated calls with an identical cfg.
func (p *Provider) Initialize(ctx context.Context, cfg llm.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.initCfg == cfg {
		return nil
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	backend, err := createBackend(p.providerName, opts...)
	if err != nil {
		return errs.Wrap(errs.CodeInitFailed, err, "construct any-llm-go backend").
			With("providerId", p.providerName)
	}

	if cfg.Model != "" {
		p.model = cfg.Model
	}
	p.backend = backend
	p.initCfg = cfg
	p.initialized = true
	return nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch providerName {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, errs.New(errs.CodeConfigInvalid, "unsupported any-llm-go backend").
			With("providerId", providerName).
			With("supported", supportedBackends)
	}
}

// InferStream implements llm.Provider.
func (p *Provider) InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	backend, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	params := buildParams(model, req)
	backendChunks, backendErrs := backend.CompletionStream(ctx, params)

	ch := make(chan types.StreamChunk, 32)
	go func() {
		defer close(ch)

		toolCallAccum := map[int]*types.ToolCall{}
		seq := 0

		emit := func(c types.StreamChunk) bool {
			c.RequestID = req.RequestID
			c.SequenceNumber = seq
			c.Timestamp = time.Now()
			seq++
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &types.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			isFinal := choice.FinishReason != ""
			out := types.StreamChunk{
				Token:      delta.Content,
				IsComplete: isFinal,
			}
			if isFinal {
				out.FinishReason = mapFinishReason(choice.FinishReason)
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}
			if !emit(out) {
				return
			}
		}

		if err := <-backendErrs; err != nil {
			emit(types.StreamChunk{IsComplete: true, FinishReason: types.FinishError})
		}
	}()

	return ch, nil
}

// Infer implements llm.Provider.
func (p *Provider) Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	backend, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	params := buildParams(model, req)

	resp, err := backend.Completion(ctx, params)
	if err != nil {
		return nil, classifyBackendError(err).With("providerId", p.providerName).With("requestId", req.RequestID)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.CodeProviderUnavailable, "empty choices in response").
			With("providerId", p.providerName)
	}

	choice := resp.Choices[0]
	result := &types.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    choice.Message.ContentString(),
		Model:      model,
		DurationMs: time.Since(started).Milliseconds(),
		Timestamp:  time.Now(),
		Streaming:  false,
	}
	if resp.Usage != nil {
		result.Usage = types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return result, nil
}

// CountTokens implements the optional llm.CountTokens interface using a
// rough character-based heuristic; any-llm-go does not expose a unified
// tokenizer across backends.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4 // ~4 chars per token
		total += 4                        // per-message role/formatting overhead
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ProviderCapabilities {
	mc := modelCapabilities(p.model)
	return types.ProviderCapabilities{
		Streaming:        true,
		FunctionCalling:  mc.SupportsToolCalling,
		Multimodal:       mc.SupportsVision,
		MaxContextTokens: mc.ContextWindow,
		MaxOutputTokens:  mc.MaxOutputTokens,
		SupportedModels:  map[string]struct{}{p.model: {}},
	}
}

// Supports implements llm.Provider.
func (p *Provider) Supports(modelID string, req types.InferenceRequest) bool {
	if modelID != "" && modelID != p.model {
		return false
	}
	if req.Streaming && !p.Capabilities().Streaming {
		return false
	}
	return true
}

// Health implements llm.Provider with a cheap readiness check: the backend
// must have been constructed by a successful Initialize.
func (p *Provider) Health(ctx context.Context) types.ProviderHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return types.ProviderHealth{Status: types.HealthInitializing, ProbedAt: time.Now()}
	}
	return types.ProviderHealth{Status: types.HealthUp, ProbedAt: time.Now()}
}

// Shutdown implements llm.Provider. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backend = nil
	p.initialized = false
	return nil
}

func (p *Provider) ready() (anyllmlib.Provider, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, "", errs.New(errs.CodeInitFailed, "provider not initialized").With("providerId", p.providerName)
	}
	return p.backend, p.model, nil
}

func classifyBackendError(err error) *errs.Error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return errs.Wrap(errs.CodeProviderRateLimited, err, "")
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return errs.Wrap(errs.CodeProviderTimeout, err, "")
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid"):
		return errs.Wrap(errs.CodeProviderInvalidRequest, err, "")
	default:
		return errs.Wrap(errs.CodeProviderUnavailable, err, "")
	}
}

func mapFinishReason(r string) types.FinishReason {
	switch r {
	case string(anyllmlib.FinishReasonToolCalls):
		return types.FinishToolCall
	case "length":
		return types.FinishLength
	case "content_filter":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// buildParams converts an InferenceRequest into any-llm-go CompletionParams.
func buildParams(model string, req types.InferenceRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}

	if req.Parameters.Temperature != nil {
		params.Temperature = req.Parameters.Temperature
	}
	if req.Parameters.MaxTokens > 0 {
		mt := req.Parameters.MaxTokens
		params.MaxTokens = &mt
	}
	if req.Parameters.TopP != nil {
		params.TopP = req.Parameters.TopP
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// modelCapabilities returns per-model capability defaults for known model
// families across OpenAI, Anthropic, and Gemini. Unknown models receive
// sensible defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsVision:      false,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)

	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"), strings.HasPrefix(lower, "gpt-4o"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 16_384
		caps.SupportsVision = true

	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 4_096
		caps.SupportsVision = true

	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
		caps.MaxOutputTokens = 4_096

	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
		caps.MaxOutputTokens = 4_096

	case strings.HasPrefix(lower, "o1-mini"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false

	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.SupportsVision = true

	case strings.Contains(lower, "claude-3-opus"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 4_096
		caps.SupportsVision = true

	case strings.Contains(lower, "claude-3-5-sonnet"), strings.Contains(lower, "claude-3-sonnet"),
		strings.Contains(lower, "claude-3-5-haiku"), strings.Contains(lower, "claude-3-haiku"),
		strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true

	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true

	case strings.Contains(lower, "gemini-2.0-flash"), strings.Contains(lower, "gemini-1.5-flash"),
		strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true
	}

	return caps
}

var _ llm.Provider = (*Provider)(nil)
var _ llm.CountTokens = (*Provider)(nil)
