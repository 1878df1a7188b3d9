// Package ollama provides an LLM provider adapter backed directly by
// github.com/ollama/ollama's client, used as the in-process stand-in for a
// local GGUF-backed runner: it speaks the same NDJSON streaming contract
// (one JSON object per line, terminated by {"done": true}) that a native
// llama.cpp/LiteRT FFI runner would expose.
package ollama

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// Provider implements llm.Provider against a local or remote Ollama daemon.
type Provider struct {
	model string

	mu          sync.Mutex
	client      *api.Client
	initialized bool
	initCfg     llm.Config
}

// New constructs a Provider for model; the client is built lazily on the
// first Initialize call.
func New(model string) *Provider {
	return &Provider{model: model}
}

func (p *Provider) ID() string { return "ollama" }

// Initialize points the provider at an Ollama daemon. BaseURL defaults to
// the daemon's standard local address when unset. Idempotent.
func (p *Provider) Initialize(ctx context.Context, cfg llm.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.initCfg == cfg {
		return nil
	}

	base := cfg.BaseURL
	if base == "" {
		base = "http://127.0.0.1:11434"
	}
	u, err := parseBaseURL(base)
	if err != nil {
		return errs.Wrap(errs.CodeInitFailed, err, "ollama: invalid baseUrl").With("baseUrl", base)
	}

	if cfg.Model != "" {
		p.model = cfg.Model
	}
	p.client = api.NewClient(u, httpClient())
	p.initCfg = cfg
	p.initialized = true
	return nil
}

// Infer implements llm.Provider by draining a non-streaming chat request.
func (p *Provider) Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	client, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var content strings.Builder
	var usage types.Usage
	noStream := false

	creq := &api.ChatRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   &noStream,
		Options:  generationOptions(req),
	}

	respErr := client.Chat(ctx, creq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			usage.InputTokens = resp.PromptEvalCount
			usage.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if respErr != nil {
		return nil, classifyAPIError(respErr).With("providerId", "ollama").With("requestId", req.RequestID)
	}

	return &types.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    content.String(),
		Model:      model,
		Usage:      usage,
		DurationMs: time.Since(started).Milliseconds(),
		Timestamp:  time.Now(),
	}, nil
}

// InferStream implements llm.Provider, forwarding the daemon's NDJSON
// stream as it arrives. The terminal object with Done=true maps to the
// contract's terminal chunk with IsComplete=true.
func (p *Provider) InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	client, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	ch := make(chan types.StreamChunk, 32)
	streamFlag := true

	go func() {
		defer close(ch)

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

		creq := &api.ChatRequest{
			Model:    model,
			Messages: convertMessages(req.Messages),
			Stream:   &streamFlag,
			Options:  generationOptions(req),
		}

		err := client.Chat(ctx, creq, func(resp api.ChatResponse) error {
			if resp.Done {
				emit(types.StreamChunk{IsComplete: true, FinishReason: mapDoneReason(resp.DoneReason)})
				return nil
			}
			emit(types.StreamChunk{Token: resp.Message.Content})
			return nil
		})
		if err != nil {
			emit(types.StreamChunk{IsComplete: true, FinishReason: types.FinishError})
		}
	}()

	return ch, nil
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
		SupportedDevices: map[types.DeviceType]struct{}{types.DeviceCPU: {}, types.DeviceCUDA: {}, types.DeviceMetal: {}},
	}
}

// Supports implements llm.Provider.
func (p *Provider) Supports(modelID string, req types.InferenceRequest) bool {
	return modelID == "" || modelID == p.model
}

// Health sends the client's heartbeat request to the daemon.
func (p *Provider) Health(ctx context.Context) types.ProviderHealth {
	p.mu.Lock()
	initialized := p.initialized
	client := p.client
	p.mu.Unlock()

	if !initialized {
		return types.ProviderHealth{Status: types.HealthInitializing, ProbedAt: time.Now()}
	}
	if ctx == nil {
		return types.ProviderHealth{Status: types.HealthUp, ProbedAt: time.Now()}
	}
	if _, err := client.Heartbeat(ctx); err != nil {
		return types.ProviderHealth{Status: types.HealthDown, Message: err.Error(), ProbedAt: time.Now()}
	}
	return types.ProviderHealth{Status: types.HealthUp, ProbedAt: time.Now()}
}

// Shutdown implements llm.Provider. Idempotent; the Ollama client holds no
// persistent connection to release.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

func (p *Provider) ready() (*api.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, "", errs.New(errs.CodeInitFailed, "provider not initialized").With("providerId", "ollama")
	}
	return p.client, p.model, nil
}

func classifyAPIError(err error) *errs.Error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return errs.Wrap(errs.CodeProviderRateLimited, err, "")
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "connection refused"):
		return errs.Wrap(errs.CodeProviderTimeout, err, "")
	case strings.Contains(lower, "not found") || strings.Contains(lower, "400"):
		return errs.Wrap(errs.CodeProviderInvalidRequest, err, "")
	default:
		return errs.Wrap(errs.CodeProviderUnavailable, err, "")
	}
}

func mapDoneReason(reason string) types.FinishReason {
	switch reason {
	case "length":
		return types.FinishLength
	case "stop", "":
		return types.FinishStop
	default:
		return types.FinishStop
	}
}

func convertMessages(msgs []types.Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, api.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func generationOptions(req types.InferenceRequest) map[string]any {
	opts := map[string]any{}
	if req.Parameters.Temperature != nil {
		opts["temperature"] = *req.Parameters.Temperature
	}
	if req.Parameters.TopP != nil {
		opts["top_p"] = *req.Parameters.TopP
	}
	if req.Parameters.TopK != nil {
		opts["top_k"] = *req.Parameters.TopK
	}
	if req.Parameters.MaxTokens > 0 {
		opts["num_predict"] = req.Parameters.MaxTokens
	}
	if req.Parameters.Seed != nil {
		opts["seed"] = *req.Parameters.Seed
	}
	return opts
}

func parseBaseURL(base string) (*url.URL, error) {
	return url.Parse(base)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}

// modelCapabilities returns conservative defaults for locally-served
// models; Ollama exposes exact context length per-model via /api/show,
// which a warmer runner path can refine after initialization.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsStreaming: true,
		ContextWindow:     8_192,
		MaxOutputTokens:   4_096,
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "llama3") || strings.Contains(lower, "llama-3"):
		caps.ContextWindow = 8_192
		caps.SupportsToolCalling = true
	case strings.Contains(lower, "mistral"):
		caps.ContextWindow = 32_768
	case strings.Contains(lower, "qwen"):
		caps.ContextWindow = 32_768
		caps.SupportsToolCalling = true
	case strings.Contains(lower, "llava") || strings.Contains(lower, "vision"):
		caps.SupportsVision = true
	}
	return caps
}

var _ llm.Provider = (*Provider)(nil)
