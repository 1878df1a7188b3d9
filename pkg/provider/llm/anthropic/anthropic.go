// Package anthropic provides a native LLM provider adapter backed directly
// by github.com/anthropics/anthropic-sdk-go's Messages API, distinct from
// the any-llm-go path. It exercises native streaming and Anthropic's
// separate system-prompt field rather than folding it into the message
// list the way the OpenAI-style wire format does.
package anthropic

import (
	"context"
	"strings"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	model string

	mu          sync.Mutex
	client      anthropicsdk.Client
	initialized bool
	initCfg     llm.Config
}

// New constructs a Provider for model; the client is built lazily on the
// first Initialize call.
func New(model string) *Provider {
	return &Provider{model: model}
}

func (p *Provider) ID() string { return "anthropic" }

// Initialize builds the Anthropic SDK client from cfg. Idempotent for
// repeated calls with an identical cfg.
func (p *Provider) Initialize(ctx context.Context, cfg llm.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.initCfg == cfg {
		return nil
	}
	if cfg.APIKey == "" {
		return errs.New(errs.CodeInitFailed, "anthropic: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	if cfg.Model != "" {
		p.model = cfg.Model
	}
	p.client = anthropicsdk.NewClient(reqOpts...)
	p.initCfg = cfg
	p.initialized = true
	return nil
}

// Infer implements llm.Provider.
func (p *Provider) Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	client, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	params := buildParams(model, req)

	started := time.Now()
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAPIError(err).With("providerId", "anthropic").With("requestId", req.RequestID)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &types.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    content.String(),
		Model:      model,
		DurationMs: time.Since(started).Milliseconds(),
		Timestamp:  time.Now(),
		Usage: types.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// InferStream implements llm.Provider using the SDK's native message stream.
func (p *Provider) InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	client, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	params := buildParams(model, req)
	stream := client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyAPIError(err).With("providerId", "anthropic").With("requestId", req.RequestID)
	}

	ch := make(chan types.StreamChunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

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

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					if !emit(types.StreamChunk{Token: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					if !emit(types.StreamChunk{
						IsComplete:   true,
						FinishReason: mapStopReason(event.Delta.StopReason),
					}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
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
	}
}

// Supports implements llm.Provider.
func (p *Provider) Supports(modelID string, req types.InferenceRequest) bool {
	return modelID == "" || modelID == p.model
}

// Health reports initialization status; Anthropic exposes no cheap
// unauthenticated ping endpoint, so a successful Initialize is treated as
// healthy.
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
	p.initialized = false
	return nil
}

func (p *Provider) ready() (anthropicsdk.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return anthropicsdk.Client{}, "", errs.New(errs.CodeInitFailed, "provider not initialized").With("providerId", "anthropic")
	}
	return p.client, p.model, nil
}

func classifyAPIError(err error) *errs.Error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "overloaded"):
		return errs.Wrap(errs.CodeProviderRateLimited, err, "")
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return errs.Wrap(errs.CodeProviderTimeout, err, "")
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid_request"):
		return errs.Wrap(errs.CodeProviderInvalidRequest, err, "")
	default:
		return errs.Wrap(errs.CodeProviderUnavailable, err, "")
	}
}

func mapStopReason(r anthropicsdk.StopReason) types.FinishReason {
	switch r {
	case anthropicsdk.StopReasonMaxTokens:
		return types.FinishLength
	case anthropicsdk.StopReasonToolUse:
		return types.FinishToolCall
	default:
		return types.FinishStop
	}
}

// buildParams converts an InferenceRequest into Anthropic SDK params,
// splitting any "system"-role message out into the dedicated System field
// the way the Messages API expects.
func buildParams(model string, req types.InferenceRequest) anthropicsdk.MessageNewParams {
	var system string
	messages := make([]anthropicsdk.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, convertMessage(m))
	}

	maxTokens := int64(4096)
	if req.Parameters.MaxTokens > 0 {
		maxTokens = int64(req.Parameters.MaxTokens)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if req.Parameters.Temperature != nil {
		params.Temperature = anthropicsdk.Float(*req.Parameters.Temperature)
	}

	return params
}

func convertMessage(m types.Message) anthropicsdk.MessageParam {
	switch m.Role {
	case "assistant":
		return anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
	default: // "user", "tool" folded into user turns per Anthropic's convention
		return anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
	}
}

// modelCapabilities returns ModelCapabilities for known Claude model names.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsVision:      true,
		ContextWindow:       200_000,
		MaxOutputTokens:     8_192,
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, "claude-3-opus") {
		caps.MaxOutputTokens = 4_096
	}
	return caps
}

var _ llm.Provider = (*Provider)(nil)
