// Package openai provides a native LLM provider adapter backed directly by
// github.com/openai/openai-go, independent of the any-llm-go wrapper. It
// exercises the OpenAI SDK's own SSE stream parsing rather than going
// through any-llm-go's internal stream handling.
package openai

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// Provider implements llm.Provider using the OpenAI API directly.
type Provider struct {
	model string

	mu          sync.Mutex
	client      oai.Client
	initialized bool
	initCfg     llm.Config
}

// New constructs a Provider for model; the client is built lazily on the
// first Initialize call.
func New(model string) *Provider {
	return &Provider{model: model}
}

func (p *Provider) ID() string { return "openai" }

// Initialize builds the OpenAI SDK client from cfg. Idempotent for repeated
// calls with an identical cfg.
func (p *Provider) Initialize(ctx context.Context, cfg llm.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized && p.initCfg == cfg {
		return nil
	}
	if cfg.APIKey == "" {
		return errs.New(errs.CodeInitFailed, "openai: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if org, ok := cfg.Options["organization"]; ok && org != "" {
		reqOpts = append(reqOpts, option.WithOrganization(org))
	}
	if to, ok := cfg.Options["timeout"]; ok && to != "" {
		if d, err := time.ParseDuration(to); err == nil && d > 0 {
			reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
		}
	}

	if cfg.Model != "" {
		p.model = cfg.Model
	}
	p.client = oai.NewClient(reqOpts...)
	p.initCfg = cfg
	p.initialized = true
	return nil
}

// InferStream implements llm.Provider using the SDK's native SSE stream.
func (p *Provider) InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	client, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	params, err := buildParams(model, req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeProviderInvalidRequest, err, "")
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyAPIError(err).With("providerId", "openai").With("requestId", req.RequestID)
	}

	ch := make(chan types.StreamChunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

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

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &types.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			isFinal := choice.FinishReason != ""
			out := types.StreamChunk{Token: delta.Content, IsComplete: isFinal}
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

		if err := stream.Err(); err != nil {
			emit(types.StreamChunk{IsComplete: true, FinishReason: types.FinishError})
		}
	}()

	return ch, nil
}

// Infer implements llm.Provider.
func (p *Provider) Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	client, model, err := p.ready()
	if err != nil {
		return nil, err
	}

	params, err := buildParams(model, req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeProviderInvalidRequest, err, "")
	}

	started := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyAPIError(err).With("providerId", "openai").With("requestId", req.RequestID)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.CodeProviderUnavailable, "empty choices in response").With("providerId", "openai")
	}

	choice := resp.Choices[0]
	result := &types.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    choice.Message.Content,
		Model:      model,
		DurationMs: time.Since(started).Milliseconds(),
		Timestamp:  time.Now(),
		Usage: types.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	return result, nil
}

// CountTokens implements the optional llm.CountTokens interface.
// TODO: replace with tiktoken-go for exact per-model token counting.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
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
	return modelID == "" || modelID == p.model
}

// Health performs a cheap models.list probe.
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
	if _, err := client.Models.List(ctx); err != nil {
		return types.ProviderHealth{Status: types.HealthDown, Message: err.Error(), ProbedAt: time.Now()}
	}
	return types.ProviderHealth{Status: types.HealthUp, ProbedAt: time.Now()}
}

// Shutdown implements llm.Provider. The OpenAI SDK client holds no handles
// that require explicit release; Shutdown just marks the provider
// uninitialized.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

func (p *Provider) ready() (oai.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return oai.Client{}, "", errs.New(errs.CodeInitFailed, "provider not initialized").With("providerId", "openai")
	}
	return p.client, p.model, nil
}

func classifyAPIError(err error) *errs.Error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return errs.Wrap(errs.CodeProviderRateLimited, err, "")
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return errs.Wrap(errs.CodeProviderTimeout, err, "")
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid_request"):
		return errs.Wrap(errs.CodeProviderInvalidRequest, err, "")
	default:
		return errs.Wrap(errs.CodeProviderUnavailable, err, "")
	}
}

func mapFinishReason(r string) types.FinishReason {
	switch r {
	case "tool_calls":
		return types.FinishToolCall
	case "length":
		return types.FinishLength
	case "content_filter":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// modelCapabilities returns ModelCapabilities for known OpenAI model names.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
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
	}
	return caps
}

// buildParams converts an InferenceRequest into OpenAI SDK params.
func buildParams(model string, req types.InferenceRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	if req.Parameters.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Parameters.Temperature)
	}
	if req.Parameters.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Parameters.MaxTokens))
	}
	if req.Parameters.TopP != nil {
		params.TopP = param.NewOpt(*req.Parameters.TopP)
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, errs.New(errs.CodeValidationFailed, "unknown message role").With("role", m.Role)
	}
}

var _ llm.Provider = (*Provider)(nil)
var _ llm.CountTokens = (*Provider)(nil)
