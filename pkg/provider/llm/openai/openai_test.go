package openai

import (
	"testing"

	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

func TestConvertMessage_System(t *testing.T) {
	msg := types.Message{Role: "system", Content: "You are helpful."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

func TestConvertMessage_User(t *testing.T) {
	msg := types.Message{Role: "user", Content: "Hello!"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_weather" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
}

func TestConvertMessage_Tool(t *testing.T) {
	msg := types.Message{Role: "tool", Content: "sunny", ToolCallID: "call_1"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil || param.OfTool.ToolCallID != "call_1" {
		t.Fatal("expected OfTool with matching ToolCallID")
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := types.Message{Role: "unknown", Content: "test"}
	if _, err := convertMessage(msg); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestModelCapabilities_GPT4oMini(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.ContextWindow != 128_000 || !caps.SupportsToolCalling || !caps.SupportsVision || !caps.SupportsStreaming {
		t.Errorf("unexpected caps: %+v", caps)
	}
}

func TestModelCapabilities_GPT35Turbo(t *testing.T) {
	caps := modelCapabilities("gpt-3.5-turbo")
	if caps.ContextWindow != 16_385 || caps.SupportsVision {
		t.Errorf("unexpected caps: %+v", caps)
	}
}

func TestModelCapabilities_GPT4(t *testing.T) {
	caps := modelCapabilities("gpt-4")
	if caps.ContextWindow != 8_192 {
		t.Errorf("gpt-4: expected context window 8192, got %d", caps.ContextWindow)
	}
}

func TestModelCapabilities_UnknownModel(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Error("unknown model should get positive defaults")
	}
}

func TestCountTokens_Estimation(t *testing.T) {
	p := New("gpt-4o")
	msgs := []types.Message{{Role: "user", Content: "Hello world"}}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestInitialize_RejectsMissingAPIKey(t *testing.T) {
	p := New("gpt-4o")
	if err := p.Initialize(nil, llm.Config{}); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	p := New("gpt-4o")
	cfg := llm.Config{APIKey: "sk-test"}
	if err := p.Initialize(nil, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Initialize(nil, cfg); err != nil {
		t.Fatalf("unexpected error on idempotent re-initialize: %v", err)
	}
}

func TestID(t *testing.T) {
	if New("gpt-4o").ID() != "openai" {
		t.Error("ID() should be openai")
	}
}
