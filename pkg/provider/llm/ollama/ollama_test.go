package ollama

import (
	"testing"

	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

func TestID(t *testing.T) {
	if New("llama3").ID() != "ollama" {
		t.Error("ID() should be ollama")
	}
}

func TestInitialize_DefaultsBaseURL(t *testing.T) {
	p := New("llama3")
	if err := p.Initialize(nil, llm.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	p := New("llama3")
	cfg := llm.Config{BaseURL: "http://127.0.0.1:11434"}
	if err := p.Initialize(nil, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Initialize(nil, cfg); err != nil {
		t.Fatalf("unexpected error on idempotent re-initialize: %v", err)
	}
}

func TestInitialize_RejectsInvalidBaseURL(t *testing.T) {
	p := New("llama3")
	if err := p.Initialize(nil, llm.Config{BaseURL: "://bad-url"}); err == nil {
		t.Fatal("expected error for invalid baseUrl")
	}
}

func TestHealth_BeforeInitializeIsInitializing(t *testing.T) {
	p := New("llama3")
	h := p.Health(nil)
	if h.Status != types.HealthInitializing {
		t.Errorf("status = %v, want INITIALIZING before Initialize", h.Status)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	p := New("llama3")
	if err := p.Shutdown(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Shutdown(nil); err != nil {
		t.Fatalf("unexpected error on second Shutdown: %v", err)
	}
}

func TestSupports(t *testing.T) {
	p := New("llama3")
	if !p.Supports("llama3", types.InferenceRequest{}) {
		t.Error("should support its own model")
	}
	if p.Supports("mistral", types.InferenceRequest{}) {
		t.Error("should not support a different model")
	}
}

func TestModelCapabilities_Llama3(t *testing.T) {
	caps := modelCapabilities("llama3:8b")
	if !caps.SupportsToolCalling {
		t.Error("llama3 should support tool calling")
	}
}

func TestModelCapabilities_Llava(t *testing.T) {
	caps := modelCapabilities("llava:13b")
	if !caps.SupportsVision {
		t.Error("llava should support vision")
	}
}

func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("custom-gguf-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Error("unknown model should get positive defaults")
	}
}

func TestGenerationOptions_MapsParameters(t *testing.T) {
	temp := 0.7
	req := types.InferenceRequest{
		Parameters: types.GenerationParameters{Temperature: &temp, MaxTokens: 256},
	}
	opts := generationOptions(req)
	if opts["temperature"] != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", opts["temperature"])
	}
	if opts["num_predict"] != 256 {
		t.Errorf("expected num_predict 256, got %v", opts["num_predict"])
	}
}

func TestInferStream_FailsWithoutInitialize(t *testing.T) {
	p := New("llama3")
	if _, err := p.InferStream(nil, types.InferenceRequest{}); err == nil {
		t.Error("expected error calling InferStream before Initialize")
	}
}
