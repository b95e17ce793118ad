package cascade

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeBackend scripts chat responses and records requests.
type fakeBackend struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	calls     int
	prompts   []string
	models    []string
	toolDefs  [][]ToolDefinition
}

func (f *fakeBackend) CompleteChat(_ context.Context, model string, messages []ChatMessage, _ int, tools []ToolDefinition) (ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	f.models = append(f.models, model)
	f.toolDefs = append(f.toolDefs, tools)
	if len(messages) > 0 {
		f.prompts = append(f.prompts, messages[0].Content)
	}
	if idx < len(f.errs) && f.errs[idx] != nil {
		return ChatResponse{}, f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return ChatResponse{Content: "<<<ARTIFACT out>>>\n{\"done\": true}\n<<<ENDARTIFACT>>>"}, nil
}

func (f *fakeBackend) CountTokens(text string, _ string) int { return len(text) / 4 }

// echoTool records invocations and echoes its input.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]any
	tier  int
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echo the message back." }
func (e *echoTool) Tier() int           { return e.tier }
func (e *echoTool) Schema() ToolSchema {
	return ToolSchema{Parameters: map[string]ParameterSpec{
		"message": {Type: "string", Required: true},
	}}
}
func (e *echoTool) ValidateParameters(args map[string]any) error {
	return ValidateAgainstSchema(e.Schema(), args)
}
func (e *echoTool) Execute(_ context.Context, args map[string]any) (ToolResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, args)
	e.mu.Unlock()
	return ToolResult{Success: true, Data: args["message"]}, nil
}

func llmTestContext(t *testing.T, backend ChatBackend, tools ...Tool) *ExecutionContext {
	t.Helper()
	ec := NewExecutionContext()
	ec.Services.Register(ServiceBackend, backend)
	ec.Services.Register(ServiceRouter, NewSmartRouter(WithChain(2, "p:primary", "p:backup")))
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	ec.Services.Register(ServiceTools, registry)
	return ec
}

func TestLLMStepPromptAssembly(t *testing.T) {
	backend := &fakeBackend{}
	ec := llmTestContext(t, backend, &echoTool{tier: 1})
	ec.Set("task", "build the thing")

	fn := MakeLLMStep(LLMStepConfig{
		AgentName:          "tier2_coder",
		Description:        "Write the code.",
		Tier:               2,
		ExpectedOutputKeys: []string{"backend_code", "notes"},
	})

	if _, err := fn(context.Background(), ec); err != nil {
		t.Fatalf("step = %v", err)
	}

	prompt := backend.prompts[0]
	for _, want := range []string{
		"You are acting as agent 'tier2_coder'",
		"Task: Write the code.",
		"Available context:",
		"build the thing",
		"<<<ARTIFACT key>>> blocks for: backend_code, notes",
		"Available tools: echo",
		"## Output Format (REQUIRED — engine contract)",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if len(backend.toolDefs[0]) != 1 || backend.toolDefs[0][0].Name != "echo" {
		t.Errorf("tool defs = %v", backend.toolDefs[0])
	}
}

func TestLLMStepToolLoop(t *testing.T) {
	tool := &echoTool{tier: 1}
	backend := &fakeBackend{
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"message": "ping"}}}},
			{Content: "<<<ARTIFACT out>>>\n{\"echoed\": \"ping\"}\n<<<ENDARTIFACT>>>"},
		},
	}
	ec := llmTestContext(t, backend, tool)

	fn := MakeLLMStep(LLMStepConfig{AgentName: "tier2_worker", Tier: 2, ExpectedOutputKeys: []string{"out"}})
	output, err := fn(context.Background(), ec)
	if err != nil {
		t.Fatalf("step = %v", err)
	}

	if len(tool.calls) != 1 || tool.calls[0]["message"] != "ping" {
		t.Errorf("tool calls = %v", tool.calls)
	}

	out := output["out"].(map[string]any)
	if out["echoed"] != "ping" {
		t.Errorf("out = %v", out)
	}

	meta := output["_meta"].(map[string]any)
	if meta["tool_calls"] != 1 {
		t.Errorf("_meta.tool_calls = %v", meta["tool_calls"])
	}
	if meta["model_used"] != "p:primary" {
		t.Errorf("_meta.model_used = %v", meta["model_used"])
	}

	// The run transcript records the task, the tool exchange, and the
	// final response in order.
	var types []MessageType
	for _, msg := range ec.Transcript() {
		types = append(types, msg.Type)
	}
	want := []MessageType{MessageTask, MessageToolCall, MessageToolResult, MessageResponse}
	if len(types) != len(want) {
		t.Fatalf("transcript types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("transcript types = %v, want %v", types, want)
		}
	}
	if role := ec.Transcript()[0].Role; role != "tier2_worker" {
		t.Errorf("task message role = %q", role)
	}
}

func TestLLMStepUnknownToolGetsErrorPayload(t *testing.T) {
	backend := &fakeBackend{
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "ghost", Arguments: map[string]any{}}}},
			{Content: `{"ok": true}`},
		},
	}
	ec := llmTestContext(t, backend)

	fn := MakeLLMStep(LLMStepConfig{AgentName: "tier2_worker", Tier: 2})
	if _, err := fn(context.Background(), ec); err != nil {
		t.Fatalf("step = %v", err)
	}
	// The error payload goes back as a tool message; the loop continues
	// and the second response finishes the step.
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2", backend.calls)
	}
}

func TestLLMStepTierGatesTools(t *testing.T) {
	tool := &echoTool{tier: 3}
	backend := &fakeBackend{}
	ec := llmTestContext(t, backend, tool)

	fn := MakeLLMStep(LLMStepConfig{AgentName: "tier2_worker", Tier: 2})
	if _, err := fn(context.Background(), ec); err != nil {
		t.Fatalf("step = %v", err)
	}
	if len(backend.toolDefs[0]) != 0 {
		t.Errorf("tier-3 tool visible to tier-2 step: %v", backend.toolDefs[0])
	}
}

func TestLLMStepFallbackAcrossModels(t *testing.T) {
	backend := &fakeBackend{
		errs: []error{
			&ErrHTTP{Status: 429, Body: "rate limit"},
		},
		responses: []ChatResponse{
			{}, // consumed by the erroring call slot
			{Content: `{"ok": true}`},
		},
	}
	ec := llmTestContext(t, backend)
	router := RouterFromContext(ec)

	fn := MakeLLMStep(LLMStepConfig{AgentName: "tier2_worker", Tier: 2})
	output, err := fn(context.Background(), ec)
	if err != nil {
		t.Fatalf("step = %v", err)
	}

	if output["ok"] != true {
		t.Errorf("output = %v", output)
	}
	if backend.models[0] != "p:primary" || backend.models[1] != "p:backup" {
		t.Errorf("models tried = %v", backend.models)
	}
	if router.Stats("p:primary").RateLimitCount != 1 {
		t.Errorf("rate limit not recorded on p:primary")
	}
}

func TestLLMStepAllModelsFail(t *testing.T) {
	backend := &fakeBackend{
		errs: []error{
			fmt.Errorf("model not found"),
			fmt.Errorf("model not found"),
		},
	}
	ec := llmTestContext(t, backend)

	fn := MakeLLMStep(LLMStepConfig{AgentName: "tier2_worker", Tier: 2})
	if _, err := fn(context.Background(), ec); err == nil {
		t.Fatal("expected failure when every model errors")
	}
}

func TestToolDefinitionsSchema(t *testing.T) {
	defs := Definitions([]Tool{&echoTool{tier: 1}})
	if len(defs) != 1 {
		t.Fatalf("defs = %v", defs)
	}
	schema := string(defs[0].Parameters)
	for _, want := range []string{`"type":"object"`, `"message"`, `"required":["message"]`} {
		if !strings.Contains(schema, want) {
			t.Errorf("schema %s missing %s", schema, want)
		}
	}
}
