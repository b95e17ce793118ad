package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Maximum output tokens per model tier. Conservative values that hold
// across providers at each tier; tier 0 is deterministic and never
// reaches an LLM.
var tierMaxTokens = map[int]int{
	0: 0,
	1: 4096,
	2: 8192,
	3: 16384,
	4: 16384,
	5: 32768,
}

const (
	maxToolRounds        = 8
	maxToolCallsPerRound = 12
	maxToolResultChars   = 12000
	maxChatProviders     = 6
)

// sentinelOutputInstructions is the universal output contract appended to
// every LLM step prompt. Persona files describe expertise; this block
// enforces the format regardless of which persona is loaded.
const sentinelOutputInstructions = `## Output Format (REQUIRED — engine contract)

Your response MUST use sentinel artifact blocks:

<<<ARTIFACT key>>>
FILE: path/to/file.ext
<full file content — no truncation>
ENDFILE
<<<ENDARTIFACT>>>

For structured data (JSON) use:

<<<ARTIFACT key>>>
{"field": "value", ...}
<<<ENDARTIFACT>>>

Rules:
- One <<<ARTIFACT key>>> block per logical output (e.g. backend_code, review_report)
- FILE/ENDFILE inside code artifacts; raw JSON inside data artifacts
- ENDFILE on its own line; <<<ENDARTIFACT>>> on its own line
- Complete files only — no truncation, no TODO stubs`

// LLMStepConfig binds an LLM-backed step function.
type LLMStepConfig struct {
	AgentName   string
	Description string
	Tier        int
	// ExpectedOutputKeys are the step's output_mapping keys; the prompt
	// demands an artifact block per key and parsing normalizes against
	// them.
	ExpectedOutputKeys []string
	// PromptFileOverride names a persona file that takes precedence over
	// the role-based lookup.
	PromptFileOverride string
	// EnabledTools is the tool allowlist; nil means every tier-eligible
	// tool.
	EnabledTools []string

	Prompts *PromptLoader
	Logger  *slog.Logger
}

// MakeLLMStep creates a StepFunc that drives a chat-completion loop for
// an agent. The SmartRouter, ToolRegistry, and ChatBackend are resolved
// from the execution context's service container at call time so tests
// can substitute all three.
//
// The returned output map carries a reserved "_meta" entry
// {model_used, tokens_used, tool_calls} that the StepExecutor extracts
// into the StepResult.
func MakeLLMStep(cfg LLMStepConfig) StepFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	return func(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
		backend := BackendFromContext(ec)
		if backend == nil {
			return nil, fmt.Errorf("no chat backend configured")
		}
		router := RouterFromContext(ec)
		if router == nil {
			return nil, fmt.Errorf("no smart router configured")
		}

		var tools []Tool
		if registry := ToolsFromContext(ec); registry != nil {
			tools = registry.SelectForStep(cfg.Tier, cfg.EnabledTools)
		}
		toolDefs := Definitions(tools)
		boundTools := make(map[string]Tool, len(tools))
		for _, t := range tools {
			boundTools[t.Name()] = t
		}

		prompt := assemblePrompt(cfg, ec, boundTools)
		maxTokens, ok := tierMaxTokens[cfg.Tier]
		if !ok {
			maxTokens = 8192
		}

		ec.AppendMessage(NewAgentMessage(MessageTask, cfg.AgentName, cfg.Description))

		messages := []ChatMessage{UserMessage(prompt)}
		var (
			response      string
			modelUsed     string
			tokensUsed    int
			toolCallCount int
		)

		for round := 0; round <= maxToolRounds; round++ {
			resp, model, turnTokens, err := completeChatWithFallback(ctx, backend, router, cfg.Tier, messages, maxTokens, toolDefs)
			if err != nil {
				return nil, err
			}
			modelUsed = model
			tokensUsed += turnTokens

			response = resp.Content
			messages = append(messages, ChatMessage{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			if len(resp.ToolCalls) == 0 {
				break
			}
			if round >= maxToolRounds {
				logger.Warn("tool loop maxed out", "agent", cfg.AgentName, "rounds", maxToolRounds)
				break
			}

			executed := 0
			calls := resp.ToolCalls
			if len(calls) > maxToolCallsPerRound {
				calls = calls[:maxToolCallsPerRound]
			}
			for _, call := range calls {
				callMsg := NewAgentMessage(MessageToolCall, cfg.AgentName, call.Name)
				callMsg.Metadata = map[string]any{"tool": call.Name, "call_id": call.ID}
				ec.AppendMessage(callMsg)

				resultMsg := runToolCall(ctx, call, boundTools)
				messages = append(messages, resultMsg)

				echo := NewAgentMessage(MessageToolResult, cfg.AgentName, truncateToolResult(resultMsg.Content))
				echo.Metadata = map[string]any{"tool": call.Name, "call_id": resultMsg.ToolCallID}
				ec.AppendMessage(echo)

				if call.Name != "" {
					executed++
				}
			}
			toolCallCount += executed
			if executed == 0 {
				// No named tool calls this round: break instead of looping
				// on the same malformed response forever.
				break
			}
		}

		responseMsg := NewAgentMessage(MessageResponse, cfg.AgentName, response)
		responseMsg.Metadata = map[string]any{"model": modelUsed, "tokens_used": tokensUsed}
		ec.AppendMessage(responseMsg)

		parsed := ParseSentinelOutput(response, cfg.ExpectedOutputKeys)
		if parsed == nil {
			parsed = ParseLLMJSONOutput(response, cfg.ExpectedOutputKeys)
		}

		parsed["_meta"] = map[string]any{
			"model_used":  modelUsed,
			"tokens_used": tokensUsed,
			"tool_calls":  toolCallCount,
		}
		return parsed, nil
	}
}

// assemblePrompt concatenates, separated by blank lines: persona, task
// block, context dump, required artifact list, tool contract, and the
// universal output instructions.
func assemblePrompt(cfg LLMStepConfig, ec *ExecutionContext, boundTools map[string]Tool) string {
	var parts []string

	if persona := cfg.Prompts.Load(cfg.AgentName, cfg.PromptFileOverride); persona != "" {
		parts = append(parts, persona, "---")
	}

	parts = append(parts, fmt.Sprintf("You are acting as agent '%s'.\nTask: %s", cfg.AgentName, cfg.Description))

	contextDump, err := json.MarshalIndent(ec.AllVariables(), "", "  ")
	if err != nil {
		contextDump = []byte("{}")
	}
	parts = append(parts, "Available context:\n"+string(contextDump))

	if len(cfg.ExpectedOutputKeys) > 0 {
		parts = append(parts, "Your response MUST include <<<ARTIFACT key>>> blocks for: "+
			strings.Join(cfg.ExpectedOutputKeys, ", ")+".")
	}

	if len(boundTools) > 0 {
		names := make([]string, 0, len(boundTools))
		for name := range boundTools {
			names = append(names, name)
		}
		sort.Strings(names)
		parts = append(parts,
			"Tooling access is enabled for this step.\n"+
				"Use tools to fetch facts or inspect artifacts instead of guessing.\n"+
				"Available tools: "+strings.Join(names, ", ")+".")
	}

	parts = append(parts, sentinelOutputInstructions)
	return strings.Join(parts, "\n\n")
}

// completeChatWithFallback walks the router's chain for the tier, trying
// up to maxChatProviders models. Outcomes are recorded on the router;
// rate limits also parse Retry-After from the error when present. Token
// accounting prefers provider usage and falls back to CountTokens over
// the flattened conversation.
func completeChatWithFallback(ctx context.Context, backend ChatBackend, router *SmartRouter, tier int, messages []ChatMessage, maxTokens int, tools []ToolDefinition) (ChatResponse, string, int, error) {
	var tried []string
	var lastErr error

	for i := 0; i < maxChatProviders; i++ {
		model := router.GetModelForTier(tier, SelectOptions{PreferHealthy: true})
		if model == "" || containsString(tried, model) {
			break
		}
		tried = append(tried, model)

		start := time.Now()
		resp, err := backend.CompleteChat(ctx, model, messages, maxTokens, tools)
		if err == nil {
			latency := float64(time.Since(start)) / float64(time.Millisecond)
			router.RecordSuccess(model, latency)
			if len(resp.Headers) > 0 {
				router.RateLimits().UpdateFromHeaders(model, resp.Headers)
			}

			tokens := resp.Usage.Total()
			if tokens <= 0 {
				tokens = backend.CountTokens(messagesToText(messages)+resp.Content, model)
			}
			return resp, model, tokens, nil
		}

		lastErr = err
		switch ClassifyError(err) {
		case ErrKindRateLimit:
			retryAfter := retryAfterOf(err)
			if retryAfter <= 0 {
				if headers := headersOf(err); headers != nil {
					retryAfter = router.RateLimits().GetCooldown(model, headers, 120*time.Second)
				}
			}
			router.RecordRateLimit(model, retryAfter)
		case ErrKindProviderTimeout:
			router.RecordTimeout(model)
		case ErrKindPermanent:
			router.RecordFailure(model, "permanent", true)
		default:
			router.RecordFailure(model, string(ClassifyError(err)), false)
		}
	}

	return ChatResponse{}, "", 0, fmt.Errorf("all chat models failed, tried %v: %w", tried, lastErr)
}

// messagesToText flattens messages for fallback token estimation.
func messagesToText(messages []ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(":")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// runToolCall executes one normalized tool call and returns the
// tool-result message to append. Unknown tools and invalid parameters
// produce error payloads instead of failing the step; tool panics are
// caught the same way.
func runToolCall(ctx context.Context, call ToolCall, boundTools map[string]Tool) ChatMessage {
	callID := call.ID
	if callID == "" {
		callID = "tool-" + NewID()
	}

	tool, ok := boundTools[call.Name]
	if !ok {
		payload, _ := json.Marshal(map[string]any{
			"success": false,
			"error":   "unknown tool: " + call.Name,
		})
		return ToolResultMessage(callID, call.Name, string(payload))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.ValidateParameters(args); err != nil {
		payload, _ := json.Marshal(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("invalid parameters for %s: %v", call.Name, err),
		})
		return ToolResultMessage(callID, call.Name, string(payload))
	}

	result := executeToolSafely(ctx, tool, args)
	return ToolResultMessage(callID, call.Name, serializeToolResult(result))
}

// executeToolSafely runs a tool with panic recovery.
func executeToolSafely(ctx context.Context, tool Tool, args map[string]any) (result ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{
				Success:  false,
				Error:    fmt.Sprintf("tool %s panic: %v", tool.Name(), p),
				ToolName: tool.Name(),
			}
		}
	}()

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	result.ToolName = tool.Name()
	if result.ExecutionTimeMS == 0 {
		result.ExecutionTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	}
	if err != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result
}

// serializeToolResult renders a ToolResult as compact JSON, truncated to
// the tool-result budget.
func serializeToolResult(result ToolResult) string {
	blob, err := json.Marshal(result)
	if err != nil {
		blob = []byte(fmt.Sprintf(`{"success":false,"error":"serialize: %v"}`, err))
	}
	return truncateToolResult(string(blob))
}

// truncateToolResult bounds tool payload size to avoid runaway context
// growth across rounds.
func truncateToolResult(text string) string {
	if len(text) <= maxToolResultChars {
		return text
	}
	return text[:maxToolResultChars] + "\n[truncated]"
}

// --- Agent resolution ---

// tier0Registry maps recognized tier-0 agent names to deterministic step
// functions.
var tier0Registry = map[string]StepFunc{
	"tier0_parser": parseSourceStep,
}

// ResolveAgent attaches an executable function to a step definition based
// on its agent metadata. Steps that already carry a function are left
// alone. Tier-0 agents resolve to deterministic implementations; higher
// tiers get an LLM-backed step function. The step's tier is set from the
// agent name.
func ResolveAgent(step *StepDefinition, prompts *PromptLoader, logger *slog.Logger) error {
	if step.Func != nil {
		return nil
	}
	agentName := step.AgentName()
	if agentName == "" {
		return &ErrValidation{Step: step.Name, Message: "no agent and no function defined"}
	}

	tier := InferTier(agentName)
	step.Tier = tier

	if tier == 0 {
		fn, ok := tier0Registry[agentName]
		if !ok {
			return &ErrValidation{Step: step.Name, Message: fmt.Sprintf("unknown tier-0 agent %q", agentName)}
		}
		step.Func = fn
		return nil
	}

	var expectedKeys []string
	for key := range step.OutputMapping {
		expectedKeys = append(expectedKeys, key)
	}
	sort.Strings(expectedKeys)

	promptFile, _ := step.Metadata["prompt_file"].(string)
	var enabledTools []string
	if raw, ok := step.Metadata["tools"]; ok && raw != nil {
		switch v := raw.(type) {
		case []string:
			enabledTools = v
		case []any:
			enabledTools = make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					enabledTools = append(enabledTools, s)
				}
			}
		}
	}

	step.Func = MakeLLMStep(LLMStepConfig{
		AgentName:          agentName,
		Description:        step.Description,
		Tier:               tier,
		ExpectedOutputKeys: expectedKeys,
		PromptFileOverride: promptFile,
		EnabledTools:       enabledTools,
		Prompts:            prompts,
		Logger:             logger,
	})
	return nil
}
