package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	cascade "github.com/nevindra/cascade"
)

// Backend implements cascade.ChatBackend over an OpenAI-compatible API.
type Backend struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	// stripPrefix removes the "provider:" prefix from model ids before
	// sending them on the wire (router ids like "openai:gpt-4o" become
	// "gpt-4o").
	stripPrefix bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// KeepModelPrefix disables stripping the "provider:" prefix from model
// ids (for gateways that route on the full id).
func KeepModelPrefix() Option {
	return func(b *Backend) { b.stripPrefix = false }
}

// New creates a Backend. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the /chat/completions path is appended
// automatically.
func New(apiKey, baseURL string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 120 * time.Second},
		logger:      slog.New(slog.DiscardHandler),
		stripPrefix: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ cascade.ChatBackend = (*Backend)(nil)

// CompleteChat sends a chat completion request and returns the normalized
// assistant turn. Response headers are attached so the rate-limit tracker
// can parse them; non-2xx responses become *cascade.ErrHTTP carrying the
// same headers and any Retry-After value.
func (b *Backend) CompleteChat(ctx context.Context, model string, messages []cascade.ChatMessage, maxTokens int, tools []cascade.ToolDefinition) (cascade.ChatResponse, error) {
	body := chatRequest{
		Model:     b.wireModel(model),
		Messages:  toWireMessages(messages),
		MaxTokens: maxTokens,
	}
	for _, t := range tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	blob, err := json.Marshal(body)
	if err != nil {
		return cascade.ChatResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(blob))
	if err != nil {
		return cascade.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return cascade.ChatResponse{}, &cascade.ErrLLM{Provider: "openai", Model: model, Message: err.Error()}
	}
	defer resp.Body.Close()

	headers := flattenHeaders(resp.Header)
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return cascade.ChatResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return cascade.ChatResponse{}, &cascade.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       truncateBody(string(payload)),
			RetryAfter: retryAfterHeader(resp.Header),
			Headers:    headers,
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return cascade.ChatResponse{}, &cascade.ErrLLM{Provider: "openai", Model: model, Message: "decode response: " + err.Error()}
	}
	if parsed.Error != nil {
		return cascade.ChatResponse{}, &cascade.ErrLLM{Provider: "openai", Model: model, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return cascade.ChatResponse{}, &cascade.ErrLLM{Provider: "openai", Model: model, Message: "empty choices"}
	}

	choice := parsed.Choices[0]
	out := cascade.ChatResponse{
		Content: choice.Message.Content,
		Usage: cascade.ChatUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Headers: headers,
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, normalizeToolCall(call))
	}
	return out, nil
}

// CountTokens estimates tokens as chars/4 — the usual rough heuristic for
// OpenAI-family tokenizers. Used only when the provider omits usage data.
func (b *Backend) CountTokens(text string, _ string) int {
	return len(text) / 4
}

func (b *Backend) wireModel(model string) string {
	if !b.stripPrefix {
		return model
	}
	if _, after, ok := strings.Cut(model, ":"); ok {
		return after
	}
	return model
}

func toWireMessages(messages []cascade.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			var wc wireToolCall
			wc.ID = tc.ID
			wc.Type = "function"
			wc.Function.Name = tc.Name
			if args, err := json.Marshal(tc.Arguments); err == nil {
				wc.Function.Arguments = string(args)
			} else {
				wc.Function.Arguments = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out = append(out, wm)
	}
	return out
}

// normalizeToolCall converts the wire shape (arguments as a JSON string)
// into the engine shape (arguments as a map). Unparseable arguments
// become an empty map rather than failing the turn.
func normalizeToolCall(call wireToolCall) cascade.ToolCall {
	args := map[string]any{}
	if s := strings.TrimSpace(call.Function.Arguments); s != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			args = parsed
		}
	}
	return cascade.ToolCall{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: args,
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func retryAfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 && n <= 3600 {
		return time.Duration(n) * time.Second
	}
	return 0
}

func truncateBody(s string) string {
	if len(s) > 2000 {
		return s[:2000]
	}
	return s
}
