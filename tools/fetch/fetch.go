// Package fetch provides a cascade tool that downloads a URL and extracts
// its readable text content.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	cascade "github.com/nevindra/cascade"
)

// Tool fetches URLs and extracts readable content. Useful for research
// agents that need page text instead of raw HTML.
type Tool struct {
	client *http.Client
}

// New creates a fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

var _ cascade.Tool = (*Tool)(nil)

func (t *Tool) Name() string { return "http_fetch" }

func (t *Tool) Description() string {
	return "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation."
}

// Tier 1: any LLM-backed step may fetch.
func (t *Tool) Tier() int { return 1 }

func (t *Tool) Schema() cascade.ToolSchema {
	return cascade.ToolSchema{Parameters: map[string]cascade.ParameterSpec{
		"url": {Type: "string", Description: "URL to fetch", Required: true},
	}}
}

func (t *Tool) ValidateParameters(args map[string]any) error {
	if err := cascade.ValidateAgainstSchema(t.Schema(), args); err != nil {
		return err
	}
	raw, ok := args["url"].(string)
	if !ok || raw == "" {
		return fmt.Errorf("url must be a non-empty string")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be http or https")
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (cascade.ToolResult, error) {
	rawURL, _ := args["url"].(string)
	content, err := t.fetch(ctx, rawURL)
	if err != nil {
		return cascade.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return cascade.ToolResult{Success: true, Data: content}, nil
}

func (t *Tool) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; CascadeBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Fallback: simple tag stripping.
	return stripHTML(html), nil
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	angleRe  = regexp.MustCompile(`<[^>]*>`)
	spacesRe = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(html string) string {
	text := tagRe.ReplaceAllString(html, "")
	text = angleRe.ReplaceAllString(text, "\n")
	text = spacesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
