// Package file provides cascade tools for reading and writing files
// inside a sandboxed workspace root.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cascade "github.com/nevindra/cascade"
)

// maxReadBytes bounds file reads handed back to a model.
const maxReadBytes = 256 * 1024

// resolveInRoot joins rel onto root and rejects paths that escape it.
func resolveInRoot(root, rel string) (string, error) {
	clean := filepath.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return filepath.Join(root, clean), nil
}

// --- Read tool ---

// ReadTool reads a file from the workspace.
type ReadTool struct {
	root string
}

// NewRead creates a read tool rooted at dir.
func NewRead(dir string) *ReadTool { return &ReadTool{root: dir} }

var _ cascade.Tool = (*ReadTool)(nil)

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a text file from the workspace. Returns the file content."
}

func (t *ReadTool) Tier() int { return 1 }

func (t *ReadTool) Schema() cascade.ToolSchema {
	return cascade.ToolSchema{Parameters: map[string]cascade.ParameterSpec{
		"path": {Type: "string", Description: "Workspace-relative file path", Required: true},
	}}
}

func (t *ReadTool) ValidateParameters(args map[string]any) error {
	if err := cascade.ValidateAgainstSchema(t.Schema(), args); err != nil {
		return err
	}
	if s, ok := args["path"].(string); !ok || s == "" {
		return fmt.Errorf("path must be a non-empty string")
	}
	return nil
}

func (t *ReadTool) Execute(_ context.Context, args map[string]any) (cascade.ToolResult, error) {
	rel, _ := args["path"].(string)
	path, err := resolveInRoot(t.root, rel)
	if err != nil {
		return cascade.ToolResult{Success: false, Error: err.Error()}, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return cascade.ToolResult{Success: false, Error: err.Error()}, nil
	}
	content := string(blob)
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n... (truncated)"
	}
	return cascade.ToolResult{Success: true, Data: content}, nil
}

// --- Write tool ---

// WriteTool writes a file into the workspace. Gated at tier 2 so only
// mid-tier and stronger agents can mutate the workspace.
type WriteTool struct {
	root string
}

// NewWrite creates a write tool rooted at dir.
func NewWrite(dir string) *WriteTool { return &WriteTool{root: dir} }

var _ cascade.Tool = (*WriteTool)(nil)

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Write a text file into the workspace, creating parent directories as needed."
}

func (t *WriteTool) Tier() int { return 2 }

func (t *WriteTool) Schema() cascade.ToolSchema {
	return cascade.ToolSchema{Parameters: map[string]cascade.ParameterSpec{
		"path":    {Type: "string", Description: "Workspace-relative file path", Required: true},
		"content": {Type: "string", Description: "Full file content", Required: true},
	}}
}

func (t *WriteTool) ValidateParameters(args map[string]any) error {
	if err := cascade.ValidateAgainstSchema(t.Schema(), args); err != nil {
		return err
	}
	if s, ok := args["path"].(string); !ok || s == "" {
		return fmt.Errorf("path must be a non-empty string")
	}
	if _, ok := args["content"].(string); !ok {
		return fmt.Errorf("content must be a string")
	}
	return nil
}

func (t *WriteTool) Execute(_ context.Context, args map[string]any) (cascade.ToolResult, error) {
	rel, _ := args["path"].(string)
	content, _ := args["content"].(string)

	path, err := resolveInRoot(t.root, rel)
	if err != nil {
		return cascade.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cascade.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return cascade.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return cascade.ToolResult{
		Success: true,
		Data:    fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
	}, nil
}
