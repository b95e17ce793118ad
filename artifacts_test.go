package cascade

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func successResult(runID string, outputs ...map[string]any) *WorkflowResult {
	result := newWorkflowResult(runID, "wf")
	for i, out := range outputs {
		sr := newStepResult("step"+string(rune('a'+i)), 1)
		sr.OutputData = out
		sr.markComplete(StepSuccess)
		result.AddStep(sr)
	}
	result.markComplete(true)
	return result
}

func TestArtifactExtraction(t *testing.T) {
	dir := t.TempDir()
	result := successResult("run-1", map[string]any{
		"code": "FILE: src/main.go\npackage main\nENDFILE",
	})

	runDir, err := NewArtifactExtractor(dir).Extract(result)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	if runDir != filepath.Join(dir, "run-1") {
		t.Errorf("runDir = %v", runDir)
	}

	blob, err := os.ReadFile(filepath.Join(runDir, "src", "main.go"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if !strings.Contains(string(blob), "package main") {
		t.Errorf("content = %q", blob)
	}
}

func TestArtifactLaterStepWins(t *testing.T) {
	dir := t.TempDir()
	result := successResult("run-2",
		map[string]any{"code": "FILE: app.go\nversion one\nENDFILE"},
		map[string]any{"code": "FILE: app.go\nversion two\nENDFILE"},
	)

	runDir, err := NewArtifactExtractor(dir).Extract(result)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	blob, _ := os.ReadFile(filepath.Join(runDir, "app.go"))
	if !strings.Contains(string(blob), "version two") {
		t.Errorf("content = %q, want the later step's version", blob)
	}
}

func TestArtifactPathSanitization(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"src/a.go", filepath.Join("src", "a.go"), true},
		{"/etc/passwd", filepath.Join("etc", "passwd"), true},
		{"../../escape.txt", "escape.txt", true},
		{"a\\b\\c.txt", filepath.Join("a", "b", "c.txt"), true},
		{"..", "", false},
		{"../..", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := safeRelPath(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Errorf("safeRelPath(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestArtifactExtractionStaysInRunDir(t *testing.T) {
	dir := t.TempDir()
	result := successResult("run-3", map[string]any{
		"code": "FILE: ../../outside.txt\nescaped\nENDFILE",
	})

	runDir, err := NewArtifactExtractor(dir).Extract(result)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	// The ".." components are dropped, so the file lands inside the run dir.
	if _, err := os.Stat(filepath.Join(runDir, "outside.txt")); err != nil {
		t.Errorf("sanitized file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "outside.txt")); err == nil {
		t.Error("file escaped the artifacts directory")
	}
}

func TestArtifactSkipsFailedSteps(t *testing.T) {
	dir := t.TempDir()
	result := newWorkflowResult("run-4", "wf")
	sr := newStepResult("bad", 1)
	sr.OutputData = map[string]any{"code": "FILE: x.go\nnope\nENDFILE"}
	sr.markComplete(StepFailed)
	result.AddStep(sr)
	result.markComplete(false)

	runDir, err := NewArtifactExtractor(dir).Extract(result)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	if runDir != "" {
		t.Errorf("runDir = %q, want empty (failed steps ignored)", runDir)
	}
}

func TestArtifactScansNestedOutputs(t *testing.T) {
	dir := t.TempDir()
	result := successResult("run-5", map[string]any{
		"bundle": map[string]any{
			"parts": []any{"FILE: deep/nested.txt\nfound me\nENDFILE"},
		},
	})

	runDir, err := NewArtifactExtractor(dir).Extract(result)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "deep", "nested.txt")); err != nil {
		t.Errorf("nested artifact missing: %v", err)
	}
}
