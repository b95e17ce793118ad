package cascade

import (
	"strings"
	"testing"
)

func TestSentinelParseRoundTrip(t *testing.T) {
	response := "<<<ARTIFACT code>>>\nFILE: src/a.py\nprint('x')\nENDFILE\n<<<ENDARTIFACT>>>\n" +
		"<<<ARTIFACT meta>>>\n{\"ok\":true}\n<<<ENDARTIFACT>>>"

	parsed := ParseSentinelOutput(response, nil)
	if parsed == nil {
		t.Fatal("expected sentinel parse to match")
	}

	code, ok := parsed["code"].(string)
	if !ok {
		t.Fatalf("code = %T, want string", parsed["code"])
	}
	if !strings.Contains(code, "FILE: src/a.py") || !strings.Contains(code, "print('x')") {
		t.Errorf("code = %q", code)
	}

	files, ok := parsed["code_files"].(map[string]string)
	if !ok {
		t.Fatal("code_files missing")
	}
	if got := strings.TrimRight(files["src/a.py"], "\n"); got != "print('x')" {
		t.Errorf("code_files[src/a.py] = %q", got)
	}

	meta, ok := parsed["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta = %T, want JSON object", parsed["meta"])
	}
	if meta["ok"] != true {
		t.Errorf("meta.ok = %v", meta["ok"])
	}
}

func TestSentinelParseNoBlocks(t *testing.T) {
	if got := ParseSentinelOutput("plain text, no artifacts", nil); got != nil {
		t.Errorf("parse = %v, want nil so callers fall back to JSON", got)
	}
}

func TestSentinelMultipleFiles(t *testing.T) {
	response := "<<<ARTIFACT backend_code>>>\n" +
		"FILE: app/main.go\npackage main\nENDFILE\n" +
		"FILE: app/util.go\npackage main // util\nENDFILE\n" +
		"<<<ENDARTIFACT>>>"

	parsed := ParseSentinelOutput(response, nil)
	files := parsed["backend_code_files"].(map[string]string)
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2 entries", files)
	}
	if _, ok := files["app/main.go"]; !ok {
		t.Error("missing app/main.go")
	}
	if _, ok := files["app/util.go"]; !ok {
		t.Error("missing app/util.go")
	}
}

func TestJSONParseFallbackChain(t *testing.T) {
	// Raw JSON.
	parsed := ParseLLMJSONOutput(`{"a": 1}`, nil)
	if parsed["a"] != 1.0 {
		t.Errorf("raw parse = %v", parsed)
	}

	// Fenced JSON.
	parsed = ParseLLMJSONOutput("```json\n{\"b\": 2}\n```", nil)
	if parsed["b"] != 2.0 {
		t.Errorf("fenced parse = %v", parsed)
	}

	// Bracket span inside prose.
	parsed = ParseLLMJSONOutput(`Here is the result: {"c": 3} hope it helps!`, nil)
	if parsed["c"] != 3.0 {
		t.Errorf("bracket-span parse = %v", parsed)
	}

	// Unparseable -> raw_response.
	parsed = ParseLLMJSONOutput("not json at all", nil)
	if parsed["raw_response"] != "not json at all" {
		t.Errorf("fallback = %v", parsed)
	}
}

func TestJSONParseReviewSalvage(t *testing.T) {
	parsed := ParseLLMJSONOutput(`The review found issues. overall_status: "NEEDS FIXES"`, []string{"review_report"})
	rr, ok := parsed["review_report"].(map[string]any)
	if !ok {
		t.Fatal("review_report missing from salvage")
	}
	if rr["overall_status"] != "NEEDS_FIXES" {
		t.Errorf("salvaged status = %v", rr["overall_status"])
	}

	// approved: true salvage.
	parsed = ParseLLMJSONOutput(`approved: true, everything looks good`, []string{"review_report"})
	rr = parsed["review_report"].(map[string]any)
	if rr["overall_status"] != "APPROVED" {
		t.Errorf("approved salvage = %v", rr["overall_status"])
	}

	// Nothing recoverable -> conservative default.
	parsed = ParseLLMJSONOutput("garbage", []string{"review_report"})
	rr = parsed["review_report"].(map[string]any)
	if rr["overall_status"] != "NEEDS_FIXES" {
		t.Errorf("default salvage = %v", rr["overall_status"])
	}
}

func TestSentinelReviewNormalization(t *testing.T) {
	response := "<<<ARTIFACT review_report>>>\n{\"overall_status\": \"pass\"}\n<<<ENDARTIFACT>>>"
	parsed := ParseSentinelOutput(response, []string{"review_report"})
	rr := parsed["review_report"].(map[string]any)
	if rr["overall_status"] != "APPROVED" {
		t.Errorf("status = %v, want APPROVED", rr["overall_status"])
	}
}

func TestExtractFileBlocksEmpty(t *testing.T) {
	if got := ExtractFileBlocks("no blocks here"); got != nil {
		t.Errorf("ExtractFileBlocks = %v, want nil", got)
	}
}
