package cascade

import (
	"encoding/json"
	"regexp"
	"strings"
)

// LLM responses carry their outputs in sentinel artifact blocks:
//
//	<<<ARTIFACT key>>>
//	FILE: path/to/file.ext
//	<full file content>
//	ENDFILE
//	<<<ENDARTIFACT>>>
//
// JSON artifacts omit FILE/ENDFILE and contain a single JSON value. The
// parsers here are deliberately forgiving: sentinel parse first, then
// increasingly permissive JSON extraction, then a raw_response fallback
// with best-effort review salvage.

var (
	artifactRe  = regexp.MustCompile(`(?s)<<<ARTIFACT\s+(\w+)>>>(.*?)<<<ENDARTIFACT>>>`)
	fileBlockRe = regexp.MustCompile(`(?sm)^FILE:\s*(.+?)\r?\n(.*?)^ENDFILE\s*$`)
)

// ExtractFileBlocks returns {path: content} for every FILE/ENDFILE block
// in content. Empty when none are present.
func ExtractFileBlocks(content string) map[string]string {
	matches := fileBlockRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make(map[string]string, len(matches))
	for _, m := range matches {
		files[strings.TrimSpace(m[1])] = m[2]
	}
	return files
}

// ParseSentinelOutput parses sentinel artifact blocks from text. For each
// block: JSON-shaped content (starting with '{' or '[') is parsed as
// JSON; anything else is kept as a raw string, and any FILE/ENDFILE
// blocks inside it are additionally exposed as a {path: content} map
// under "<key>_files". Returns nil when no sentinel blocks are found so
// callers can fall back to JSON parsing.
func ParseSentinelOutput(text string, expectedKeys []string) map[string]any {
	matches := artifactRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	result := make(map[string]any, len(matches))
	for _, m := range matches {
		key := m[1]
		content := strings.TrimSpace(m[2])

		stripped := strings.TrimLeft(content, " \t\r\n")
		if strings.HasPrefix(stripped, "{") || strings.HasPrefix(stripped, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(content), &parsed); err == nil {
				result[key] = parsed
				continue
			}
		}

		result[key] = content
		if files := ExtractFileBlocks(content); files != nil {
			result[key+"_files"] = files
		}
	}

	if containsString(expectedKeys, "review_report") {
		normalizeReviewOutput(result)
	}
	return result
}

// extractJSONCandidates returns increasingly permissive JSON candidates
// from model output: raw text, fence-stripped text, the widest bracket
// span for an object, then for an array. Duplicates are removed while
// preserving priority order.
func extractJSONCandidates(text string) []string {
	var candidates []string
	raw := strings.TrimSpace(text)
	if raw != "" {
		candidates = append(candidates, raw)
	}

	if strings.HasPrefix(raw, "```") {
		var kept []string
		for _, line := range strings.Split(raw, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		if fenced := strings.TrimSpace(strings.Join(kept, "\n")); fenced != "" {
			candidates = append(candidates, fenced)
		}
	}

	if first, last := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); first != -1 && last > first {
		if snippet := strings.TrimSpace(raw[first : last+1]); snippet != "" {
			candidates = append(candidates, snippet)
		}
	}
	if first, last := strings.Index(raw, "["), strings.LastIndex(raw, "]"); first != -1 && last > first {
		if snippet := strings.TrimSpace(raw[first : last+1]); snippet != "" {
			candidates = append(candidates, snippet)
		}
	}

	seen := make(map[string]bool, len(candidates))
	var ordered []string
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			ordered = append(ordered, c)
		}
	}
	return ordered
}

// tryParseJSONObject parses text as a JSON object. Arrays and scalars are
// rejected; only dict-shaped output matches the step contract.
func tryParseJSONObject(text string) (map[string]any, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, false
	}
	obj, ok := parsed.(map[string]any)
	return obj, ok
}

// ParseLLMJSONOutput parses model text into a dict with robust fallbacks.
// Each candidate from extractJSONCandidates is tried in order; the first
// object parse wins and is review-normalized when review_report is
// expected. When every candidate fails, the result is
// {"raw_response": text}, plus a salvaged review_report (default
// NEEDS_FIXES) when one is expected — the conservative value forces the
// rework path downstream.
func ParseLLMJSONOutput(text string, expectedKeys []string) map[string]any {
	expectsReview := containsString(expectedKeys, "review_report")

	for _, candidate := range extractJSONCandidates(text) {
		if parsed, ok := tryParseJSONObject(candidate); ok {
			if expectsReview {
				normalizeReviewOutput(parsed)
			}
			return parsed
		}
	}

	fallback := map[string]any{"raw_response": text}
	if expectsReview {
		status := salvageStatusFromText(text)
		fallback["review_report"] = map[string]any{
			"overall_status": string(NormalizeReviewStatus(status)),
		}
	}
	return fallback
}
