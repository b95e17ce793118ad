package cascade

import (
	"os"
	"path/filepath"
	"strings"
)

// Agent persona prompts are opaque Markdown files under a prompts
// directory, one per role. Resolution order for agent "tier2_coder":
//
//  1. The explicit prompt_file override from the step definition.
//  2. prompts/coder.md — the suffix after the tier prefix.
//  3. prompts/default.md.
//
// A missing file at every level returns "", and the step runs with the
// inline output instructions only.

// PromptLoader resolves persona prompts from a directory.
type PromptLoader struct {
	Dir string
}

// NewPromptLoader creates a loader rooted at dir.
func NewPromptLoader(dir string) *PromptLoader {
	return &PromptLoader{Dir: dir}
}

// Load returns the persona prompt for an agent, or "".
func (l *PromptLoader) Load(agentName, override string) string {
	if l == nil || l.Dir == "" {
		return ""
	}

	if override != "" {
		if text, err := os.ReadFile(filepath.Join(l.Dir, filepath.Base(override))); err == nil {
			return string(text)
		}
	}

	if role := agentRole(agentName); role != "" {
		if text, err := os.ReadFile(filepath.Join(l.Dir, role+".md")); err == nil {
			return string(text)
		}
	}

	if text, err := os.ReadFile(filepath.Join(l.Dir, "default.md")); err == nil {
		return string(text)
	}
	return ""
}

// agentRole extracts the role suffix from a tier-prefixed agent name:
// "tier2_coder" -> "coder". Names without an underscore have no role.
func agentRole(agentName string) string {
	if _, after, ok := strings.Cut(agentName, "_"); ok {
		return after
	}
	return ""
}

// InferTier maps an agent name to its model tier by the tier{N}_ prefix
// convention. Unrecognized names default to tier 2 (balanced).
func InferTier(agentName string) int {
	if strings.HasPrefix(agentName, "tier") && len(agentName) > 5 && agentName[5] == '_' {
		switch agentName[4] {
		case '0':
			return 0
		case '1':
			return 1
		case '2':
			return 2
		case '3':
			return 3
		case '4':
			return 4
		case '5':
			return 5
		}
	}
	return 2
}
