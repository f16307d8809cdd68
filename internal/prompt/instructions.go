package prompt

import (
	"strings"

	"github.com/user/conclave/pkg/llm"
)

// MergeInstructions joins base instructions with every system message in
// history, base first and system messages in their original order.
func MergeInstructions(base string, history []llm.Message) string {
	parts := make([]string, 0, 1+len(history))
	if s := strings.TrimSpace(base); s != "" {
		parts = append(parts, s)
	}
	for _, m := range history {
		if m.Role != llm.RoleSystem {
			continue
		}
		if s := strings.TrimSpace(m.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// WithoutSystem drops system messages from history.
func WithoutSystem(history []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role != llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
