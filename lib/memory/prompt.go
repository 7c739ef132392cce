// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import "strings"

// RenderContext formats matches as a block of prior-knowledge context
// suitable for prepending to the child's first prompt. An empty match
// list renders to the empty string.
func RenderContext(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Prior context that may be relevant to this task:\n")
	for _, m := range matches {
		b.WriteString("- ")
		if m.Summary != "" {
			b.WriteString(m.Summary)
		} else {
			b.WriteString(m.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// MergePrompt prepends the rendered context for matches to prompt,
// separated by a blank line. If matches is empty, prompt is returned
// unchanged.
func MergePrompt(prompt string, matches []Match) string {
	context := RenderContext(matches)
	if context == "" {
		return prompt
	}
	return context + "\n" + prompt
}

// UsedMatchIDs reports which of matches have their ID substring
// present in childOutput — a cheap proxy for "did the child actually
// reference this prior match", used by the gatekeeper to separate
// matches that were merely offered from ones that were acted on.
func UsedMatchIDs(childOutput string, matches []Match) []string {
	var used []string
	for _, m := range matches {
		if m.ID != "" && strings.Contains(childOutput, m.ID) {
			used = append(used, m.ID)
		}
	}
	return used
}
