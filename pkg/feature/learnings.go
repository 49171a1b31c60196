package feature

import "strings"

// LearningLinePrefix marks a single-line learning in agent output.
const LearningLinePrefix = "LEARNING:"

// ExtractLearnings pulls learning notes out of agent output. Two forms are
// recognized: lines prefixed "LEARNING:" anywhere in the output, and a
// fenced ```learnings block where every non-empty line (optionally
// bulleted) is one learning. Duplicates are dropped, order preserved.
func ExtractLearnings(output string) []string {
	var learnings []string
	seen := make(map[string]bool)

	add := func(s string) {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") {
			s = strings.TrimSpace(s[2:])
		}
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		learnings = append(learnings, s)
	}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, LearningLinePrefix) {
			add(trimmed[len(LearningLinePrefix):])
		}
	}

	if block, ok := extractFencedBlock(output, "learnings"); ok {
		for _, line := range strings.Split(block, "\n") {
			add(line)
		}
	}

	return learnings
}
