package feature

import (
	"fmt"
	"regexp"
	"strings"
)

// PlanGenerationCompleteMarker is the line the planning prompt instructs
// the agent to finish with once the plan document is fully emitted.
const PlanGenerationCompleteMarker = "PLAN_GENERATION_COMPLETE"

var (
	taskLineRe = regexp.MustCompile(`^\s*[-*]\s*\[([ xX])\]\s*(.+)$`)
	taskIDRe   = regexp.MustCompile(`^(T\d{3}):\s*(.*)$`)
	fileTagRe  = regexp.MustCompile(`\s*\[file:\s*([^\]]+)\]`)
	phaseTagRe = regexp.MustCompile(`\s*\[phase:\s*([^\]]+)\]`)
)

// HasGenerationCompleteMarker reports whether the agent signaled the end of
// plan generation in its output.
func HasGenerationCompleteMarker(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == PlanGenerationCompleteMarker {
			return true
		}
	}
	return false
}

// ExtractPlanContent pulls the plan document out of agent output: the
// fenced ```plan block when present, otherwise everything before the
// generation-complete marker.
func ExtractPlanContent(output string) string {
	if block, ok := extractFencedBlock(output, "plan"); ok {
		return block
	}
	if idx := strings.Index(output, PlanGenerationCompleteMarker); idx >= 0 {
		return strings.TrimSpace(output[:idx])
	}
	return strings.TrimSpace(output)
}

// ParseTasks extracts the task list from plan content. It prefers a fenced
// ```tasks block of checklist lines; without one, any checklist lines in
// the content serve as fallback. Tasks missing an explicit T### id are
// assigned the next free sequential id.
func ParseTasks(content string) []ParsedTask {
	source := content
	if block, ok := extractFencedBlock(content, "tasks"); ok {
		source = block
	}

	var tasks []ParsedTask
	used := make(map[string]bool)

	for _, line := range strings.Split(source, "\n") {
		m := taskLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		status := TaskPending
		if strings.EqualFold(m[1], "x") {
			status = TaskCompleted
		}

		body := strings.TrimSpace(m[2])
		id := ""
		if idm := taskIDRe.FindStringSubmatch(body); idm != nil {
			id = idm[1]
			body = strings.TrimSpace(idm[2])
		}

		filePath := ""
		if fm := fileTagRe.FindStringSubmatch(body); fm != nil {
			filePath = strings.TrimSpace(fm[1])
			body = fileTagRe.ReplaceAllString(body, "")
		}

		phase := ""
		if pm := phaseTagRe.FindStringSubmatch(body); pm != nil {
			phase = strings.TrimSpace(pm[1])
			body = phaseTagRe.ReplaceAllString(body, "")
		}

		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}

		if id != "" {
			used[id] = true
		}
		tasks = append(tasks, ParsedTask{
			ID:          id,
			Description: body,
			FilePath:    filePath,
			Phase:       phase,
			Status:      status,
		})
	}

	// Assign sequential ids to tasks that came without one, skipping ids
	// already claimed explicitly.
	next := 1
	for i := range tasks {
		if tasks[i].ID != "" {
			continue
		}
		for {
			candidate := fmt.Sprintf("T%03d", next)
			next++
			if !used[candidate] {
				tasks[i].ID = candidate
				used[candidate] = true
				break
			}
		}
	}

	return tasks
}

// extractFencedBlock returns the body of the first ```<label> fenced block.
// An unterminated fence runs to the end of the input.
func extractFencedBlock(s, label string) (string, bool) {
	marker := "```" + label
	idx := 0
	for {
		rel := strings.Index(s[idx:], marker)
		if rel == -1 {
			return "", false
		}
		idx += rel
		after := idx + len(marker)
		// Reject longer labels sharing the prefix (```plantuml vs ```plan).
		if after < len(s) && s[after] != '\n' && s[after] != '\r' && s[after] != ' ' {
			idx = after
			continue
		}
		rest := s[after:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		} else {
			return "", false
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimRight(strings.TrimLeft(rest, "\n"), "\n"), true
	}
}
