package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasGenerationCompleteMarker(t *testing.T) {
	assert.True(t, HasGenerationCompleteMarker("plan body\nPLAN_GENERATION_COMPLETE\n"))
	assert.True(t, HasGenerationCompleteMarker("  PLAN_GENERATION_COMPLETE  "))
	assert.False(t, HasGenerationCompleteMarker("the PLAN_GENERATION_COMPLETE marker goes on its own line"))
	assert.False(t, HasGenerationCompleteMarker("still thinking"))
}

func TestExtractPlanContent(t *testing.T) {
	t.Run("prefers fenced plan block", func(t *testing.T) {
		output := "Here is my plan:\n```plan\n# Plan\n\n1. Do the thing.\n```\nPLAN_GENERATION_COMPLETE\n"
		assert.Equal(t, "# Plan\n\n1. Do the thing.", ExtractPlanContent(output))
	})

	t.Run("ignores fences with longer labels", func(t *testing.T) {
		output := "```plantuml\n@startuml\n```\n```plan\nreal plan\n```"
		assert.Equal(t, "real plan", ExtractPlanContent(output))
	})

	t.Run("falls back to text before the marker", func(t *testing.T) {
		output := "Step one.\nStep two.\nPLAN_GENERATION_COMPLETE\ntrailing chatter"
		assert.Equal(t, "Step one.\nStep two.", ExtractPlanContent(output))
	})

	t.Run("uses whole output when unmarked", func(t *testing.T) {
		assert.Equal(t, "just a plan", ExtractPlanContent("  just a plan \n"))
	})
}

func TestParseTasksFencedBlock(t *testing.T) {
	content := "# Plan\n\nSome intro prose.\n\n" +
		"```tasks\n" +
		"- [ ] T001: Create the login form [file: web/login.tsx] [phase: ui]\n" +
		"- [x] T002: Add the auth endpoint [file: api/auth.go] [phase: backend]\n" +
		"- [ ] Wire form to endpoint [phase: ui]\n" +
		"```\n"

	tasks := ParseTasks(content)
	require.Len(t, tasks, 3)

	assert.Equal(t, "T001", tasks[0].ID)
	assert.Equal(t, "Create the login form", tasks[0].Description)
	assert.Equal(t, "web/login.tsx", tasks[0].FilePath)
	assert.Equal(t, "ui", tasks[0].Phase)
	assert.Equal(t, TaskPending, tasks[0].Status)

	assert.Equal(t, "T002", tasks[1].ID)
	assert.Equal(t, TaskCompleted, tasks[1].Status)

	// Sequential assignment skips ids already claimed explicitly.
	assert.Equal(t, "T003", tasks[2].ID)
	assert.Equal(t, "Wire form to endpoint", tasks[2].Description)
	assert.Empty(t, tasks[2].FilePath)
	assert.Equal(t, "ui", tasks[2].Phase)
}

func TestParseTasksChecklistFallback(t *testing.T) {
	content := "No fence here.\n- [ ] First thing\n* [X] Second thing\nnot a task line\n- [] malformed\n"

	tasks := ParseTasks(content)
	require.Len(t, tasks, 2)

	assert.Equal(t, "T001", tasks[0].ID)
	assert.Equal(t, "First thing", tasks[0].Description)
	assert.Equal(t, TaskPending, tasks[0].Status)

	assert.Equal(t, "T002", tasks[1].ID)
	assert.Equal(t, "Second thing", tasks[1].Description)
	assert.Equal(t, TaskCompleted, tasks[1].Status)
}

func TestParseTasksSequentialIDsSkipUsed(t *testing.T) {
	content := "```tasks\n" +
		"- [ ] No id yet\n" +
		"- [ ] T001: Explicit first\n" +
		"- [ ] Another without id\n" +
		"```\n"

	tasks := ParseTasks(content)
	require.Len(t, tasks, 3)
	// T001 is taken by the explicit task, so the unnamed ones get T002/T003.
	assert.Equal(t, "T002", tasks[0].ID)
	assert.Equal(t, "T001", tasks[1].ID)
	assert.Equal(t, "T003", tasks[2].ID)
}

func TestParseTasksEmpty(t *testing.T) {
	assert.Empty(t, ParseTasks("A plan with prose only.\n\n1. numbered, not a checklist\n"))
	assert.Empty(t, ParseTasks(""))
	assert.Empty(t, ParseTasks("```tasks\n- [ ]   \n```"))
}

func TestExtractFencedBlockUnterminated(t *testing.T) {
	block, ok := extractFencedBlock("```plan\nline one\nline two", "plan")
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", block)

	_, ok = extractFencedBlock("no fences at all", "plan")
	assert.False(t, ok)
}
