package autoloop

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/events"
	"conductor/pkg/feature"
	"conductor/pkg/pipeline"
)

func testPipeline(t *testing.T, projectPath string, steps ...pipeline.Step) {
	t.Helper()
	require.NoError(t, pipeline.Save(projectPath, pipeline.Config{Steps: steps}))
}

func TestPipelineRunsConfiguredStepsInOrder(t *testing.T) {
	var rig *testRig
	var statusDuring []feature.Status
	provider := &agent.MockProvider{
		Respond: func(call int, opts agent.QueryOptions) agent.MockResponse {
			f, err := rig.store.Load(rig.project, "feat-pipe")
			require.NoError(t, err)
			statusDuring = append(statusDuring, f.Status)
			return agent.MockResponse{Output: fmt.Sprintf("output of call %d", call)}
		},
	}
	rig = newTestRig(t, provider)
	testPipeline(t, rig.project,
		pipeline.Step{ID: "lint", Name: "Lint", Prompt: "Run the linter and fix findings.", Order: 1},
		pipeline.Step{ID: "test", Name: "Test", Prompt: "Run the tests and fix failures.", Order: 2},
	)
	rig.addFeature(t, &feature.Feature{ID: "feat-pipe", Title: "With pipeline"})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-pipe"))

	require.Equal(t, 3, provider.CallCount())
	calls := provider.Calls()
	assert.Equal(t, phaseImplementation, calls[0].Phase)
	assert.Equal(t, phasePipeline, calls[1].Phase)
	assert.Equal(t, phasePipeline, calls[2].Phase)
	assert.Contains(t, calls[1].Prompt, "Run the linter")
	// Step prompts carry the work done so far.
	assert.Contains(t, calls[1].Prompt, "output of call 0")
	assert.Contains(t, calls[2].Prompt, "Run the tests")

	// The active step is persisted in the status while it runs.
	assert.Equal(t, []feature.Status{
		feature.StatusInProgress,
		feature.PipelineStatus("lint"),
		feature.PipelineStatus("test"),
	}, statusDuring)

	evs := rig.drainEvents()
	starts := ofKind(evs, events.TypePipelineStepStarted)
	require.Len(t, starts, 2)
	first := starts[0].(events.PipelineStepStarted)
	assert.Equal(t, "lint", first.StepID)
	assert.Equal(t, "Lint", first.StepName)
	assert.Equal(t, 0, first.StepIndex)
	assert.Equal(t, 1, starts[1].(events.PipelineStepStarted).StepIndex)
	assert.Len(t, ofKind(evs, events.TypePipelineStepComplete), 2)

	assert.Equal(t, feature.StatusVerified, rig.loadFeature(t, "feat-pipe").Status)
}

func TestPipelineResumesAtCrashedStep(t *testing.T) {
	provider := agent.NewMockProvider(
		agent.MockResponse{Output: "re-ran the tests"},
		agent.MockResponse{Output: "docs updated"},
	)
	rig := newTestRig(t, provider)
	testPipeline(t, rig.project,
		pipeline.Step{ID: "lint", Name: "Lint", Prompt: "Lint.", Order: 1},
		pipeline.Step{ID: "test", Name: "Test", Prompt: "Test.", Order: 2},
		pipeline.Step{ID: "docs", Name: "Docs", Prompt: "Update docs.", Order: 3},
	)
	rig.addFeature(t, &feature.Feature{
		ID:     "feat-crashed",
		Title:  "Crashed mid-step",
		Status: feature.PipelineStatus("test"),
		Output: "implementation finished; lint passed",
	})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-crashed"))

	// Lint is not re-run; the crashed step is, then the rest.
	require.Equal(t, 2, provider.CallCount())
	calls := provider.Calls()
	assert.Contains(t, calls[0].Prompt, "Test.")
	assert.Contains(t, calls[0].Prompt, "partially applied")
	assert.Contains(t, calls[1].Prompt, "Update docs.")
	assert.NotContains(t, calls[1].Prompt, "partially applied")

	evs := rig.drainEvents()
	starts := ofKind(evs, events.TypePipelineStepStarted)
	require.Len(t, starts, 2)
	assert.Equal(t, 1, starts[0].(events.PipelineStepStarted).StepIndex)
	assert.Equal(t, 2, starts[1].(events.PipelineStepStarted).StepIndex)

	assert.Equal(t, feature.StatusVerified, rig.loadFeature(t, "feat-crashed").Status)
}

func TestPipelineRemovedStepCompletesFeature(t *testing.T) {
	provider := agent.NewMockProvider()
	rig := newTestRig(t, provider)
	testPipeline(t, rig.project,
		pipeline.Step{ID: "lint", Name: "Lint", Prompt: "Lint.", Order: 1},
	)
	rig.addFeature(t, &feature.Feature{
		ID:     "feat-gone",
		Title:  "Step removed",
		Status: feature.PipelineStatus("fmt"),
		Output: "all work done before the config changed",
	})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-gone"))

	assert.Zero(t, provider.CallCount())
	assert.Equal(t, feature.StatusVerified, rig.loadFeature(t, "feat-gone").Status)

	completes := ofKind(rig.drainEvents(), events.TypeFeatureComplete)
	require.Len(t, completes, 1)
	assert.True(t, completes[0].(events.FeatureComplete).Passes)
}

func TestNoPipelineConfigSkipsSteps(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{Output: "done"})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-plain", Title: "No pipeline"})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-plain"))

	assert.Equal(t, 1, provider.CallCount())
	assert.Empty(t, ofKind(rig.drainEvents(), events.TypePipelineStepStarted))
}
