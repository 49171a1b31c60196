package autoloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/feature"
)

func TestExecuteFeatureSkipModeCompletes(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{
		Output: "Implemented the endpoint.\nLEARNING: the router lives in internal/api.",
		Usage:  llm.Usage{PromptTokens: 1200, CompletionTokens: 300},
	})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-endpoint", Title: "Health endpoint"})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-endpoint"))

	f := rig.loadFeature(t, "feat-endpoint")
	assert.Equal(t, feature.StatusVerified, f.Status)
	assert.Contains(t, f.Output, "Implemented the endpoint.")

	require.Equal(t, 1, provider.CallCount())
	call := provider.Calls()[0]
	assert.Equal(t, rig.project, call.WorkDir)
	assert.Equal(t, "feat-endpoint", call.FeatureID)
	assert.Equal(t, phaseImplementation, call.Phase)
	assert.Equal(t, config.DefaultModel, call.Model)
	assert.Contains(t, call.Prompt, "Health endpoint")

	evs := rig.drainEvents()
	require.Len(t, ofKind(evs, events.TypeFeatureStart), 1)
	completes := ofKind(evs, events.TypeFeatureComplete)
	require.Len(t, completes, 1)
	assert.True(t, completes[0].(events.FeatureComplete).Passes)

	runs := rig.history.finishedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "verified", runs[0].outcome)
	assert.Equal(t, int64(1200), runs[0].promptTokens)
	assert.Equal(t, int64(300), runs[0].completionTokens)

	learnings := rig.history.savedLearnings()
	require.Len(t, learnings, 1)
	assert.Equal(t, "the router lives in internal/api.", learnings[0].Content)
}

func TestExecuteFeatureSkipTestsWaitsForApproval(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{Output: "done"})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-risky", Title: "Risky change", SkipTests: true})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-risky"))

	f := rig.loadFeature(t, "feat-risky")
	assert.Equal(t, feature.StatusWaitingApproval, f.Status)

	completes := ofKind(rig.drainEvents(), events.TypeFeatureComplete)
	require.Len(t, completes, 1)
	assert.False(t, completes[0].(events.FeatureComplete).Passes)

	runs := rig.history.finishedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "waiting_approval", runs[0].outcome)
}

func TestExecuteFeatureModelOverride(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{Output: "done"})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-o", Title: "Override", Model: "gpt-5-codex"})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-o"))
	require.Equal(t, 1, provider.CallCount())
	assert.Equal(t, "gpt-5-codex", provider.Calls()[0].Model)
}

func TestExecuteFeatureUnknownIDFails(t *testing.T) {
	rig := newTestRig(t, agent.NewMockProvider())

	err := rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-ghost")
	require.Error(t, err)
	assert.Zero(t, rig.provider.CallCount())

	evs := rig.drainEvents()
	assert.Len(t, ofKind(evs, events.TypeFeatureError), 1)
	assert.Empty(t, ofKind(evs, events.TypeFeatureStart))
}

func TestExecuteFeatureRejectsSecondConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &agent.MockProvider{
		Respond: func(call int, opts agent.QueryOptions) agent.MockResponse {
			close(started)
			<-release
			return agent.MockResponse{Output: "done"}
		},
	}
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-busy", Title: "Busy"})

	done := make(chan error, 1)
	go func() {
		done <- rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-busy")
	}()
	<-started

	err := rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-busy")
	assert.ErrorIs(t, err, ErrFeatureRunning)
	assert.Equal(t, []string{"feat-busy"}, rig.engine.RunningFeatures(rig.project))

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, rig.engine.RunningFeatures(rig.project))
}

func TestCancelFeatureStopsWithNeutralOutcome(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{Output: "never", Delay: 10 * time.Second})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-slow", Title: "Slow"})

	done := make(chan error, 1)
	go func() {
		done <- rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-slow")
	}()
	rig.collectUntil(t, events.TypeFeatureStart)

	require.True(t, rig.engine.CancelFeature(rig.project, "feat-slow"))
	require.NoError(t, <-done)

	evs := rig.collectUntil(t, events.TypeFeatureComplete)
	completes := ofKind(evs, events.TypeFeatureComplete)
	require.Len(t, completes, 1)
	assert.True(t, completes[0].(events.FeatureComplete).Stopped)

	// The status is left as it was so a later attempt can resume.
	f := rig.loadFeature(t, "feat-slow")
	assert.Equal(t, feature.StatusInProgress, f.Status)

	runs := rig.history.finishedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "stopped", runs[0].outcome)
}

func TestCancelFeatureNotRunning(t *testing.T) {
	rig := newTestRig(t, agent.NewMockProvider())
	assert.False(t, rig.engine.CancelFeature(rig.project, "feat-none"))
}

func TestFailureMovesFeatureToBacklog(t *testing.T) {
	boom := errors.New("backend exploded")
	provider := agent.NewMockProvider(agent.MockResponse{Err: boom})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-boom", Title: "Boom"})

	err := rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-boom")
	require.ErrorIs(t, err, boom)

	f := rig.loadFeature(t, "feat-boom")
	assert.Equal(t, feature.StatusBacklog, f.Status)

	evs := rig.drainEvents()
	errsEv := ofKind(evs, events.TypeFeatureError)
	require.Len(t, errsEv, 1)
	assert.Contains(t, errsEv[0].(events.FeatureError).Message, "backend exploded")

	runs := rig.history.finishedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].outcome)
	assert.Contains(t, runs[0].errText, "backend exploded")
}

func TestRepeatedFailuresPauseProject(t *testing.T) {
	provider := &agent.MockProvider{
		Respond: func(call int, opts agent.QueryOptions) agent.MockResponse {
			return agent.MockResponse{Err: errors.New("flaky backend")}
		},
	}
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-flaky", Title: "Flaky"})

	// Default breaker: three failures inside the window trip it.
	for i := 0; i < 3; i++ {
		err := rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-flaky")
		require.Error(t, err)
	}

	_, paused := rig.engine.Paused(rig.project)
	require.True(t, paused)

	evs := rig.drainEvents()
	pauses := ofKind(evs, events.TypePausedFailures)
	require.Len(t, pauses, 1)
	pe := pauses[0].(events.PausedFailures)
	assert.Equal(t, 3, pe.FailureCount)
	assert.False(t, pe.Quota)

	// Further work is rejected until an explicit restart.
	err := rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-flaky")
	assert.ErrorIs(t, err, ErrProjectPaused)

	// Restarting the loop clears the pause and the failure window.
	require.NoError(t, rig.store.Delete(rig.project, "feat-flaky"))
	require.NoError(t, rig.engine.StartLoop(rig.project, 1))
	_, paused = rig.engine.Paused(rig.project)
	assert.False(t, paused)
	assert.Zero(t, rig.engine.Status(rig.project).BreakerStats.FailureCount)
	require.NoError(t, rig.engine.StopLoop(rig.project))
}

func TestQuotaErrorPausesImmediately(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{
		Err: llmerrors.NewError(llmerrors.ErrorTypeQuota, "monthly quota exhausted"),
	})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{ID: "feat-quota", Title: "Quota"})

	err := rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-quota")
	require.Error(t, err)

	_, paused := rig.engine.Paused(rig.project)
	require.True(t, paused)

	pauses := ofKind(rig.drainEvents(), events.TypePausedFailures)
	require.Len(t, pauses, 1)
	assert.True(t, pauses[0].(events.PausedFailures).Quota)
}

func TestResumeWithPriorOutputUsesResumePrompt(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{Output: "finished the rest"})
	rig := newTestRig(t, provider)
	rig.addFeature(t, &feature.Feature{
		ID:     "feat-resume",
		Title:  "Resume me",
		Status: feature.StatusInProgress,
		Output: "wrote the parser already",
	})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-resume"))

	require.Equal(t, 1, provider.CallCount())
	prompt := provider.Calls()[0].Prompt
	assert.Contains(t, prompt, "wrote the parser already")
	assert.Contains(t, prompt, "Verify what is done before redoing it")

	f := rig.loadFeature(t, "feat-resume")
	assert.Equal(t, feature.StatusVerified, f.Status)
	assert.Contains(t, f.Output, "finished the rest")
}

func TestMemoryRecallFoldsLearningsIntoPrompt(t *testing.T) {
	provider := agent.NewMockProvider(agent.MockResponse{Output: "done"})
	rig := newTestRig(t, provider)
	_, err := rig.history.SaveLearning(rig.project, "feat-old", "migrations run through the taskfile")
	require.NoError(t, err)
	rig.addFeature(t, &feature.Feature{ID: "feat-mig", Title: "Add migrations table"})

	require.NoError(t, rig.engine.ExecuteFeature(context.Background(), rig.project, "feat-mig"))

	require.Equal(t, 1, provider.CallCount())
	assert.Contains(t, provider.Calls()[0].Prompt, "migrations run through the taskfile")
}
