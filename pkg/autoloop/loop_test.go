package autoloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/events"
	"conductor/pkg/feature"
)

// loopTestConfig keeps scheduler tests fast. Real deployments poll in
// seconds; these intervals are only about which branch the loop takes.
const loopTestConfig = `loop:
  max_concurrency: 1
  poll_interval: 10ms
  idle_interval: 20ms
`

// gatedProvider holds every query open until the test releases it, so tests
// can pin features in flight. MockProvider cannot serve here: it evaluates
// Respond under its own lock, so a blocking response would serialize
// concurrent queries instead of letting them overlap.
type gatedProvider struct {
	started chan string
	release chan struct{}

	mu    sync.Mutex
	calls []agent.QueryOptions
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedProvider) Name() string { return "gated" }

func (g *gatedProvider) Calls() []agent.QueryOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]agent.QueryOptions, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *gatedProvider) ExecuteQuery(ctx context.Context, opts agent.QueryOptions) (<-chan agent.QueryEvent, error) {
	g.mu.Lock()
	g.calls = append(g.calls, opts)
	g.mu.Unlock()

	ch := make(chan agent.QueryEvent, 1)
	go func() {
		defer close(ch)
		g.started <- opts.FeatureID
		select {
		case <-g.release:
			ch <- agent.QueryEvent{
				Type:   agent.QueryEventResult,
				Result: &agent.QueryResult{Output: "done " + opts.FeatureID, Model: opts.Model},
			}
		case <-ctx.Done():
			ch <- agent.QueryEvent{
				Type: agent.QueryEventError,
				Err:  llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, ctx.Err(), "query canceled"),
			}
		}
	}()
	return ch, nil
}

func waitStarted(t *testing.T, gp *gatedProvider) string {
	t.Helper()
	select {
	case id := <-gp.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a query to start")
		return ""
	}
}

func TestLoopExecutesBacklogInOrder(t *testing.T) {
	provider := agent.NewMockProvider(
		agent.MockResponse{Output: "built feat-a"},
		agent.MockResponse{Output: "built feat-b"},
	)
	rig := newTestRig(t, provider)
	writeProjectConfig(t, rig.project, loopTestConfig)

	base := time.Now().UTC().Add(-time.Hour)
	rig.addFeature(t, &feature.Feature{
		ID: "feat-a", Title: "First", PlanningMode: feature.PlanningSkip, CreatedAt: base,
	})
	rig.addFeature(t, &feature.Feature{
		ID: "feat-b", Title: "Second", PlanningMode: feature.PlanningSkip, CreatedAt: base.Add(time.Minute),
	})

	require.NoError(t, rig.engine.StartLoop(rig.project, 0))

	var completes []events.Event
	for len(completes) < 2 {
		evs := rig.collectUntil(t, events.TypeFeatureComplete)
		completes = append(completes, ofKind(evs, events.TypeFeatureComplete)...)
	}

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "feat-a", calls[0].FeatureID)
	assert.Equal(t, "feat-b", calls[1].FeatureID)

	assert.Equal(t, feature.StatusVerified, rig.loadFeature(t, "feat-a").Status)
	assert.Equal(t, feature.StatusVerified, rig.loadFeature(t, "feat-b").Status)

	require.NoError(t, rig.engine.StopLoop(rig.project))
}

func TestLoopHonorsDependencies(t *testing.T) {
	provider := agent.NewMockProvider(
		agent.MockResponse{Output: "schema in place"},
		agent.MockResponse{Output: "endpoints wired"},
	)
	rig := newTestRig(t, provider)
	writeProjectConfig(t, rig.project, loopTestConfig)

	// feat-api is older, so creation order alone would schedule it first.
	base := time.Now().UTC().Add(-time.Hour)
	rig.addFeature(t, &feature.Feature{
		ID: "feat-api", Title: "API endpoints", PlanningMode: feature.PlanningSkip,
		DependsOn: []string{"feat-db"}, CreatedAt: base,
	})
	rig.addFeature(t, &feature.Feature{
		ID: "feat-db", Title: "DB schema", PlanningMode: feature.PlanningSkip,
		CreatedAt: base.Add(time.Minute),
	})

	require.NoError(t, rig.engine.StartLoop(rig.project, 0))

	var completes []events.Event
	for len(completes) < 2 {
		evs := rig.collectUntil(t, events.TypeFeatureComplete)
		completes = append(completes, ofKind(evs, events.TypeFeatureComplete)...)
	}

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "feat-db", calls[0].FeatureID, "dependency must run before its dependent")
	assert.Equal(t, "feat-api", calls[1].FeatureID)

	require.NoError(t, rig.engine.StopLoop(rig.project))
}

func TestLoopEnforcesConcurrencyCeiling(t *testing.T) {
	gp := newGatedProvider()
	rig := newTestRig(t, nil, func(o *Options) { o.Providers = StaticProvider(gp) })
	writeProjectConfig(t, rig.project, `loop:
  max_concurrency: 2
  poll_interval: 10ms
  idle_interval: 20ms
`)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"feat-1", "feat-2", "feat-3"} {
		rig.addFeature(t, &feature.Feature{
			ID: id, Title: id, PlanningMode: feature.PlanningSkip,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	require.NoError(t, rig.engine.StartLoop(rig.project, 0))

	first := waitStarted(t, gp)
	second := waitStarted(t, gp)
	assert.ElementsMatch(t, []string{"feat-1", "feat-2"}, []string{first, second})

	// With both slots held the scheduler must not admit the third.
	select {
	case id := <-gp.started:
		t.Fatalf("feature %s started beyond the ceiling", id)
	case <-time.After(150 * time.Millisecond):
	}
	assert.Len(t, rig.engine.RunningFeatures(rig.project), 2)

	close(gp.release)

	var completes []events.Event
	for len(completes) < 3 {
		evs := rig.collectUntil(t, events.TypeFeatureComplete)
		completes = append(completes, ofKind(evs, events.TypeFeatureComplete)...)
	}
	assert.Equal(t, "feat-3", waitStarted(t, gp))
	for _, id := range []string{"feat-1", "feat-2", "feat-3"} {
		assert.Equal(t, feature.StatusVerified, rig.loadFeature(t, id).Status)
	}

	require.NoError(t, rig.engine.StopLoop(rig.project))
}

func TestLoopEmitsIdleOnceUntilWorkArrives(t *testing.T) {
	rig := newTestRig(t, agent.NewMockProvider())
	writeProjectConfig(t, rig.project, `loop:
  max_concurrency: 1
  poll_interval: 10ms
  idle_interval: 15ms
`)

	require.NoError(t, rig.engine.StartLoop(rig.project, 0))

	evs := rig.collectUntil(t, events.TypeLoopIdle)
	require.Len(t, ofKind(evs, events.TypeLoopStarted), 1)

	// Many idle iterations pass; the transition already fired.
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, ofKind(rig.drainEvents(), events.TypeLoopIdle))

	require.NoError(t, rig.engine.StopLoop(rig.project))
}

func TestStopLoopCancelsInFlightFeatures(t *testing.T) {
	gp := newGatedProvider()
	rig := newTestRig(t, nil, func(o *Options) { o.Providers = StaticProvider(gp) })
	writeProjectConfig(t, rig.project, loopTestConfig)

	rig.addFeature(t, &feature.Feature{
		ID: "feat-slow", Title: "Slow work", PlanningMode: feature.PlanningSkip,
	})

	require.NoError(t, rig.engine.StartLoop(rig.project, 0))
	require.Equal(t, "feat-slow", waitStarted(t, gp))

	require.NoError(t, rig.engine.StopLoop(rig.project))

	evs := rig.collectUntil(t, events.TypeFeatureComplete)
	fc := evs[len(evs)-1].(events.FeatureComplete)
	assert.True(t, fc.Stopped)
	assert.False(t, fc.Passes)

	stops := ofKind(evs, events.TypeLoopStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, "stop requested", stops[0].(events.LoopStopped).Reason)

	assert.False(t, rig.engine.LoopRunning(rig.project))

	// An explicit stop clears the snapshot, so nothing resumes on restart.
	snap, err := rig.states.Load(rig.project)
	require.NoError(t, err)
	assert.Nil(t, snap)

	// A stopped feature keeps its in-progress record for later resumption.
	assert.Equal(t, feature.StatusInProgress, rig.loadFeature(t, "feat-slow").Status)

	runs := rig.history.finishedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "stopped", runs[0].outcome)
}

func TestLoopLifecycleSentinels(t *testing.T) {
	rig := newTestRig(t, agent.NewMockProvider())

	require.NoError(t, rig.engine.StartLoop(rig.project, 2))
	err := rig.engine.StartLoop(rig.project, 2)
	require.ErrorIs(t, err, ErrLoopRunning)

	require.NoError(t, rig.engine.StopLoop(rig.project))
	err = rig.engine.StopLoop(rig.project)
	require.ErrorIs(t, err, ErrNoLoop)
}
