package autoloop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/execstate"
	"conductor/pkg/feature"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
)

// testRig bundles an engine with the collaborators tests poke at. The
// project path is a fresh temp dir, so config and pipeline files can be
// written under <project>/.conductor/.
type testRig struct {
	engine   *Engine
	project  string
	store    *feature.Store
	states   *execstate.Store
	bus      *events.Bus
	provider *agent.MockProvider
	history  *fakeHistory

	events <-chan events.Event
}

func newTestRig(t *testing.T, provider *agent.MockProvider, mutate ...func(*Options)) *testRig {
	t.Helper()

	r := &testRig{
		project:  t.TempDir(),
		store:    feature.NewStore(),
		states:   execstate.NewStore(),
		bus:      events.NewBus(),
		provider: provider,
		history:  &fakeHistory{},
	}
	opts := Options{
		Bus:       r.bus,
		Store:     r.store,
		States:    r.states,
		Providers: StaticProvider(provider),
		History:   r.history,
	}
	for _, m := range mutate {
		m(&opts)
	}
	r.engine = New(opts)
	t.Cleanup(func() { r.engine.Shutdown(3 * time.Second) })

	ch, unsub := r.bus.Subscribe(1024)
	t.Cleanup(unsub)
	r.events = ch
	return r
}

// addFeature persists a feature record for the rig's project. Status
// defaults to backlog.
func (r *testRig) addFeature(t *testing.T, f *feature.Feature) *feature.Feature {
	t.Helper()
	if f.Status == "" {
		f.Status = feature.StatusBacklog
	}
	require.NoError(t, r.store.Save(r.project, f))
	return f
}

// loadFeature re-reads a feature record.
func (r *testRig) loadFeature(t *testing.T, id string) *feature.Feature {
	t.Helper()
	f, err := r.store.Load(r.project, id)
	require.NoError(t, err)
	return f
}

// writeProjectConfig drops a config.yaml under the project's state dir.
func writeProjectConfig(t *testing.T, projectPath, yaml string) {
	t.Helper()
	stateDir := utils.ProjectStateDir(projectPath)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, config.ConfigFileName), []byte(yaml), 0o644))
}

// collectUntil consumes bus events until the first one of the given kind
// arrives, returning everything seen up to and including it.
func (r *testRig) collectUntil(t *testing.T, kind events.Type) []events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var got []events.Event
	for {
		select {
		case ev := <-r.events:
			got = append(got, ev)
			if ev.Kind() == kind {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (saw %d events)", kind, len(got))
		}
	}
}

// drainEvents returns every event already buffered, without waiting.
func (r *testRig) drainEvents() []events.Event {
	var got []events.Event
	for {
		select {
		case ev := <-r.events:
			got = append(got, ev)
		default:
			return got
		}
	}
}

func ofKind(evs []events.Event, kind events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// planOutput builds a canonical planning response: a plan fence, a tasks
// fence with the given checklist lines, and the completion marker.
func planOutput(planBody string, taskLines ...string) string {
	var b strings.Builder
	b.WriteString("Here is the plan.\n\n```plan\n")
	b.WriteString(planBody)
	b.WriteString("\n```\n")
	if len(taskLines) > 0 {
		b.WriteString("\n```tasks\n")
		for _, line := range taskLines {
			b.WriteString(line + "\n")
		}
		b.WriteString("```\n")
	}
	b.WriteString("\n" + feature.PlanGenerationCompleteMarker + "\n")
	return b.String()
}

// fakeHistory is an in-memory HistoryStore capturing run records and
// learnings for assertions.
type fakeHistory struct {
	mu        sync.Mutex
	runs      []*fakeRun
	learnings []*persistence.Learning
}

type fakeRun struct {
	id, project, feature, model    string
	outcome, errText               string
	promptTokens, completionTokens int64
	finished                       bool
}

func (h *fakeHistory) RecordRunStart(projectPath, featureID, model string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run := &fakeRun{
		id:      fmt.Sprintf("run-%d", len(h.runs)+1),
		project: projectPath,
		feature: featureID,
		model:   model,
	}
	h.runs = append(h.runs, run)
	return run.id, nil
}

func (h *fakeHistory) FinishRun(runID, outcome string, promptTokens, completionTokens int64, errText string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, run := range h.runs {
		if run.id == runID {
			run.outcome = outcome
			run.promptTokens = promptTokens
			run.completionTokens = completionTokens
			run.errText = errText
			run.finished = true
			return nil
		}
	}
	return fmt.Errorf("run %s not found", runID)
}

func (h *fakeHistory) SaveLearning(projectPath, featureID, content string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &persistence.Learning{
		ID:          fmt.Sprintf("learning-%d", len(h.learnings)+1),
		ProjectPath: projectPath,
		FeatureID:   featureID,
		Content:     content,
	}
	h.learnings = append(h.learnings, l)
	return l.ID, nil
}

func (h *fakeHistory) SearchLearnings(projectPath string, terms []string, limit int) ([]*persistence.Learning, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*persistence.Learning
	for _, l := range h.learnings {
		if l.ProjectPath != projectPath {
			continue
		}
		match := true
		for _, term := range terms {
			if !strings.Contains(strings.ToLower(l.Content), strings.ToLower(term)) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *fakeHistory) finishedRuns() []*fakeRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*fakeRun
	for _, run := range h.runs {
		if run.finished {
			out = append(out, run)
		}
	}
	return out
}

func (h *fakeHistory) savedLearnings() []*persistence.Learning {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*persistence.Learning, len(h.learnings))
	copy(out, h.learnings)
	return out
}
