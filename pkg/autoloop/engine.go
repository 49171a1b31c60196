// Package autoloop is the conductor's execution engine: per-project
// scheduler loops, the feature execution controller, plan approval flow,
// task and pipeline step execution, and crash recovery. One Engine value
// owns the running-feature registry for every project it manages; all
// admission decisions go through its mutex.
package autoloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/approval"
	"conductor/pkg/breaker"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/execstate"
	"conductor/pkg/feature"
	"conductor/pkg/logx"
	"conductor/pkg/notify"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
	"conductor/pkg/workspace"
)

// Engine-level sentinel errors.
var (
	// ErrLoopRunning is returned by StartLoop when the project already has one.
	ErrLoopRunning = errors.New("loop already running")
	// ErrNoLoop is returned by StopLoop when the project has no loop.
	ErrNoLoop = errors.New("no loop running")
	// ErrFeatureRunning rejects a second concurrent execution of one feature.
	ErrFeatureRunning = errors.New("feature already running")
	// ErrCeilingReached rejects admission at the concurrency ceiling.
	ErrCeilingReached = errors.New("concurrency ceiling reached")
	// ErrProjectPaused rejects work on a breaker-paused project until an
	// explicit restart.
	ErrProjectPaused = errors.New("project is paused")
)

// ProviderResolver resolves a model name to a backend provider.
// *agent.Factory satisfies it.
type ProviderResolver interface {
	ProviderForModel(model string) (agent.Provider, error)
}

// ProviderResolverFunc adapts a function to the ProviderResolver interface.
type ProviderResolverFunc func(model string) (agent.Provider, error)

// ProviderForModel implements ProviderResolver.
func (f ProviderResolverFunc) ProviderForModel(model string) (agent.Provider, error) {
	return f(model)
}

// StaticProvider returns a resolver that answers every model with p.
func StaticProvider(p agent.Provider) ProviderResolver {
	return ProviderResolverFunc(func(string) (agent.Provider, error) { return p, nil })
}

// HistoryStore is the slice of the persistence layer the engine uses for
// run history and learnings. *persistence.DB satisfies it; a nil history
// disables both (they are best-effort side work).
type HistoryStore interface {
	RecordRunStart(projectPath, featureID, model string) (string, error)
	FinishRun(runID, outcome string, promptTokens, completionTokens int64, errText string) error
	SaveLearning(projectPath, featureID, content string) (string, error)
	SearchLearnings(projectPath string, terms []string, limit int) ([]*persistence.Learning, error)
}

// Options wires an Engine. Store, States, Approvals, and Workspaces default
// to fresh instances when nil; Bus defaults to a private bus. Providers is
// required for any execution to succeed. Notifier and History may be nil.
type Options struct {
	Bus        *events.Bus
	Store      *feature.Store
	States     *execstate.Store
	Approvals  *approval.Registry
	Providers  ProviderResolver
	Workspaces *workspace.Resolver
	Notifier   *notify.Service
	History    HistoryStore
}

// loopState is one project's scheduler loop.
type loopState struct {
	cancel         context.CancelFunc
	done           chan struct{}
	cfg            config.Config
	maxConcurrency int
}

// runningFeature is one admitted execution attempt. Admission inserts it
// into the registry before any I/O; release removes it.
type runningFeature struct {
	cancel    context.CancelFunc
	startedAt time.Time
	project   string
	featureID string
}

// Engine owns all per-project execution state. Safe for concurrent use.
type Engine struct {
	logger     *logx.Logger
	bus        *events.Bus
	store      *feature.Store
	states     *execstate.Store
	approvals  *approval.Registry
	providers  ProviderResolver
	workspaces *workspace.Resolver
	notifier   *notify.Service
	history    HistoryStore
	counter    *utils.TokenCounter

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	loops    map[string]*loopState
	running  map[string]map[string]*runningFeature
	breakers map[string]*breaker.Breaker
	paused   map[string]breaker.TripReason

	// providerMu serializes factory lookups; the factory cache is not
	// safe for concurrent use.
	providerMu sync.Mutex
}

// New creates an Engine from opts.
func New(opts Options) *Engine {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Store == nil {
		opts.Store = feature.NewStore()
	}
	if opts.States == nil {
		opts.States = execstate.NewStore()
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.NewRegistry(0)
	}
	if opts.Workspaces == nil {
		opts.Workspaces = workspace.NewResolver(workspace.NewDefaultGitRunner())
	}

	// A nil codec still estimates at 4 chars per token, so a tokenizer
	// init failure degrades budgeting accuracy rather than startup.
	counter, err := utils.NewTokenCounter()
	if err != nil {
		counter = &utils.TokenCounter{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:     logx.NewLogger("autoloop"),
		bus:        opts.Bus,
		store:      opts.Store,
		states:     opts.States,
		approvals:  opts.Approvals,
		providers:  opts.Providers,
		workspaces: opts.Workspaces,
		notifier:   opts.Notifier,
		history:    opts.History,
		counter:    counter,
		rootCtx:    ctx,
		rootCancel: cancel,
		loops:      make(map[string]*loopState),
		running:    make(map[string]map[string]*runningFeature),
		breakers:   make(map[string]*breaker.Breaker),
		paused:     make(map[string]breaker.TripReason),
	}
}

// StartLoop begins scheduling features for a project. maxConcurrency <= 0
// selects the configured default. Starting a paused project is the explicit
// restart: it clears the pause and the breaker's failure window.
func (e *Engine) StartLoop(projectPath string, maxConcurrency int) error {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return fmt.Errorf("failed to load config for %s: %w", projectPath, err)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = cfg.Loop.MaxConcurrency
	}

	loopCtx, cancel := context.WithCancel(e.rootCtx)
	loop := &loopState{
		cancel:         cancel,
		done:           make(chan struct{}),
		cfg:            cfg,
		maxConcurrency: maxConcurrency,
	}

	e.mu.Lock()
	if _, exists := e.loops[projectPath]; exists {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("%w for %s", ErrLoopRunning, projectPath)
	}
	delete(e.paused, projectPath)
	if b, ok := e.breakers[projectPath]; ok {
		b.Resume()
	}
	e.loops[projectPath] = loop
	e.mu.Unlock()

	e.logger.Info("🔁 Loop started for %s (max %d concurrent)", projectPath, maxConcurrency)
	e.saveSnapshot(projectPath)
	e.bus.Publish(events.LoopStarted{
		Meta:           events.NewMeta(projectPath, ""),
		MaxConcurrency: maxConcurrency,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(loop.done)
		e.runLoop(loopCtx, projectPath, loop)
	}()
	return nil
}

// StopLoop stops a project's scheduler loop and cancels its running
// features. The execution snapshot is cleared; in-flight features observe
// cancellation and finish with a neutral stopped outcome.
func (e *Engine) StopLoop(projectPath string) error {
	e.mu.Lock()
	loop, ok := e.loops[projectPath]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w for %s", ErrNoLoop, projectPath)
	}
	delete(e.loops, projectPath)
	var features []*runningFeature
	for _, rf := range e.running[projectPath] {
		features = append(features, rf)
	}
	e.mu.Unlock()

	loop.cancel()
	for _, rf := range features {
		rf.cancel()
	}

	if err := e.states.Clear(projectPath); err != nil {
		e.logger.Warn("Failed to clear execution snapshot for %s: %v", projectPath, err)
	}
	e.logger.Info("🛑 Loop stopped for %s", projectPath)
	e.bus.Publish(events.LoopStopped{
		Meta:   events.NewMeta(projectPath, ""),
		Reason: "stop requested",
	})
	return nil
}

// LoopRunning reports whether a scheduler loop exists for the project.
func (e *Engine) LoopRunning(projectPath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[projectPath]
	return ok
}

// RunningFeatures returns the IDs of the project's in-flight features,
// sorted for stable output.
func (e *Engine) RunningFeatures(projectPath string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running[projectPath]))
	for id := range e.running[projectPath] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Paused reports whether the project is breaker-paused and why.
func (e *Engine) Paused(projectPath string) (breaker.TripReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.paused[projectPath]
	return reason, ok
}

// ProjectStatus is a point-in-time view of one project's execution state.
type ProjectStatus struct {
	ProjectPath  string        `json:"project_path"`
	LoopRunning  bool          `json:"loop_running"`
	Paused       bool          `json:"paused"`
	PauseReason  string        `json:"pause_reason,omitempty"`
	Running      []string      `json:"running,omitempty"`
	BreakerStats breaker.Stats `json:"breaker"`
}

// Status snapshots a project's execution state for status surfaces.
func (e *Engine) Status(projectPath string) ProjectStatus {
	st := ProjectStatus{
		ProjectPath:  projectPath,
		LoopRunning:  e.LoopRunning(projectPath),
		Running:      e.RunningFeatures(projectPath),
		BreakerStats: e.breakerFor(projectPath).GetStats(),
	}
	if reason, ok := e.Paused(projectPath); ok {
		st.Paused = true
		st.PauseReason = reason.Message()
	}
	return st
}

// CancelFeature cancels a running feature's context and rejects any
// approval it is waiting on. Returns false when the feature is not running.
func (e *Engine) CancelFeature(projectPath, featureID string) bool {
	e.mu.Lock()
	rf, ok := e.running[projectPath][featureID]
	e.mu.Unlock()

	e.approvals.Cancel(featureID)
	if !ok {
		return false
	}
	rf.cancel()
	return true
}

// Shutdown stops every loop, cancels all running work, and waits up to
// timeout for goroutines to drain.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	for project, loop := range e.loops {
		delete(e.loops, project)
		loop.cancel()
	}
	e.mu.Unlock()

	e.approvals.CancelAll()
	e.rootCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Engine stopped")
	case <-time.After(timeout):
		e.logger.Warn("Engine shutdown timed out after %v", timeout)
	}
}

// admit performs the compare-and-register admission: membership test,
// ceiling check, pause check, and registry insertion in one critical
// section. On success the returned context carries the feature's
// cancellation and the caller owns the release.
func (e *Engine) admit(parent context.Context, projectPath, featureID string) (*runningFeature, context.Context, error) {
	ctx, cancel := context.WithCancel(parent)
	rf := &runningFeature{
		cancel:    cancel,
		startedAt: time.Now().UTC(),
		project:   projectPath,
		featureID: featureID,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if reason, ok := e.paused[projectPath]; ok {
		cancel()
		return nil, nil, fmt.Errorf("%w: %s", ErrProjectPaused, reason.Message())
	}
	if _, ok := e.running[projectPath][featureID]; ok {
		cancel()
		return nil, nil, fmt.Errorf("%w: %s", ErrFeatureRunning, featureID)
	}
	if loop, ok := e.loops[projectPath]; ok && len(e.running[projectPath]) >= loop.maxConcurrency {
		cancel()
		return nil, nil, fmt.Errorf("%w (%d)", ErrCeilingReached, loop.maxConcurrency)
	}

	if e.running[projectPath] == nil {
		e.running[projectPath] = make(map[string]*runningFeature)
	}
	e.running[projectPath][featureID] = rf
	return rf, ctx, nil
}

// release removes an admitted feature from the registry and cancels its
// context.
func (e *Engine) release(rf *runningFeature) {
	e.mu.Lock()
	if m, ok := e.running[rf.project]; ok {
		delete(m, rf.featureID)
		if len(m) == 0 {
			delete(e.running, rf.project)
		}
	}
	e.mu.Unlock()
	rf.cancel()
}

// runningCount returns the project's current in-flight feature count.
func (e *Engine) runningCount(projectPath string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running[projectPath])
}

// isRunning reports whether one feature is currently admitted.
func (e *Engine) isRunning(projectPath, featureID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[projectPath][featureID]
	return ok
}

// breakerFor returns the project's circuit breaker, creating it on first
// use with the project's configured window and threshold.
func (e *Engine) breakerFor(projectPath string) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[projectPath]; ok {
		return b
	}
	cfg, err := config.Load(projectPath)
	if err != nil {
		cfg = config.Default()
	}
	b := breaker.New(breaker.Config{
		Window:    cfg.Breaker.Window,
		Threshold: cfg.Breaker.Threshold,
	})
	e.breakers[projectPath] = b
	return b
}

// pauseProject records a sticky pause, stops the project's loop (keeping
// the snapshot, since a pause is not an explicit stop), and announces
// it. Running features drain naturally. Called only on a breaker trip
// transition, so events fire exactly once per pause.
func (e *Engine) pauseProject(projectPath string, reason breaker.TripReason, failureCount int) {
	e.mu.Lock()
	e.paused[projectPath] = reason
	loop, hadLoop := e.loops[projectPath]
	if hadLoop {
		delete(e.loops, projectPath)
	}
	e.mu.Unlock()

	if hadLoop {
		loop.cancel()
	}

	e.logger.Warn("⏸️ Project %s paused: %s", projectPath, reason.Message())
	e.bus.Publish(events.PausedFailures{
		Meta:         events.NewMeta(projectPath, ""),
		Message:      reason.Message(),
		FailureCount: failureCount,
		Quota:        reason == breaker.TripQuota,
	})
	if hadLoop {
		e.bus.Publish(events.LoopStopped{
			Meta:   events.NewMeta(projectPath, ""),
			Reason: reason.Message(),
		})
	}
	e.notify(notify.TypeWarning, "Execution paused",
		fmt.Sprintf("Automatic execution paused: %s", reason.Message()), projectPath, "")
}

// saveSnapshot overwrites the project's execution snapshot with the current
// loop and registry state.
func (e *Engine) saveSnapshot(projectPath string) {
	e.mu.Lock()
	loop := e.loops[projectPath]
	snap := execstate.Snapshot{LoopRunning: loop != nil}
	if loop != nil {
		snap.MaxConcurrency = loop.maxConcurrency
	}
	for id := range e.running[projectPath] {
		snap.InFlight = append(snap.InFlight, id)
	}
	e.mu.Unlock()

	sort.Strings(snap.InFlight)
	if err := e.states.Save(projectPath, snap); err != nil {
		e.logger.Warn("Failed to save execution snapshot for %s: %v", projectPath, err)
	}
}

// loopConfig returns the project's loop state config, or a freshly loaded
// config when no loop runs (manual execution).
func (e *Engine) loopConfig(projectPath string) config.Config {
	e.mu.Lock()
	loop, ok := e.loops[projectPath]
	e.mu.Unlock()
	if ok {
		return loop.cfg
	}
	cfg, err := config.Load(projectPath)
	if err != nil {
		e.logger.Warn("Failed to load config for %s: %v", projectPath, err)
		return config.Default()
	}
	return cfg
}

// resolveProvider looks up the backend for a model. Factory lookups are
// serialized; the underlying cache is not concurrency-safe.
func (e *Engine) resolveProvider(model string) (agent.Provider, error) {
	if e.providers == nil {
		return nil, fmt.Errorf("no provider resolver configured")
	}
	e.providerMu.Lock()
	defer e.providerMu.Unlock()
	return e.providers.ProviderForModel(model)
}

// notify delivers a notification when a notifier is configured.
func (e *Engine) notify(typ notify.Type, title, message, projectPath, featureID string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(e.rootCtx, typ, title, message, projectPath, featureID)
}
