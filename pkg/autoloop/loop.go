package autoloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/events"
	"conductor/pkg/feature"
)

// errorBackoff is the extra sleep after an absorbed iteration error.
const errorBackoff = 5 * time.Second

// runLoop is one project's scheduler: it polls for eligible features and
// dispatches them until the loop context is canceled. Iteration errors are
// absorbed with backoff; dispatched features never propagate errors here.
func (e *Engine) runLoop(ctx context.Context, projectPath string, loop *loopState) {
	idle := false

	for {
		if ctx.Err() != nil {
			return
		}

		sleep, nowIdle, err := e.iterate(projectPath, loop)
		if err != nil {
			e.logger.Warn("Loop iteration failed for %s: %v", projectPath, err)
			e.bus.Publish(events.LoopError{
				Meta:    events.NewMeta(projectPath, ""),
				Message: err.Error(),
			})
			sleep += errorBackoff
		}

		if nowIdle && !idle {
			e.bus.Publish(events.LoopIdle{Meta: events.NewMeta(projectPath, "")})
		}
		idle = nowIdle

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// iterate performs one scheduling pass: ceiling check, eligibility scan,
// and at most one dispatch. It returns the sleep before the next pass and
// whether the project is idle (nothing eligible and nothing running).
func (e *Engine) iterate(projectPath string, loop *loopState) (time.Duration, bool, error) {
	if e.runningCount(projectPath) >= loop.maxConcurrency {
		return loop.cfg.Loop.PollInterval, false, nil
	}

	next, err := e.nextEligible(projectPath)
	if err != nil {
		return loop.cfg.Loop.PollInterval, false, err
	}
	if next == nil {
		idle := e.runningCount(projectPath) == 0
		return loop.cfg.Loop.IdleInterval, idle, nil
	}

	e.dispatch(projectPath, next.ID)
	return loop.cfg.Loop.PollInterval, false, nil
}

// nextEligible returns the first feature, in resolver order, that is
// eligible and not already running. Resolver order is authoritative: a
// feature whose record still says pending but which is in the running set
// is skipped, not re-dispatched.
func (e *Engine) nextEligible(projectPath string) (*feature.Feature, error) {
	all, err := e.store.List(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}

	var eligible []*feature.Feature
	for _, f := range all {
		if f.Status.IsEligible() && feature.DependenciesSatisfied(f, all, feature.SatisfyOptions{}) {
			eligible = append(eligible, f)
		}
	}

	for _, f := range feature.OrderFeatures(eligible) {
		if !e.isRunning(projectPath, f.ID) {
			return f, nil
		}
	}
	return nil, nil
}

// dispatch launches one feature asynchronously. The feature's context
// derives from the engine root rather than the loop: a breaker pause stops
// scheduling without killing work already in flight, and StopLoop cancels
// features explicitly. Admission races (another dispatch, the ceiling) are
// expected and logged at debug; execution errors are the controller's to
// report.
func (e *Engine) dispatch(projectPath, featureID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.ExecuteFeature(e.rootCtx, projectPath, featureID)
		switch {
		case err == nil:
		case errors.Is(err, ErrFeatureRunning), errors.Is(err, ErrCeilingReached), errors.Is(err, ErrProjectPaused):
			e.logger.Debug("Dispatch of %s skipped: %v", featureID, err)
		default:
			e.logger.Debug("Execution of %s failed: %v", featureID, err)
		}
	}()
}
