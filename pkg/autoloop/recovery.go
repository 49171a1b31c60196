package autoloop

import (
	"errors"
	"fmt"

	"conductor/pkg/events"
	"conductor/pkg/feature"
)

// Recover scans a project for features a previous process left in flight
// and either re-enters them or resets them to the backlog, then restarts
// the scheduler loop when the execution snapshot says one was running.
//
// A feature with prior agent output is resumed where it stopped; one that
// crashed before producing anything starts over from the backlog. Resumed
// features are dispatched before the loop restarts, so the concurrency
// ceiling applies only to fresh scheduler admissions, not to re-entry.
func (e *Engine) Recover(projectPath string) error {
	all, err := e.store.List(projectPath)
	if err != nil {
		return fmt.Errorf("failed to list features for recovery: %w", err)
	}

	var resume, reset []string
	for _, f := range all {
		if f.Status != feature.StatusInProgress && !f.Status.IsPipeline() {
			continue
		}
		if f.HasPriorOutput() {
			resume = append(resume, f.ID)
		} else {
			reset = append(reset, f.ID)
		}
	}

	for _, id := range reset {
		if err := e.store.UpdateStatus(projectPath, id, feature.StatusBacklog); err != nil {
			e.logger.Warn("Failed to reset %s to backlog during recovery: %v", id, err)
			continue
		}
		e.logger.Info("Recovery reset %s to backlog (crashed before producing output)", id)
	}

	if len(resume) > 0 {
		e.logger.Info("🔄 Resuming %d interrupted feature(s) for %s", len(resume), projectPath)
		e.bus.Publish(events.ResumingFeatures{
			Meta:       events.NewMeta(projectPath, ""),
			FeatureIDs: resume,
		})
		for _, id := range resume {
			e.dispatch(projectPath, id)
		}
	}

	snap, err := e.states.Load(projectPath)
	if err != nil {
		e.logger.Warn("Failed to load execution snapshot for %s: %v", projectPath, err)
		return nil
	}
	if snap != nil && snap.LoopRunning {
		if err := e.StartLoop(projectPath, snap.MaxConcurrency); err != nil && !errors.Is(err, ErrLoopRunning) {
			return err
		}
	}
	return nil
}
