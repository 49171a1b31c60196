package autoloop

import (
	"context"

	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/events"
	"conductor/pkg/feature"
	"conductor/pkg/pipeline"
)

// runPipeline executes the project's configured pipeline steps in order,
// one agent call per step. The feature status records which step is active,
// so a crashed step is re-run in full on the next attempt (the step prompt
// warns that its changes may already be partially applied). A status naming
// a step that has since been removed from the config completes the feature
// without re-running anything.
func (e *Engine) runPipeline(ctx context.Context, a *attempt) error {
	steps, err := pipeline.Load(a.project())
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	start := 0
	resumedAt := -1
	if det := pipeline.Detect(a.f.Status, steps); det.IsPipeline {
		if det.StepIndex < 0 {
			e.logger.Info("Pipeline step %q no longer configured; completing %s without it", det.StepID, a.f.ID)
			return nil
		}
		start = det.StepIndex
		resumedAt = det.StepIndex
	}

	for k := start; k < len(steps); k++ {
		step := steps[k]
		if err := ctx.Err(); err != nil {
			return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, err, "pipeline canceled")
		}

		updated, err := e.store.Update(a.project(), a.f.ID, func(rec *feature.Feature) error {
			rec.Status = feature.PipelineStatus(step.ID)
			return nil
		})
		if err != nil {
			return err
		}
		a.f = updated

		e.logger.Info("🔧 Pipeline step %q (%d/%d) for %s", step.ID, k+1, len(steps), a.f.ID)
		e.bus.Publish(events.PipelineStepStarted{
			Meta:      events.NewMeta(a.project(), a.f.ID),
			StepID:    step.ID,
			StepName:  step.Name,
			StepIndex: k,
		})

		prompt := e.buildStepPrompt(a, step, k == resumedAt)
		out, err := e.query(ctx, a, a.implementationModel(), phasePipeline, prompt)
		if err != nil {
			return err
		}
		if err := e.appendOutput(a, out.Output); err != nil {
			return err
		}

		e.bus.Publish(events.PipelineStepComplete{
			Meta:   events.NewMeta(a.project(), a.f.ID),
			StepID: step.ID,
		})
	}
	return nil
}
