package autoloop

import (
	"context"

	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/events"
	"conductor/pkg/feature"
)

// runTasks executes the plan's tasks one narrow agent call at a time.
// Progress is persisted before and after every task, so a crashed attempt
// resumes at the first unfinished task. Finishing the last task of a phase
// emits a phase-complete event.
func (e *Engine) runTasks(ctx context.Context, a *attempt, plan string, tasks []feature.ParsedTask, feedback string) error {
	for i := range tasks {
		task := &tasks[i]
		if task.Status == feature.TaskCompleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, err, "task loop canceled")
		}

		if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
			ps.CurrentTaskID = task.ID
			if i < len(ps.Tasks) {
				ps.Tasks[i].Status = feature.TaskInProgress
			}
		}); err != nil {
			return err
		}

		e.logger.Info("▶️ Task %s: %s", task.ID, task.Description)
		e.bus.Publish(events.TaskStarted{
			Meta:        events.NewMeta(a.project(), a.f.ID),
			TaskID:      task.ID,
			Description: task.Description,
		})

		prompt := e.buildTaskPrompt(a, plan, tasks, i, feedback)
		out, err := e.query(ctx, a, a.implementationModel(), phaseTask, prompt)
		if err != nil {
			return err
		}
		if err := e.appendOutput(a, out.Output); err != nil {
			return err
		}

		task.Status = feature.TaskCompleted
		if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
			if i < len(ps.Tasks) {
				ps.Tasks[i].Status = feature.TaskCompleted
			}
			ps.TasksCompleted++
			ps.CurrentTaskID = ""
		}); err != nil {
			return err
		}
		e.bus.Publish(events.TaskComplete{
			Meta:   events.NewMeta(a.project(), a.f.ID),
			TaskID: task.ID,
		})

		if task.Phase != "" && (i == len(tasks)-1 || tasks[i+1].Phase != task.Phase) {
			e.logger.Info("🏁 Phase %q complete for %s", task.Phase, a.f.ID)
			e.bus.Publish(events.PhaseComplete{
				Meta:  events.NewMeta(a.project(), a.f.ID),
				Phase: task.Phase,
			})
		}
	}
	return nil
}
