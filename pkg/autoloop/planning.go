package autoloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/approval"
	"conductor/pkg/events"
	"conductor/pkg/feature"
	"conductor/pkg/notify"
)

// Approval-flow outcomes. These are human decisions, not backend failures;
// the controller routes them to the backlog without feeding the breaker.
var (
	// ErrApprovalTimeout marks an approval wait that expired.
	ErrApprovalTimeout = errors.New("plan approval timed out")
	// ErrPlanRejected marks a rejection without feedback, which ends
	// the attempt.
	ErrPlanRejected = errors.New("plan rejected")
	// ErrRevisionBudget marks an exhausted plan revision loop.
	ErrRevisionBudget = errors.New("plan revision budget exhausted")
)

// errRevise is the internal signal to regenerate the plan with feedback.
var errRevise = errors.New("plan revision requested")

// planAndApprove generates a plan document and takes it through the
// approval gate, regenerating on reviewer feedback until approval or the
// revision budget runs out. It returns the approved plan content, its
// parsed tasks, and any feedback to carry into implementation.
func (e *Engine) planAndApprove(ctx context.Context, a *attempt) (string, []feature.ParsedTask, string, error) {
	// A rejection in an earlier attempt leaves its feedback on the record.
	feedback := a.f.Feedback

	maxRevisions := a.cfg.ApprovalGate.MaxRevisions
	for revision := 0; revision < maxRevisions; revision++ {
		plan, tasks, version, err := e.generatePlan(ctx, a, feedback)
		if err != nil {
			return "", nil, "", err
		}

		if !a.f.ApprovalGateActive() {
			if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
				ps.Status = feature.PlanApproved
			}); err != nil {
				return "", nil, "", err
			}
			e.bus.Publish(events.ApprovalAutoApproved{Meta: events.NewMeta(a.project(), a.f.ID)})
			return plan, tasks, "", nil
		}

		plan, tasks, fb, err := e.awaitApproval(ctx, a, plan, tasks, version)
		switch {
		case err == nil:
			return plan, tasks, fb, nil
		case errors.Is(err, errRevise):
			feedback = fb
		default:
			return "", nil, "", err
		}
	}
	return "", nil, "", fmt.Errorf("%w after %d revisions", ErrRevisionBudget, maxRevisions)
}

// generatePlan runs one plan generation pass: version bump, agent call,
// marker/fence extraction, task parsing, and persistence of the generated
// plan.
func (e *Engine) generatePlan(ctx context.Context, a *attempt, feedback string) (string, []feature.ParsedTask, int, error) {
	var version int
	if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
		ps.Version++
		ps.Status = feature.PlanGenerating
		version = ps.Version
	}); err != nil {
		return "", nil, 0, err
	}

	e.logger.Info("📝 Generating plan for %s (v%d)", a.f.ID, version)
	e.bus.Publish(events.PlanningStarted{Meta: events.NewMeta(a.project(), a.f.ID)})

	prompt := e.buildPlanningPrompt(a, feedback)
	out, err := e.query(ctx, a, a.planningModel(), phasePlanning, prompt)
	if err != nil {
		return "", nil, 0, err
	}
	if err := e.appendOutput(a, out.Output); err != nil {
		return "", nil, 0, err
	}

	if !feature.HasGenerationCompleteMarker(out.Output) {
		e.logger.Warn("Plan generation for %s ended without the completion marker", a.f.ID)
	}
	plan := feature.ExtractPlanContent(out.Output)
	if strings.TrimSpace(plan) == "" {
		return "", nil, 0, llmerrors.NewError(llmerrors.ErrorTypeUnknown, "planning produced an empty plan")
	}
	// The tasks fence sits alongside the plan fence, so parse it from the
	// whole output rather than the extracted plan document.
	tasks := feature.ParseTasks(out.Output)

	if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
		ps.Status = feature.PlanGenerated
		ps.Content = plan
		ps.Tasks = tasks
		ps.TasksTotal = len(tasks)
		ps.TasksCompleted = 0
		ps.CurrentTaskID = ""
	}); err != nil {
		return "", nil, 0, err
	}
	return plan, tasks, version, nil
}

// awaitApproval registers the pending approval, announces it (registration
// strictly before emission), and blocks on the decision. A revision
// request surfaces as errRevise with the feedback to regenerate on.
func (e *Engine) awaitApproval(ctx context.Context, a *attempt, plan string, tasks []feature.ParsedTask, version int) (string, []feature.ParsedTask, string, error) {
	ticket, err := e.approvals.Register(a.project(), a.f.ID, plan, version)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to register approval: %w", err)
	}

	e.bus.Publish(events.ApprovalRequired{
		Meta:       events.NewMeta(a.project(), a.f.ID),
		ApprovalID: ticket.ID,
		Plan:       plan,
		Revision:   version,
	})
	e.notify(notify.TypeApproval, "Plan approval required",
		fmt.Sprintf("Feature %s: plan v%d awaits review", a.f.ID, version), a.project(), a.f.ID)
	e.logger.Info("⏳ Awaiting plan approval for %s (v%d)", a.f.ID, version)

	var d approval.Decision
	select {
	case <-ctx.Done():
		e.approvals.Cancel(a.f.ID)
		return "", nil, "", llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, ctx.Err(), "approval wait canceled")
	case d = <-ticket.Decision():
	}

	meta := events.NewMeta(a.project(), a.f.ID)
	switch {
	case d.TimedOut:
		if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
			ps.Status = feature.PlanRejected
		}); err != nil {
			return "", nil, "", err
		}
		e.bus.Publish(events.ApprovalRejected{Meta: meta, TimedOut: true})
		return "", nil, "", fmt.Errorf("%w for feature %s", ErrApprovalTimeout, a.f.ID)

	case d.Canceled:
		return "", nil, "", llmerrors.NewError(llmerrors.ErrorTypeCanceled, "approval wait canceled")

	case d.Approved:
		if d.EditedPlan != "" {
			plan = d.EditedPlan
			tasks = feature.ParseTasks(plan)
		}
		if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
			ps.Status = feature.PlanApproved
			ps.Content = plan
			ps.Tasks = tasks
			ps.TasksTotal = len(tasks)
		}); err != nil {
			return "", nil, "", err
		}
		e.logger.Info("👍 Plan approved for %s", a.f.ID)
		e.bus.Publish(events.ApprovalApproved{Meta: meta, Feedback: d.Feedback})
		return plan, tasks, d.Feedback, nil

	case d.Feedback != "" || d.EditedPlan != "":
		// Rejection with feedback or edits sends the plan back for
		// another pass.
		if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
			ps.Status = feature.PlanRejected
		}); err != nil {
			return "", nil, "", err
		}
		feedback := d.Feedback
		if d.EditedPlan != "" {
			if feedback != "" {
				feedback += "\n\n"
			}
			feedback += "Use this revised draft as the basis:\n" + d.EditedPlan
		}
		e.bus.Publish(events.ApprovalRejected{Meta: meta, Feedback: d.Feedback})
		e.bus.Publish(events.RevisionRequested{
			Meta:     events.NewMeta(a.project(), a.f.ID),
			Feedback: feedback,
			Revision: version + 1,
		})
		return "", nil, feedback, errRevise

	default:
		// Rejection with neither feedback nor edits is terminal.
		if err := e.persistPlan(a, func(ps *feature.PlanSpec) {
			ps.Status = feature.PlanRejected
		}); err != nil {
			return "", nil, "", err
		}
		e.bus.Publish(events.ApprovalRejected{Meta: meta})
		return "", nil, "", fmt.Errorf("%w without feedback", ErrPlanRejected)
	}
}

// executePlan implements an approved plan: the task loop when the plan
// parsed into tasks, a single continuation call otherwise.
func (e *Engine) executePlan(ctx context.Context, a *attempt, plan string, tasks []feature.ParsedTask, feedback string) error {
	if len(tasks) > 0 {
		return e.runTasks(ctx, a, plan, tasks, feedback)
	}
	prompt := e.buildContinuationPrompt(a, plan, feedback)
	out, err := e.query(ctx, a, a.implementationModel(), phaseImplementation, prompt)
	if err != nil {
		return err
	}
	return e.appendOutput(a, out.Output)
}

// runApprovedPlan enters implementation for a plan approved through the
// offline resolution path.
func (e *Engine) runApprovedPlan(ctx context.Context, a *attempt, plan, feedback string) error {
	var tasks []feature.ParsedTask
	if ps := a.f.PlanSpec; ps != nil {
		tasks = ps.Tasks
	}
	return e.executePlan(ctx, a, plan, tasks, feedback)
}

// ResolveApproval resolves a plan approval by feature ID. With a live wait
// the decision is delivered to the blocked controller; without one (the
// process restarted since the plan was generated) the resolution is
// applied through the persisted record: approval re-enters execution with
// the approved plan, rejection moves the feature back to the backlog with
// the feedback attached for the next planning pass.
func (e *Engine) ResolveApproval(projectPath, featureID string, approved bool, editedPlan, feedback string) error {
	err := e.approvals.Resolve(featureID, approval.Decision{
		Approved:   approved,
		EditedPlan: editedPlan,
		Feedback:   feedback,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, approval.ErrNotFound) {
		return err
	}
	return e.resolveOffline(projectPath, featureID, approved, editedPlan, feedback)
}

func (e *Engine) resolveOffline(projectPath, featureID string, approved bool, editedPlan, feedback string) error {
	f, err := e.store.Load(projectPath, featureID)
	if err != nil {
		return err
	}
	ps := f.PlanSpec
	if ps == nil || ps.Status != feature.PlanGenerated {
		return fmt.Errorf("no pending approval for feature %s", featureID)
	}

	if !approved {
		if _, err := e.store.Update(projectPath, featureID, func(rec *feature.Feature) error {
			rec.EnsurePlanSpec().Status = feature.PlanRejected
			rec.Status = feature.StatusBacklog
			rec.Feedback = feedback
			return nil
		}); err != nil {
			return err
		}
		e.bus.Publish(events.ApprovalRejected{
			Meta:     events.NewMeta(projectPath, featureID),
			Feedback: feedback,
		})
		if feedback != "" {
			e.bus.Publish(events.RevisionRequested{
				Meta:     events.NewMeta(projectPath, featureID),
				Feedback: feedback,
				Revision: ps.Version + 1,
			})
		}
		return nil
	}

	plan := ps.Content
	tasks := ps.Tasks
	if editedPlan != "" {
		plan = editedPlan
		tasks = feature.ParseTasks(editedPlan)
	}
	if _, err := e.store.Update(projectPath, featureID, func(rec *feature.Feature) error {
		spec := rec.EnsurePlanSpec()
		spec.Status = feature.PlanApproved
		spec.Content = plan
		spec.Tasks = tasks
		spec.TasksTotal = len(tasks)
		return nil
	}); err != nil {
		return err
	}
	e.bus.Publish(events.ApprovalApproved{
		Meta:     events.NewMeta(projectPath, featureID),
		Feedback: feedback,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.executeFeature(e.rootCtx, projectPath, featureID, attemptOptions{
			continuation: plan,
			feedback:     feedback,
		})
		if err != nil {
			e.logger.Debug("Approved continuation for %s failed: %v", featureID, err)
		}
	}()
	return nil
}

// persistPlan mutates the feature's embedded plan spec through the store
// and refreshes the attempt's copy.
func (e *Engine) persistPlan(a *attempt, mutate func(ps *feature.PlanSpec)) error {
	updated, err := e.store.Update(a.project(), a.f.ID, func(rec *feature.Feature) error {
		mutate(rec.EnsurePlanSpec())
		return nil
	})
	if err != nil {
		return err
	}
	a.f = updated
	return nil
}
