package autoloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/feature"
	"conductor/pkg/notify"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
)

// Metric phase labels for agent invocations.
const (
	phasePlanning       = "planning"
	phaseImplementation = "implementation"
	phaseTask           = "task"
	phasePipeline       = "pipeline"
)

// attempt carries one execution attempt's working state through the
// controller. It is owned by a single goroutine.
type attempt struct {
	rf             *runningFeature
	f              *feature.Feature
	cfg            config.Config
	workdir        string
	projectContext string
	memory         []*persistence.Learning
	runID          string

	promptTokens     int64
	completionTokens int64
	newOutput        strings.Builder
}

func (a *attempt) project() string { return a.rf.project }

// implementationModel returns the model for implementation, task, and
// pipeline calls. A feature-level override beats the configured model.
func (a *attempt) implementationModel() string {
	if a.f.Model != "" {
		return a.f.Model
	}
	return a.cfg.Agents.ImplementationModel
}

// planningModel returns the model for plan generation.
func (a *attempt) planningModel() string {
	if a.f.Model != "" {
		return a.f.Model
	}
	if a.cfg.Agents.PlanningModel != "" {
		return a.cfg.Agents.PlanningModel
	}
	return a.cfg.Agents.ImplementationModel
}

// attemptOptions select a non-default entry into the controller.
type attemptOptions struct {
	// continuation, when set, enters implementation directly with this
	// prompt: the plan was approved through the recovery resolution path.
	continuation string
	// feedback carries reviewer feedback alongside the continuation.
	feedback string
}

// ExecuteFeature runs one feature through a full execution attempt and
// blocks until it reaches a terminal outcome. Admission is synchronous:
// a feature that is already running is rejected with ErrFeatureRunning
// before any I/O happens. The scheduler dispatches this on a goroutine;
// manual callers may invoke it directly.
func (e *Engine) ExecuteFeature(ctx context.Context, projectPath, featureID string) error {
	return e.executeFeature(ctx, projectPath, featureID, attemptOptions{})
}

func (e *Engine) executeFeature(ctx context.Context, projectPath, featureID string, opts attemptOptions) error {
	rf, runCtx, err := e.admit(ctx, projectPath, featureID)
	if err != nil {
		return err
	}
	e.saveSnapshot(projectPath)
	defer func() {
		e.release(rf)
		e.saveSnapshot(projectPath)
	}()

	a := &attempt{rf: rf, cfg: e.loopConfig(projectPath), workdir: projectPath}

	f, err := e.store.Load(projectPath, featureID)
	if err != nil {
		e.logger.Warn("Cannot execute %s: %v", featureID, err)
		e.bus.Publish(events.FeatureError{
			Meta:    events.NewMeta(projectPath, featureID),
			Message: fmt.Sprintf("failed to load feature: %v", err),
		})
		return err
	}
	a.f = f

	// A feature can reach a terminal status between being scheduled and
	// being admitted; re-running it would repeat finished work.
	if f.Status.IsTerminal() {
		e.logger.Debug("Feature %s is already %s; nothing to run", f.ID, f.Status)
		return nil
	}

	err = e.runAttempt(runCtx, a, opts)
	switch {
	case err == nil:
		return nil
	case isCancellation(err):
		e.completeStopped(a)
		return nil
	case isApprovalOutcome(err):
		e.failToBacklog(a, err, false)
		return err
	default:
		e.failToBacklog(a, err, true)
		return err
	}
}

// runAttempt drives one attempt from admission to its success terminal.
// Error returns are mapped to stopped/backlog outcomes by the caller.
func (e *Engine) runAttempt(ctx context.Context, a *attempt, opts attemptOptions) error {
	// A crashed or stopped attempt left output behind; re-enter where it
	// stopped instead of starting over. A continuation prompt means the
	// resolution path already decided where we are.
	if opts.continuation == "" && a.f.HasPriorOutput() {
		return e.resumeAttempt(ctx, a)
	}

	if err := e.beginWork(ctx, a); err != nil {
		return err
	}

	if opts.continuation != "" {
		if err := e.runApprovedPlan(ctx, a, opts.continuation, opts.feedback); err != nil {
			return err
		}
		return e.finishWork(ctx, a)
	}

	if a.f.PlanningMode.GeneratesPlanDocument() {
		plan, tasks, feedback, err := e.planAndApprove(ctx, a)
		if err != nil {
			return err
		}
		if err := e.executePlan(ctx, a, plan, tasks, feedback); err != nil {
			return err
		}
		return e.finishWork(ctx, a)
	}

	// skip / lite: a single implementation call.
	prompt := e.buildImplementationPrompt(a)
	out, err := e.query(ctx, a, a.implementationModel(), phaseImplementation, prompt)
	if err != nil {
		return err
	}
	if err := e.appendOutput(a, out.Output); err != nil {
		return err
	}
	return e.finishWork(ctx, a)
}

// resumeAttempt re-enters an interrupted attempt at the right place:
// a crashed pipeline step, a plan still awaiting approval, a half-done
// task list, or a plain continuation over the prior output.
func (e *Engine) resumeAttempt(ctx context.Context, a *attempt) error {
	if err := e.beginWork(ctx, a); err != nil {
		return err
	}

	if _, ok := a.f.Status.PipelineStepID(); ok {
		return e.finishWork(ctx, a) // the pipeline runner detects the step to resume at
	}

	ps := a.f.PlanSpec
	switch {
	case ps != nil && ps.Status == feature.PlanGenerated && a.f.ApprovalGateActive():
		// Crashed while awaiting approval: re-open the gate for the
		// already-generated plan.
		plan, tasks, feedback, err := e.awaitApproval(ctx, a, ps.Content, ps.Tasks, ps.Version)
		if err != nil {
			return err
		}
		if err := e.executePlan(ctx, a, plan, tasks, feedback); err != nil {
			return err
		}
	case ps != nil && ps.Status == feature.PlanApproved && len(ps.Tasks) > 0:
		// Crashed mid-task-loop: completed tasks carry their status.
		if err := e.runTasks(ctx, a, ps.Content, ps.Tasks, ""); err != nil {
			return err
		}
	default:
		prompt := e.buildResumePrompt(a)
		out, err := e.query(ctx, a, a.implementationModel(), phaseImplementation, prompt)
		if err != nil {
			return err
		}
		if err := e.appendOutput(a, out.Output); err != nil {
			return err
		}
	}
	return e.finishWork(ctx, a)
}

// beginWork is the shared attempt preamble: status, working directory,
// run record, project context, and memory.
func (e *Engine) beginWork(ctx context.Context, a *attempt) error {
	project, f := a.project(), a.f

	if err := utils.EnsureProjectLayout(project); err != nil {
		return err
	}

	if a.cfg.Git.UseWorktrees && f.BranchName != "" {
		workdir, isolated := e.workspaces.ResolveWorkingDir(ctx, project, f.BranchName)
		a.workdir = workdir
		if !isolated {
			e.logger.Warn("Feature %s runs in the project root; no worktree for branch %s", f.ID, f.BranchName)
		}
	}

	// Pipeline statuses are preserved so step resumption can see them.
	if !f.Status.IsPipeline() {
		updated, err := e.store.Update(project, f.ID, func(rec *feature.Feature) error {
			rec.Status = feature.StatusInProgress
			return nil
		})
		if err != nil {
			return err
		}
		a.f = updated
	}

	e.logger.Info("🚀 Executing feature %s (%s)", f.ID, f.Title)
	e.bus.Publish(events.FeatureStart{
		Meta:  events.NewMeta(project, f.ID),
		Title: f.Title,
	})

	if e.history != nil {
		runID, err := e.history.RecordRunStart(project, f.ID, a.implementationModel())
		if err != nil {
			e.logger.Warn("Failed to record run start for %s: %v", f.ID, err)
		} else {
			a.runID = runID
		}
	}

	projectContext, err := utils.LoadProjectContext(project)
	if err != nil {
		e.logger.Warn("Failed to load project context: %v", err)
	}
	a.projectContext = projectContext
	a.memory = e.recallMemory(a)
	return nil
}

// finishWork runs the configured pipeline steps and commits the success
// terminal: verified, or waiting_approval when tests were skipped.
func (e *Engine) finishWork(ctx context.Context, a *attempt) error {
	if err := e.runPipeline(ctx, a); err != nil {
		return err
	}

	final := feature.StatusVerified
	outcome := persistence.OutcomeVerified
	if a.f.SkipTests {
		final = feature.StatusWaitingApproval
		outcome = persistence.OutcomeWaitingApproval
	}

	updated, err := e.store.Update(a.project(), a.f.ID, func(rec *feature.Feature) error {
		rec.Status = final
		rec.Feedback = ""
		return nil
	})
	if err != nil {
		return err
	}
	a.f = updated

	e.breakerFor(a.project()).RecordSuccess()
	e.saveLearnings(a)
	e.finishRun(a, outcome, "")

	passes := final == feature.StatusVerified
	message := fmt.Sprintf("Feature %s completed (%s)", a.f.ID, final)
	e.logger.Info("✅ %s", message)
	e.bus.Publish(events.FeatureComplete{
		Meta:    events.NewMeta(a.project(), a.f.ID),
		Message: message,
		Passes:  passes,
	})
	e.notify(notify.TypeSuccess, "Feature completed", message, a.project(), a.f.ID)
	return nil
}

// completeStopped commits the neutral outcome of a user cancellation: the
// feature's status is left untouched so a later attempt can resume.
func (e *Engine) completeStopped(a *attempt) {
	e.finishRun(a, persistence.OutcomeStopped, "")
	message := fmt.Sprintf("Feature %s stopped", a.f.ID)
	e.logger.Info("⏹️ %s", message)
	e.bus.Publish(events.FeatureComplete{
		Meta:    events.NewMeta(a.project(), a.f.ID),
		Message: message,
		Stopped: true,
	})
}

// failToBacklog commits a failed attempt: status backlog, error event,
// and, for backend failures only, a breaker feed that may pause the
// project.
func (e *Engine) failToBacklog(a *attempt, attemptErr error, feedBreaker bool) {
	project, id := a.project(), a.f.ID

	if _, err := e.store.Update(project, id, func(rec *feature.Feature) error {
		rec.Status = feature.StatusBacklog
		return nil
	}); err != nil {
		e.logger.Warn("Failed to move %s to backlog: %v", id, err)
	}

	errorType := ""
	if feedBreaker {
		errorType = llmerrors.TypeOf(attemptErr).String()
	}
	e.logger.Error("Feature %s failed: %v", id, attemptErr)
	e.bus.Publish(events.FeatureError{
		Meta:      events.NewMeta(project, id),
		Message:   attemptErr.Error(),
		ErrorType: errorType,
	})
	e.finishRun(a, persistence.OutcomeFailed, attemptErr.Error())
	e.notify(notify.TypeError, "Feature failed",
		fmt.Sprintf("%s: %v", id, attemptErr), project, id)

	if feedBreaker {
		b := e.breakerFor(project)
		if reason, tripped := b.RecordFailure(attemptErr); tripped {
			e.pauseProject(project, reason, b.GetStats().FailureCount)
		}
	}
}

// finishRun closes the attempt's run record, best-effort.
func (e *Engine) finishRun(a *attempt, outcome, errText string) {
	if e.history == nil || a.runID == "" {
		return
	}
	if err := e.history.FinishRun(a.runID, outcome, a.promptTokens, a.completionTokens, errText); err != nil {
		e.logger.Warn("Failed to finish run record %s: %v", a.runID, err)
	}
}

// recallMemory retrieves learnings relevant to the feature, best-effort:
// the union of per-term matches, or the most recent notes when nothing
// matches.
func (e *Engine) recallMemory(a *attempt) []*persistence.Learning {
	if e.history == nil {
		return nil
	}

	seen := make(map[string]bool)
	var learnings []*persistence.Learning
	for _, term := range searchTerms(a.f.Title + " " + a.f.Description) {
		batch, err := e.history.SearchLearnings(a.project(), []string{term}, 5)
		if err != nil {
			e.logger.Debug("Learning search failed: %v", err)
			return nil
		}
		for _, l := range batch {
			if !seen[l.ID] && len(learnings) < 5 {
				seen[l.ID] = true
				learnings = append(learnings, l)
			}
		}
	}
	if len(learnings) > 0 {
		return learnings
	}

	recent, err := e.history.SearchLearnings(a.project(), nil, 3)
	if err != nil {
		e.logger.Debug("Learning search failed: %v", err)
		return nil
	}
	return recent
}

// saveLearnings extracts and stores learnings from this attempt's output,
// best-effort: failures are logged and never affect the outcome.
func (e *Engine) saveLearnings(a *attempt) {
	if e.history == nil {
		return
	}
	for _, content := range feature.ExtractLearnings(a.newOutput.String()) {
		if _, err := e.history.SaveLearning(a.project(), a.f.ID, content); err != nil {
			e.logger.Warn("Failed to save learning: %v", err)
		}
	}
}

// query runs one agent invocation: streamed text becomes progress events,
// tool invocations become tool-use events, and the aggregated result is
// returned. Cancellation is observed at every stream event.
func (e *Engine) query(ctx context.Context, a *attempt, model, phase, prompt string) (*agent.QueryResult, error) {
	provider, err := e.resolveProvider(model)
	if err != nil {
		return nil, err
	}

	opts := agent.QueryOptions{
		Model:     model,
		WorkDir:   a.workdir,
		Prompt:    prompt,
		FeatureID: a.f.ID,
		Phase:     phase,
		MaxTokens: a.cfg.Agents.MaxTokens,
	}
	for _, img := range a.f.Images {
		opts.Images = append(opts.Images, agent.ImageRef{Path: img})
	}

	stream, err := provider.ExecuteQuery(ctx, opts)
	if err != nil {
		return nil, err
	}

	for ev := range stream {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, ctxErr, "execution canceled")
		}
		switch ev.Type {
		case agent.QueryEventText:
			e.bus.Publish(events.FeatureProgress{
				Meta:    events.NewMeta(a.project(), a.f.ID),
				Message: ev.Text,
			})
		case agent.QueryEventToolUse:
			e.bus.Publish(events.ToolUse{
				Meta:  events.NewMeta(a.project(), a.f.ID),
				Tool:  ev.Tool.Name,
				Input: ev.Tool.Input,
			})
		case agent.QueryEventError:
			return nil, ev.Err
		case agent.QueryEventResult:
			a.promptTokens += int64(ev.Result.Usage.PromptTokens)
			a.completionTokens += int64(ev.Result.Usage.CompletionTokens)
			if err := e.store.AppendTranscript(a.project(), a.f.ID, ev.Result.Output); err != nil {
				e.logger.Warn("Failed to append transcript for %s: %v", a.f.ID, err)
			}
			return ev.Result, nil
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, ctxErr, "execution canceled")
	}
	return nil, llmerrors.NewError(llmerrors.ErrorTypeUnknown, "agent stream ended without a result")
}

// appendOutput persists a chunk of agent output onto the feature record
// and tracks it as this attempt's fresh output.
func (e *Engine) appendOutput(a *attempt, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	updated, err := e.store.Update(a.project(), a.f.ID, func(rec *feature.Feature) error {
		if rec.Output != "" {
			rec.Output += "\n\n"
		}
		rec.Output += text
		return nil
	})
	if err != nil {
		return err
	}
	a.f = updated

	if a.newOutput.Len() > 0 {
		a.newOutput.WriteString("\n\n")
	}
	a.newOutput.WriteString(text)
	return nil
}

// isCancellation reports whether err is a user or context cancellation,
// the neutral attempt outcome.
func isCancellation(err error) bool {
	return llmerrors.IsCancellation(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isApprovalOutcome reports whether err is a human decision rather than a
// backend failure; these never feed the circuit breaker.
func isApprovalOutcome(err error) bool {
	return errors.Is(err, ErrApprovalTimeout) || errors.Is(err, ErrPlanRejected) || errors.Is(err, ErrRevisionBudget)
}

// searchTerms picks the distinctive words of a feature title/description
// for learning recall.
func searchTerms(text string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?()[]{}\"'")
		if len(word) < 4 || stopWords[word] {
			continue
		}
		terms = append(terms, word)
		if len(terms) == 4 {
			break
		}
	}
	return terms
}

var stopWords = map[string]bool{
	"with": true, "from": true, "that": true, "this": true, "when": true,
	"then": true, "into": true, "over": true, "should": true, "support": true,
	"feature": true, "implement": true,
}
