package autoloop

import (
	"fmt"
	"strings"

	"conductor/pkg/feature"
	"conductor/pkg/pipeline"
)

// Per-section token budgets. They keep one oversized artifact from starving
// the rest of the prompt; the config's PromptTokenBudget caps the whole
// assembly afterwards.
const (
	contextTokenBudget = 2000
	outputTokenBudget  = 6000
	planTokenBudget    = 4000
)

const learningsInstruction = "When you discover a durable fact about this project (a build quirk, " +
	"a hidden dependency, a convention), record it on its own line starting with LEARNING:."

// promptHeader assembles the sections every agent call shares: the feature
// itself, trimmed project context, and recalled learnings.
func (e *Engine) promptHeader(a *attempt) *strings.Builder {
	var b strings.Builder
	fmt.Fprintf(&b, "# Feature: %s\n\n", a.f.Title)
	if desc := strings.TrimSpace(a.f.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	if a.projectContext != "" {
		b.WriteString("# Project Context\n\n")
		b.WriteString(e.counter.TruncateToTokens(a.projectContext, contextTokenBudget))
		b.WriteString("\n\n")
	}
	if len(a.memory) > 0 {
		b.WriteString("# Learnings From Earlier Runs\n\n")
		for _, l := range a.memory {
			fmt.Fprintf(&b, "- %s\n", l.Content)
		}
		b.WriteString("\n")
	}
	return &b
}

func writeFeedback(b *strings.Builder, feedback string) {
	if fb := strings.TrimSpace(feedback); fb != "" {
		b.WriteString("# Reviewer Feedback\n\n")
		b.WriteString(fb)
		b.WriteString("\n\n")
	}
}

func (e *Engine) writePriorOutput(b *strings.Builder, a *attempt, heading string) {
	if !a.f.HasPriorOutput() {
		return
	}
	b.WriteString("# " + heading + "\n\n")
	b.WriteString(e.counter.TruncateToTokens(a.f.Output, outputTokenBudget))
	b.WriteString("\n\n")
}

// fitBudget enforces the configured prompt token budget by truncating from
// the front. Instructions sit at the end of every prompt, so they survive;
// stale context is what gets dropped.
func (e *Engine) fitBudget(a *attempt, prompt string) string {
	budget := a.cfg.Agents.PromptTokenBudget
	if budget <= 0 {
		return prompt
	}
	if n := e.counter.CountTokens(prompt); n > budget {
		e.logger.Warn("Prompt for %s exceeds token budget (%d > %d), truncating from the front", a.f.ID, n, budget)
		return e.counter.TruncateToTokens(prompt, budget)
	}
	return prompt
}

// buildImplementationPrompt is the single-call prompt for skip and lite
// planning modes.
func (e *Engine) buildImplementationPrompt(a *attempt) string {
	b := e.promptHeader(a)
	writeFeedback(b, a.f.Feedback)
	b.WriteString("# Instructions\n\n")
	b.WriteString("Implement this feature in the current repository.\n")
	if a.f.PlanningMode == feature.PlanningLite {
		b.WriteString("Start your reply with a short plan (a few bullet points), then carry it out in the same session.\n")
	}
	b.WriteString("Make the smallest change that satisfies the description, and follow the project's existing conventions.\n")
	b.WriteString(learningsInstruction + "\n")
	return e.fitBudget(a, b.String())
}

// buildPlanningPrompt asks for a plan document in the parseable shape:
// a plan fence, a tasks fence, and a completion marker.
func (e *Engine) buildPlanningPrompt(a *attempt, feedback string) string {
	b := e.promptHeader(a)
	e.writePriorOutput(b, a, "Output From The Previous Attempt")
	writeFeedback(b, feedback)
	b.WriteString("# Instructions\n\n")
	b.WriteString("Produce an implementation plan for this feature. Do not change any files yet.\n")
	switch a.f.PlanningMode {
	case feature.PlanningLiteWithApproval:
		b.WriteString("Keep the plan short: a handful of bullets and only a few tasks.\n")
	case feature.PlanningSpec:
		b.WriteString("Ground the plan in the specification documents already present in the repository.\n")
	}
	b.WriteString("\nReply in exactly this shape:\n\n")
	b.WriteString("1. The plan inside a ```plan fenced block: goals, approach, risks, and the files you expect to touch.\n")
	b.WriteString("2. The task breakdown inside a ```tasks fenced block, one checklist line per task:\n")
	b.WriteString("   - [ ] T001: short imperative description [file: path/if/known] [phase: group]\n")
	b.WriteString("   The [file: ...] and [phase: ...] tags are optional.\n")
	fmt.Fprintf(b, "3. The line %s alone at the very end.\n", feature.PlanGenerationCompleteMarker)
	return e.fitBudget(a, b.String())
}

// buildContinuationPrompt implements an approved plan in one call, used
// when the plan yielded no parseable task list.
func (e *Engine) buildContinuationPrompt(a *attempt, plan, feedback string) string {
	b := e.promptHeader(a)
	b.WriteString("# Approved Plan\n\n")
	b.WriteString(e.counter.TruncateToTokens(plan, planTokenBudget))
	b.WriteString("\n\n")
	writeFeedback(b, feedback)
	b.WriteString("# Instructions\n\n")
	b.WriteString("The plan above has been approved. Implement it now, in order, deviating only where the code contradicts the plan's assumptions.\n")
	b.WriteString(learningsInstruction + "\n")
	return e.fitBudget(a, b.String())
}

// buildTaskPrompt narrows one agent call to a single plan task, with the
// completed tail and upcoming tasks for orientation.
func (e *Engine) buildTaskPrompt(a *attempt, plan string, tasks []feature.ParsedTask, current int, feedback string) string {
	b := e.promptHeader(a)
	b.WriteString("# Approved Plan\n\n")
	b.WriteString(e.counter.TruncateToTokens(plan, planTokenBudget))
	b.WriteString("\n\n")

	var done []feature.ParsedTask
	for _, t := range tasks[:current] {
		if t.Status == feature.TaskCompleted {
			done = append(done, t)
		}
	}
	if len(done) > 0 {
		if len(done) > 5 {
			done = done[len(done)-5:]
		}
		b.WriteString("# Already Completed\n\n")
		for _, t := range done {
			fmt.Fprintf(b, "- %s: %s\n", t.ID, t.Description)
		}
		b.WriteString("\n")
	}

	task := tasks[current]
	b.WriteString("# Current Task\n\n")
	fmt.Fprintf(b, "%s: %s\n", task.ID, task.Description)
	if task.FilePath != "" {
		fmt.Fprintf(b, "File: %s\n", task.FilePath)
	}
	if task.Phase != "" {
		fmt.Fprintf(b, "Phase: %s\n", task.Phase)
	}
	b.WriteString("\n")

	if next := tasks[current+1:]; len(next) > 0 {
		if len(next) > 3 {
			next = next[:3]
		}
		b.WriteString("# Coming Up (do not implement these yet)\n\n")
		for _, t := range next {
			fmt.Fprintf(b, "- %s: %s\n", t.ID, t.Description)
		}
		b.WriteString("\n")
	}

	writeFeedback(b, feedback)
	b.WriteString("# Instructions\n\n")
	b.WriteString("Complete only the current task. Leave the upcoming tasks for later calls.\n")
	b.WriteString(learningsInstruction + "\n")
	return e.fitBudget(a, b.String())
}

// buildResumePrompt re-enters a feature whose previous attempt stopped
// partway through plain implementation.
func (e *Engine) buildResumePrompt(a *attempt) string {
	b := e.promptHeader(a)
	b.WriteString("# Previous Progress\n\n")
	b.WriteString("An earlier run of this feature stopped partway through. Its output so far:\n\n")
	b.WriteString(e.counter.TruncateToTokens(a.f.Output, outputTokenBudget))
	b.WriteString("\n\n")
	writeFeedback(b, a.f.Feedback)
	b.WriteString("# Instructions\n\n")
	b.WriteString("Inspect the working tree first: some of the work above may already be applied. Verify what is done before redoing it, then finish the remainder of the feature.\n")
	b.WriteString(learningsInstruction + "\n")
	return e.fitBudget(a, b.String())
}

// buildStepPrompt runs one configured pipeline step over the feature's
// accumulated work. rerun marks a step interrupted by a crash and re-run
// from the top.
func (e *Engine) buildStepPrompt(a *attempt, step pipeline.Step, rerun bool) string {
	b := e.promptHeader(a)
	e.writePriorOutput(b, a, "Work Completed For This Feature")
	name := step.Name
	if name == "" {
		name = step.ID
	}
	fmt.Fprintf(b, "# Pipeline Step: %s\n\n", name)
	b.WriteString(strings.TrimSpace(step.Prompt))
	b.WriteString("\n\n")
	if rerun {
		b.WriteString("This step was interrupted on an earlier run and its changes may have been partially applied; verify before redoing work.\n")
	}
	b.WriteString("Do only what this step asks. Do not start new feature work here.\n")
	return e.fitBudget(a, b.String())
}
