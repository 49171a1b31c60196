// Package feature defines the unit of work the conductor executes: the
// Feature record with its lifecycle status, the embedded plan spec, and the
// tasks parsed out of generated plans. Records are owned by the per-project
// feature store; only the execution controller mutates them during a run.
package feature

import (
	"fmt"
	"strings"
	"time"
)

// Status is a feature's lifecycle state. Alongside the fixed values, any
// string of the form "pipeline_<stepId>" is a valid status marking an
// in-flight pipeline step.
type Status string

// Fixed lifecycle statuses.
const (
	StatusBacklog         Status = "backlog"
	StatusPending         Status = "pending"
	StatusReady           Status = "ready"
	StatusInProgress      Status = "in_progress"
	StatusWaitingApproval Status = "waiting_approval"
	StatusVerified        Status = "verified"
	StatusCompleted       Status = "completed"
)

// PipelineStatusPrefix marks statuses of the form pipeline_<stepId>.
const PipelineStatusPrefix = "pipeline_"

// PipelineStatus builds the status recorded while the given pipeline step
// runs.
func PipelineStatus(stepID string) Status {
	return Status(PipelineStatusPrefix + stepID)
}

// IsPipeline reports whether the status marks an in-flight pipeline step.
func (s Status) IsPipeline() bool {
	return strings.HasPrefix(string(s), PipelineStatusPrefix) && len(s) > len(PipelineStatusPrefix)
}

// PipelineStepID extracts the step ID from a pipeline status. The second
// return is false for non-pipeline statuses.
func (s Status) PipelineStepID() (string, bool) {
	if !s.IsPipeline() {
		return "", false
	}
	return strings.TrimPrefix(string(s), PipelineStatusPrefix), true
}

// IsEligible reports whether the scheduler loop may pick up a feature in
// this status.
func (s Status) IsEligible() bool {
	return s == StatusBacklog || s == StatusPending || s == StatusReady
}

// IsTerminal reports whether the status marks finished work.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusCompleted
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus validates a string as a feature status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusBacklog, StatusPending, StatusReady, StatusInProgress,
		StatusWaitingApproval, StatusVerified, StatusCompleted:
		return Status(s), nil
	}
	if st := Status(s); st.IsPipeline() {
		return st, nil
	}
	return "", fmt.Errorf("invalid feature status: %q", s)
}

// PlanningMode selects how much up-front planning a feature gets before
// implementation.
type PlanningMode string

// Planning modes.
const (
	// PlanningSkip goes straight to implementation with no plan.
	PlanningSkip PlanningMode = "skip"
	// PlanningLite asks for a short plan inline with the implementation
	// call; no separate plan document, never gated on approval.
	PlanningLite PlanningMode = "lite"
	// PlanningLiteWithApproval generates a short plan document and always
	// requires approval.
	PlanningLiteWithApproval PlanningMode = "lite_with_approval"
	// PlanningSpec generates a full plan document from an existing spec.
	PlanningSpec PlanningMode = "spec"
	// PlanningFull generates a full plan document from scratch.
	PlanningFull PlanningMode = "full"
)

// String returns the string representation of the planning mode.
func (m PlanningMode) String() string {
	return string(m)
}

// ParsePlanningMode validates a string as a planning mode. The empty string
// parses as PlanningSkip.
func ParsePlanningMode(s string) (PlanningMode, error) {
	if s == "" {
		return PlanningSkip, nil
	}
	switch PlanningMode(s) {
	case PlanningSkip, PlanningLite, PlanningLiteWithApproval, PlanningSpec, PlanningFull:
		return PlanningMode(s), nil
	default:
		return "", fmt.Errorf("invalid planning mode: %q", s)
	}
}

// GeneratesPlanDocument reports whether the mode produces a standalone plan
// document in a dedicated planning call.
func (m PlanningMode) GeneratesPlanDocument() bool {
	return m == PlanningLiteWithApproval || m == PlanningSpec || m == PlanningFull
}

// RequiresApproval reports whether the plan approval gate is active for
// this mode given the feature's requirePlanApproval flag: always for
// lite_with_approval, flag-dependent for spec/full, never otherwise.
func (m PlanningMode) RequiresApproval(requireFlag bool) bool {
	if m == PlanningLiteWithApproval {
		return true
	}
	return m.GeneratesPlanDocument() && requireFlag
}

// PlanStatus is the lifecycle of an embedded plan spec.
type PlanStatus string

// Plan statuses, in lifecycle order.
const (
	PlanPending    PlanStatus = "pending"
	PlanGenerating PlanStatus = "generating"
	PlanGenerated  PlanStatus = "generated"
	PlanApproved   PlanStatus = "approved"
	PlanRejected   PlanStatus = "rejected"
)

// String returns the string representation of the plan status.
func (p PlanStatus) String() string {
	return string(p)
}

// ParsePlanStatus validates a string as a plan status.
func ParsePlanStatus(s string) (PlanStatus, error) {
	switch PlanStatus(s) {
	case PlanPending, PlanGenerating, PlanGenerated, PlanApproved, PlanRejected:
		return PlanStatus(s), nil
	default:
		return "", fmt.Errorf("invalid plan status: %q", s)
	}
}

// TaskStatus is the transient state of a parsed plan task.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// ParsedTask is one unit of plan work, extracted from generated plan
// content. Tasks are transient: recreated whenever a plan is (re)generated.
type ParsedTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	FilePath    string     `json:"file_path,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	Status      TaskStatus `json:"status"`
}

// PlanSpec is the plan embedded in a feature. Mutated only while the owning
// feature is actively running.
type PlanSpec struct {
	Status         PlanStatus   `json:"status"`
	Content        string       `json:"content,omitempty"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	Tasks          []ParsedTask `json:"tasks,omitempty"`
	Version        int          `json:"version"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksTotal     int          `json:"tasks_total"`
}

// Feature is the persisted unit of work.
type Feature struct {
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	Status              Status       `json:"status"`
	BranchName          string       `json:"branch_name,omitempty"`
	Model               string       `json:"model,omitempty"`
	PlanningMode        PlanningMode `json:"planning_mode,omitempty"`
	PlanSpec            *PlanSpec    `json:"plan_spec,omitempty"`
	Output              string       `json:"output,omitempty"`
	Feedback            string       `json:"feedback,omitempty"`
	DependsOn           []string     `json:"depends_on,omitempty"`
	Images              []string     `json:"images,omitempty"`
	RequirePlanApproval bool         `json:"require_plan_approval,omitempty"`
	SkipTests           bool         `json:"skip_tests,omitempty"`
}

// HasPriorOutput reports whether a previous execution attempt recorded
// agent output; recovery re-enters only such features.
func (f *Feature) HasPriorOutput() bool {
	return strings.TrimSpace(f.Output) != ""
}

// EnsurePlanSpec returns the embedded plan, creating an empty pending one
// if absent.
func (f *Feature) EnsurePlanSpec() *PlanSpec {
	if f.PlanSpec == nil {
		f.PlanSpec = &PlanSpec{Status: PlanPending}
	}
	return f.PlanSpec
}

// ApprovalGateActive reports whether this feature's plan must pass human
// approval before implementation.
func (f *Feature) ApprovalGateActive() bool {
	return f.PlanningMode.RequiresApproval(f.RequirePlanApproval)
}
