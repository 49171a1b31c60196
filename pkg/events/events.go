// Package events defines the conductor's typed event variants and the
// process-wide bus they are published on. Every scheduler, approval, task,
// and pipeline occurrence is a variant carrying shared metadata plus a
// stable wire name used for serialization.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the stable wire name of an event variant.
type Type string

// Wire names. These are persisted in debug logs and consumed by external
// tooling; changing one is a breaking change.
const (
	TypeLoopStarted    Type = "auto_mode_started"
	TypeLoopStopped    Type = "auto_mode_stopped"
	TypeLoopIdle       Type = "auto_mode_idle"
	TypeLoopError      Type = "auto_mode_error"
	TypePausedFailures Type = "auto_mode_paused_failures"

	TypeFeatureStart    Type = "auto_mode_feature_start"
	TypeFeatureProgress Type = "auto_mode_feature_progress"
	TypeToolUse         Type = "auto_mode_tool_use"
	TypeFeatureComplete Type = "auto_mode_feature_complete"
	TypeFeatureError    Type = "auto_mode_feature_error"

	TypePlanningStarted      Type = "planning_started"
	TypeApprovalRequired     Type = "plan_approval_required"
	TypeApprovalApproved     Type = "plan_approval_approved"
	TypeApprovalRejected     Type = "plan_approval_rejected"
	TypeApprovalAutoApproved Type = "plan_approval_auto_approved"
	TypeRevisionRequested    Type = "plan_revision_requested"

	TypeTaskStarted   Type = "task_started"
	TypeTaskComplete  Type = "task_complete"
	TypePhaseComplete Type = "phase_complete"

	TypePipelineStepStarted  Type = "pipeline_step_started"
	TypePipelineStepComplete Type = "pipeline_step_complete"

	TypeResumingFeatures Type = "auto_mode_resuming_features"
)

// Meta carries the fields shared by every event variant.
type Meta struct {
	Time        time.Time `json:"time"`
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	FeatureID   string    `json:"feature_id,omitempty"`
}

// Metadata returns itself, satisfying the Event interface for embedders.
// The accessor cannot be named Meta: the embedded field of that name would
// shadow it and break interface satisfaction for every variant.
func (m Meta) Metadata() Meta { return m }

// NewMeta creates event metadata with a fresh ID and the current time.
// featureID may be empty for project-level events.
func NewMeta(projectPath, featureID string) Meta {
	return Meta{
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		ProjectPath: projectPath,
		FeatureID:   featureID,
	}
}

// Event is one conductor occurrence. Concrete variants embed Meta and
// declare their wire name via Kind.
type Event interface {
	Kind() Type
	Metadata() Meta
}

// LoopStarted reports a scheduler loop starting for a project.
type LoopStarted struct {
	Meta
	MaxConcurrency int `json:"max_concurrency"`
}

// Kind implements Event.
func (LoopStarted) Kind() Type { return TypeLoopStarted }

// LoopStopped reports a scheduler loop stopping, either explicitly or
// because the breaker paused the project.
type LoopStopped struct {
	Meta
	Reason string `json:"reason,omitempty"`
}

// Kind implements Event.
func (LoopStopped) Kind() Type { return TypeLoopStopped }

// LoopIdle reports an iteration that found no eligible features.
type LoopIdle struct {
	Meta
}

// Kind implements Event.
func (LoopIdle) Kind() Type { return TypeLoopIdle }

// LoopError reports an absorbed scheduler iteration error.
type LoopError struct {
	Meta
	Message string `json:"message"`
}

// Kind implements Event.
func (LoopError) Kind() Type { return TypeLoopError }

// PausedFailures reports the circuit breaker pausing a project. Quota
// distinguishes quota/rate-limit detection from repeated generic failures.
type PausedFailures struct {
	Meta
	Message      string `json:"message"`
	FailureCount int    `json:"failure_count"`
	Quota        bool   `json:"quota"`
}

// Kind implements Event.
func (PausedFailures) Kind() Type { return TypePausedFailures }

// FeatureStart reports the execution controller picking up a feature.
type FeatureStart struct {
	Meta
	Title string `json:"title,omitempty"`
}

// Kind implements Event.
func (FeatureStart) Kind() Type { return TypeFeatureStart }

// FeatureProgress carries a chunk of streamed agent output or a progress
// note for a running feature.
type FeatureProgress struct {
	Meta
	Message string `json:"message"`
}

// Kind implements Event.
func (FeatureProgress) Kind() Type { return TypeFeatureProgress }

// ToolUse reports a tool invocation by the agent backend.
type ToolUse struct {
	Meta
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

// Kind implements Event.
func (ToolUse) Kind() Type { return TypeToolUse }

// FeatureComplete reports a terminal feature outcome. Passes is true only
// for a verified completion; Stopped marks a user-initiated cancellation,
// which is a neutral completion rather than a failure.
type FeatureComplete struct {
	Meta
	Message string `json:"message,omitempty"`
	Passes  bool   `json:"passes"`
	Stopped bool   `json:"stopped,omitempty"`
}

// Kind implements Event.
func (FeatureComplete) Kind() Type { return TypeFeatureComplete }

// FeatureError reports a failed feature execution.
type FeatureError struct {
	Meta
	Message   string `json:"message"`
	ErrorType string `json:"error_type,omitempty"`
}

// Kind implements Event.
func (FeatureError) Kind() Type { return TypeFeatureError }

// PlanningStarted reports plan generation beginning for a feature.
type PlanningStarted struct {
	Meta
}

// Kind implements Event.
func (PlanningStarted) Kind() Type { return TypePlanningStarted }

// ApprovalRequired reports a generated plan awaiting human review. The
// approval is already registered when this event fires, so a resolution
// arriving immediately cannot be lost.
type ApprovalRequired struct {
	Meta
	ApprovalID string `json:"approval_id"`
	Plan       string `json:"plan,omitempty"`
	Revision   int    `json:"revision,omitempty"`
}

// Kind implements Event.
func (ApprovalRequired) Kind() Type { return TypeApprovalRequired }

// ApprovalApproved reports a human approving a plan.
type ApprovalApproved struct {
	Meta
	Feedback string `json:"feedback,omitempty"`
}

// Kind implements Event.
func (ApprovalApproved) Kind() Type { return TypeApprovalApproved }

// ApprovalRejected reports a human rejecting a plan, or the 30-minute
// timeout expiring.
type ApprovalRejected struct {
	Meta
	Feedback string `json:"feedback,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Kind implements Event.
func (ApprovalRejected) Kind() Type { return TypeApprovalRejected }

// ApprovalAutoApproved reports a plan proceeding without human review
// because the gate is not active for this feature.
type ApprovalAutoApproved struct {
	Meta
}

// Kind implements Event.
func (ApprovalAutoApproved) Kind() Type { return TypeApprovalAutoApproved }

// RevisionRequested reports approval feedback that sends the plan back for
// another generation pass.
type RevisionRequested struct {
	Meta
	Feedback string `json:"feedback"`
	Revision int    `json:"revision"`
}

// Kind implements Event.
func (RevisionRequested) Kind() Type { return TypeRevisionRequested }

// TaskStarted reports a plan task beginning execution.
type TaskStarted struct {
	Meta
	TaskID      string `json:"task_id"`
	Description string `json:"description,omitempty"`
}

// Kind implements Event.
func (TaskStarted) Kind() Type { return TypeTaskStarted }

// TaskComplete reports a plan task finishing.
type TaskComplete struct {
	Meta
	TaskID string `json:"task_id"`
}

// Kind implements Event.
func (TaskComplete) Kind() Type { return TypeTaskComplete }

// PhaseComplete reports the agent signaling completion of a whole phase of
// the plan.
type PhaseComplete struct {
	Meta
	Phase string `json:"phase"`
}

// Kind implements Event.
func (PhaseComplete) Kind() Type { return TypePhaseComplete }

// PipelineStepStarted reports a post-implementation pipeline step starting.
type PipelineStepStarted struct {
	Meta
	StepID    string `json:"step_id"`
	StepName  string `json:"step_name,omitempty"`
	StepIndex int    `json:"step_index"`
}

// Kind implements Event.
func (PipelineStepStarted) Kind() Type { return TypePipelineStepStarted }

// PipelineStepComplete reports a pipeline step finishing.
type PipelineStepComplete struct {
	Meta
	StepID string `json:"step_id"`
}

// Kind implements Event.
func (PipelineStepComplete) Kind() Type { return TypePipelineStepComplete }

// ResumingFeatures reports the startup recovery pass re-entering features
// that were in flight when the process last stopped.
type ResumingFeatures struct {
	Meta
	FeatureIDs []string `json:"feature_ids"`
}

// Kind implements Event.
func (ResumingFeatures) Kind() Type { return TypeResumingFeatures }
