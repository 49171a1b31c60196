package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{"backlog", StatusBacklog, false},
		{"pending", StatusPending, false},
		{"ready", StatusReady, false},
		{"in_progress", StatusInProgress, false},
		{"waiting_approval", StatusWaitingApproval, false},
		{"verified", StatusVerified, false},
		{"completed", StatusCompleted, false},
		{"pipeline_lint", Status("pipeline_lint"), false},
		{"pipeline_", "", true},
		{"running", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusPipeline(t *testing.T) {
	st := PipelineStatus("tests")
	assert.Equal(t, Status("pipeline_tests"), st)
	assert.True(t, st.IsPipeline())

	stepID, ok := st.PipelineStepID()
	require.True(t, ok)
	assert.Equal(t, "tests", stepID)

	_, ok = StatusPending.PipelineStepID()
	assert.False(t, ok)
	assert.False(t, Status("pipeline_").IsPipeline())
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusBacklog.IsEligible())
	assert.True(t, StatusPending.IsEligible())
	assert.True(t, StatusReady.IsEligible())
	assert.False(t, StatusInProgress.IsEligible())
	assert.False(t, StatusVerified.IsEligible())

	assert.True(t, StatusVerified.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusWaitingApproval.IsTerminal())
	assert.False(t, PipelineStatus("lint").IsTerminal())
}

func TestParsePlanningMode(t *testing.T) {
	tests := []struct {
		input   string
		want    PlanningMode
		wantErr bool
	}{
		{"", PlanningSkip, false},
		{"skip", PlanningSkip, false},
		{"lite", PlanningLite, false},
		{"lite_with_approval", PlanningLiteWithApproval, false},
		{"spec", PlanningSpec, false},
		{"full", PlanningFull, false},
		{"thorough", "", true},
	}

	for _, tt := range tests {
		t.Run("mode_"+tt.input, func(t *testing.T) {
			got, err := ParsePlanningMode(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequiresApproval(t *testing.T) {
	tests := []struct {
		mode        PlanningMode
		requireFlag bool
		want        bool
	}{
		{PlanningSkip, true, false},
		{PlanningLite, true, false},
		{PlanningLiteWithApproval, false, true},
		{PlanningLiteWithApproval, true, true},
		{PlanningSpec, false, false},
		{PlanningSpec, true, true},
		{PlanningFull, false, false},
		{PlanningFull, true, true},
	}

	for _, tt := range tests {
		got := tt.mode.RequiresApproval(tt.requireFlag)
		assert.Equal(t, tt.want, got, "mode=%s flag=%v", tt.mode, tt.requireFlag)
	}
}

func TestApprovalGateActive(t *testing.T) {
	f := &Feature{ID: "feat-1", PlanningMode: PlanningLiteWithApproval}
	assert.True(t, f.ApprovalGateActive())

	f = &Feature{ID: "feat-2", PlanningMode: PlanningFull}
	assert.False(t, f.ApprovalGateActive())
	f.RequirePlanApproval = true
	assert.True(t, f.ApprovalGateActive())

	f = &Feature{ID: "feat-3", PlanningMode: PlanningLite, RequirePlanApproval: true}
	assert.False(t, f.ApprovalGateActive())
}

func TestHasPriorOutput(t *testing.T) {
	f := &Feature{ID: "feat-1"}
	assert.False(t, f.HasPriorOutput())

	f.Output = "   \n\t"
	assert.False(t, f.HasPriorOutput())

	f.Output = "implemented the login form"
	assert.True(t, f.HasPriorOutput())
}

func TestEnsurePlanSpec(t *testing.T) {
	f := &Feature{ID: "feat-1"}
	spec := f.EnsurePlanSpec()
	require.NotNil(t, spec)
	assert.Equal(t, PlanPending, spec.Status)

	spec.Version = 2
	assert.Same(t, spec, f.EnsurePlanSpec())
	assert.Equal(t, 2, f.PlanSpec.Version)
}
